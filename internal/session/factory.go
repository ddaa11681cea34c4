// Package session implements the per-connection side of sshcast: the
// factory that issues client ids, and the handler that authenticates a
// client, registers its session channels and broadcasts its data.
package session

import (
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"sshcast/internal/registry"
)

// KeyRecorder persists accepted public keys.
type KeyRecorder interface {
	Record(username string, key ssh.PublicKey) error
}

// Observer receives connection level events, typically for metrics.
type Observer interface {
	ClientConnected()
	ClientDisconnected()
	AuthAttempt(accepted bool)
	Broadcast(recipients, size int)
}

type nopObserver struct{}

func (nopObserver) ClientConnected()    {}
func (nopObserver) ClientDisconnected() {}
func (nopObserver) AuthAttempt(bool)    {}
func (nopObserver) Broadcast(int, int)  {}

// Options configures a Factory. Zero values select AcceptAll, no key
// recording, no observer, the default queue size and the standard logger.
type Options struct {
	Policy    AuthPolicy
	Recorder  KeyRecorder
	Observer  Observer
	QueueSize int
	Logger    logrus.FieldLogger
}

// Factory builds one Handler per accepted connection. All handlers share
// the factory's registry.
type Factory struct {
	registry *registry.Registry
	opts     Options
	lastID   atomic.Uint64
}

// NewFactory returns a factory whose handlers share reg.
func NewFactory(reg *registry.Registry, opts Options) *Factory {
	if opts.Policy == nil {
		opts.Policy = AcceptAll
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = registry.DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Factory{registry: reg, opts: opts}
}

// Registry returns the registry shared by every handler.
func (f *Factory) Registry() *registry.Registry {
	return f.registry
}

// NewHandler issues the next client id and returns a handler for it. The
// first id issued is 1.
func (f *Factory) NewHandler(remote net.Addr) *Handler {
	id := registry.ClientID(f.lastID.Add(1))
	sessionID := uuid.NewString()

	fields := logrus.Fields{"client": uint64(id), "session": sessionID}
	if remote != nil {
		fields["remote"] = remote.String()
	}
	log := f.opts.Logger.WithFields(fields)

	f.opts.Observer.ClientConnected()
	log.Info("new client")

	return &Handler{
		id:        id,
		sessionID: sessionID,
		remote:    remote,
		log:       log,
		registry:  f.registry,
		policy:    f.opts.Policy,
		recorder:  f.opts.Recorder,
		observer:  f.opts.Observer,
		queueSize: f.opts.QueueSize,
	}
}
