package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"sshcast/internal/registry"
)

// Handler is the per-connection callback target driven by the SSH glue.
// It is created by a Factory and is safe for concurrent use by the
// connection's channel goroutines.
type Handler struct {
	id        registry.ClientID
	sessionID string
	remote    net.Addr
	log       logrus.FieldLogger

	registry  *registry.Registry
	policy    AuthPolicy
	recorder  KeyRecorder
	observer  Observer
	queueSize int

	mu       sync.Mutex
	pubKey   ssh.PublicKey
	username string
	closed   bool
}

// ID returns the client id issued at accept time.
func (h *Handler) ID() registry.ClientID { return h.id }

// SessionID returns the correlation id used in this connection's log lines.
func (h *Handler) SessionID() string { return h.sessionID }

// RemoteAddr returns the peer address, which may be nil.
func (h *Handler) RemoteAddr() net.Addr { return h.remote }

// Logger returns a logger carrying this connection's fields.
func (h *Handler) Logger() logrus.FieldLogger { return h.log }

// PublicKey returns the most recently accepted key, or nil.
func (h *Handler) PublicKey() ssh.PublicKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pubKey
}

// Username returns the username of the most recently accepted attempt.
func (h *Handler) Username() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.username
}

// Authenticate applies the auth policy to one attempt. An accepted key
// replaces any key recorded earlier on this handler.
func (h *Handler) Authenticate(username string, key ssh.PublicKey) AuthDecision {
	fp := ssh.FingerprintSHA256(key)
	log := h.log.WithFields(logrus.Fields{"user": username, "key_type": key.Type(), "fingerprint": fp})

	decision := h.policy.Decide(username, key)
	h.observer.AuthAttempt(decision == Accept)
	if decision != Accept {
		log.Info("public key rejected")
		return Reject
	}

	h.mu.Lock()
	h.pubKey = key
	h.username = username
	h.mu.Unlock()

	if h.recorder != nil {
		if err := h.recorder.Record(username, key); err != nil {
			log.WithError(err).Warn("failed to record public key")
		}
	}
	log.Info("public key accepted")
	return Accept
}

// OpenSession registers a newly opened session channel under this client's
// id. It returns true once the registry owns ch. On false the caller still
// owns ch and should close it.
func (h *Handler) OpenSession(id registry.ChannelID, ch io.WriteCloser) (bool, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return false, fmt.Errorf("open channel %d: %w", id, registry.ErrClosed)
	}

	key := registry.ChannelKey{Client: h.id, Channel: id}
	if err := h.registry.Insert(key, registry.NewHandle(ch, h.queueSize)); err != nil {
		if errors.Is(err, registry.ErrDuplicateKey) {
			h.log.WithField("channel", uint32(id)).Error("channel id reused on live connection")
		}
		return false, err
	}
	h.log.WithField("channel", uint32(id)).Info("session opened")
	return true, nil
}

// OnData fans payload out to every registered channel, this client's own
// channels included, and returns the number of recipients. payload is
// copied, so the caller may reuse its buffer as soon as OnData returns.
func (h *Handler) OnData(origin registry.ChannelID, payload []byte) int {
	// A zero-length read carries no data and is not a broadcast.
	if len(payload) == 0 {
		return 0
	}
	msg := make([]byte, len(payload))
	copy(msg, payload)

	n := h.registry.Broadcast(msg)
	h.observer.Broadcast(n, len(msg))
	h.log.WithFields(logrus.Fields{"channel": uint32(origin), "bytes": len(msg), "recipients": n}).Debug("broadcast")
	return n
}

// CloseChannel removes one of this client's channels from the registry.
func (h *Handler) CloseChannel(id registry.ChannelID) {
	if h.registry.Remove(registry.ChannelKey{Client: h.id, Channel: id}) {
		h.log.WithField("channel", uint32(id)).Info("session closed")
	}
}

// Disconnect removes every channel of this client and returns how many were
// still registered. Later OpenSession calls fail.
func (h *Handler) Disconnect() int {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	h.closed = true
	h.mu.Unlock()

	n := h.registry.RemoveClient(h.id)
	h.observer.ClientDisconnected()
	h.log.WithField("channels", n).Info("client disconnected")
	return n
}
