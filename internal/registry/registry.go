// Package registry tracks every open session channel of every connected
// client and fans inbound payloads out to all of them.
//
// The registry is the only state shared between connection goroutines. A
// single mutex guards it: an insert, a removal and a whole broadcast pass
// each run under that lock. Handles never block inside the lock because
// writes are queued and performed by each handle's own writer goroutine.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ClientID identifies one accepted connection for the lifetime of the process.
type ClientID uint64

// ChannelID identifies a channel within a single client connection.
type ChannelID uint32

// ChannelKey is the globally unique registry key of a channel.
type ChannelKey struct {
	Client  ClientID
	Channel ChannelID
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%d/%d", k.Client, k.Channel)
}

var (
	// ErrDuplicateKey is returned by Insert when the key is already live.
	ErrDuplicateKey = errors.New("registry: channel key already registered")

	// ErrClosed is returned by Insert after Close.
	ErrClosed = errors.New("registry: closed")
)

// EvictHook is notified after a handle has been dropped because a write to
// it failed or its queue overflowed. It must not call back into the registry.
type EvictHook func(key ChannelKey, err error)

// Option configures a Registry.
type Option func(*Registry)

// WithEvictHook registers fn to be called for every eviction.
func WithEvictHook(fn EvictHook) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// WithLogger sets the logger used for registry events.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Registry) { r.log = log }
}

// Registry maps channel keys to the handles that own those channels.
type Registry struct {
	mu      sync.Mutex
	entries map[ChannelKey]*Handle
	closed  bool

	log     logrus.FieldLogger
	onEvict EvictHook
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[ChannelKey]*Handle),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert takes ownership of h under key and starts its writer.
// On error the caller keeps ownership of h.
func (r *Registry) Insert(key ChannelKey, h *Handle) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, exists := r.entries[key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("insert %s: %w", key, ErrDuplicateKey)
	}
	r.entries[key] = h
	size := len(r.entries)
	r.mu.Unlock()

	h.start(func(err error) { r.evict(key, h, err) })
	r.log.WithFields(logrus.Fields{"key": key.String(), "registered": size}).Debug("channel registered")
	return nil
}

// Remove drops the entry for key and drains its handle, so payloads already
// queued for it are still delivered. It reports whether an entry was present.
func (r *Registry) Remove(key ChannelKey) bool {
	r.mu.Lock()
	h, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	h.Drain()
	r.log.WithField("key", key.String()).Debug("channel removed")
	return true
}

// RemoveClient drops and drains every entry owned by id and returns how
// many there were.
func (r *Registry) RemoveClient(id ClientID) int {
	var removed []*Handle
	r.mu.Lock()
	for key, h := range r.entries {
		if key.Client == id {
			delete(r.entries, key)
			removed = append(removed, h)
		}
	}
	r.mu.Unlock()

	for _, h := range removed {
		h.Drain()
	}
	if len(removed) > 0 {
		r.log.WithFields(logrus.Fields{"client": uint64(id), "channels": len(removed)}).Debug("client channels removed")
	}
	return len(removed)
}

// Broadcast sends payload to every registered handle, the sender's own
// included, and returns the number of handles that accepted it. Handles that
// cannot accept it are evicted once the pass is complete. The payload slice
// is shared between recipients and must not be modified afterwards.
func (r *Registry) Broadcast(payload []byte) int {
	type failure struct {
		key ChannelKey
		h   *Handle
		err error
	}
	var failed []failure
	delivered := 0

	r.mu.Lock()
	for key, h := range r.entries {
		if err := h.Send(payload); err != nil {
			failed = append(failed, failure{key, h, err})
			continue
		}
		delivered++
	}
	for _, f := range failed {
		delete(r.entries, f.key)
	}
	r.mu.Unlock()

	for _, f := range failed {
		f.h.Close()
		r.notifyEvict(f.key, f.err)
	}
	return delivered
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the registered keys ordered by client, then channel.
func (r *Registry) Keys() []ChannelKey {
	r.mu.Lock()
	keys := make([]ChannelKey, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Client != keys[j].Client {
			return keys[i].Client < keys[j].Client
		}
		return keys[i].Channel < keys[j].Channel
	})
	return keys
}

// Close closes every handle and refuses further inserts.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	handles := make([]*Handle, 0, len(r.entries))
	for key, h := range r.entries {
		handles = append(handles, h)
		delete(r.entries, key)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

// evict runs on a handle's writer goroutine after a failed write. The entry
// is only removed if it still belongs to h.
func (r *Registry) evict(key ChannelKey, h *Handle, err error) {
	r.mu.Lock()
	current, ok := r.entries[key]
	if ok && current == h {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	h.Close()
	if ok && current == h {
		r.notifyEvict(key, err)
	}
}

func (r *Registry) notifyEvict(key ChannelKey, err error) {
	r.log.WithFields(logrus.Fields{"key": key.String(), "error": err}).Warn("channel evicted")
	if r.onEvict != nil {
		r.onEvict(key, err)
	}
}
