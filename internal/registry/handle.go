package registry

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the number of payloads a handle buffers before it is
// considered too slow to keep up with the broadcast.
const DefaultQueueSize = 256

var (
	// ErrQueueFull is returned by Send when the outbound queue has no room.
	ErrQueueFull = errors.New("registry: outbound queue full")

	// ErrHandleClosed is returned by Send after the handle has been closed.
	ErrHandleClosed = errors.New("registry: handle closed")
)

// Handle is the writable endpoint of one open channel.
//
// Send never blocks: it places the payload on a bounded queue that a
// dedicated writer goroutine drains into the underlying channel. The
// registry calls Send while holding its lock, so the queue is what keeps
// network I/O out of the critical section.
type Handle struct {
	w     io.WriteCloser
	queue    chan []byte
	stop     chan struct{}
	draining chan struct{}
	done     chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	drainOnce sync.Once
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewHandle wraps w. A queueSize of zero or less selects DefaultQueueSize.
func NewHandle(w io.WriteCloser, queueSize int) *Handle {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Handle{
		w:     w,
		queue:    make(chan []byte, queueSize),
		stop:     make(chan struct{}),
		draining: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Send enqueues p for transmission. p must not be modified afterwards.
func (h *Handle) Send(p []byte) error {
	select {
	case <-h.stop:
		return ErrHandleClosed
	case <-h.draining:
		return ErrHandleClosed
	default:
	}
	select {
	case h.queue <- p:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the writer and closes the underlying channel. Payloads still
// queued are dropped. Close is safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stop)
		err = h.w.Close()
	})
	return err
}

// Drain stops accepting payloads, lets the writer deliver everything
// already queued and then closes the underlying channel. A handle whose
// writer never started is closed right away.
func (h *Handle) Drain() {
	h.drainOnce.Do(func() { close(h.draining) })
	if !h.started.Load() {
		h.Close()
	}
}

// Done is closed once the writer goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err reports the write error that stopped the handle, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// start launches the writer goroutine. onFail runs on the writer goroutine
// after the first failed write.
func (h *Handle) start(onFail func(error)) {
	h.startOnce.Do(func() {
		h.started.Store(true)
		go h.run(onFail)
	})
}

func (h *Handle) run(onFail func(error)) {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		case p := <-h.queue:
			if err := h.write(p); err != nil {
				if onFail != nil {
					onFail(err)
				}
				return
			}
		case <-h.draining:
			h.flush()
			h.Close()
			return
		}
	}
}

// flush writes whatever is still queued, stopping at the first failure.
func (h *Handle) flush() {
	for {
		select {
		case <-h.stop:
			return
		case p := <-h.queue:
			if err := h.write(p); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *Handle) write(p []byte) error {
	if _, err := h.w.Write(p); err != nil {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		return err
	}
	return nil
}
