package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"sshcast/internal/session"
)

// acceptRetryDelay throttles the accept loop after a non-fatal accept error.
const acceptRetryDelay = 100 * time.Millisecond

// Server accepts transport connections and drives each one through the SSH
// handshake and its channels on behalf of a session.Handler.
type Server struct {
	addr    string
	hostKey ssh.Signer
	version string
	banner  string
	factory *session.Factory
	log     logrus.FieldLogger

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool

	wg     sync.WaitGroup // tracks connection goroutines
	active atomic.Int32   // authenticated connections
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithServerVersion overrides the SSH identification string.
func WithServerVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithBanner sets the message shown to clients before authentication.
func WithBanner(banner string) Option {
	return func(s *Server) { s.banner = banner }
}

// NewServer returns a server that will listen on addr. Every accepted
// connection gets a fresh handler from factory.
func NewServer(addr string, hostKey ssh.Signer, factory *session.Factory, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		hostKey: hostKey,
		version: DefaultServerVersion,
		factory: factory,
		log:     logrus.StandardLogger(),
		ready:   make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listener address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of authenticated connections.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// ListenAndServe listens on the configured TCP address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// On return every connection has been closed and its goroutine has exited.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.WithField("addr", ln.Addr().String()).Info("SSH server listening")
	s.readyOnce.Do(func() { close(s.ready) })

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.log.Info("context cancelled, initiating graceful shutdown")
			ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.shutdown()
				return nil
			}
			s.log.WithError(err).Warn("accept error")
			time.Sleep(acceptRetryDelay)
			continue
		}
		go s.ServeConn(conn)
	}
}

// ServeConn runs the SSH protocol over an already established transport
// connection and blocks until it ends. The tunnel transport uses it to hand
// over upgraded HTTP connections.
func (s *Server) ServeConn(conn net.Conn) {
	if !s.trackConn(conn) {
		conn.Close()
		return
	}
	defer s.untrackConn(conn)
	s.handleConn(conn)
}

// handleConn performs the handshake and dispatches the connection's channels.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	h := s.factory.NewHandler(conn.RemoteAddr())
	defer h.Disconnect()
	log := h.Logger()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, NewConfig(h, s.hostKey, s.version, s.banner))
	if err != nil {
		log.WithError(err).Info("handshake failed")
		return
	}
	defer sshConn.Close()

	active := s.active.Add(1)
	defer s.active.Add(-1)

	fields := logrus.Fields{
		"user":           sshConn.User(),
		"client_version": string(sshConn.ClientVersion()),
		"active":         active,
	}
	if sshConn.Permissions != nil {
		fields["fingerprint"] = sshConn.Permissions.Extensions[fingerprintExtension]
	}
	log.WithFields(fields).Info("client authenticated")

	// Global requests (keepalives, port forwarding) are not supported.
	go ssh.DiscardRequests(reqs)
	s.handleChannels(h, chans)
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// shutdown closes every tracked connection and waits for their goroutines.
func (s *Server) shutdown() {
	s.mu.Lock()
	s.closing = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.log.WithField("connections", len(conns)).Info("closing all active connections")
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
	s.log.Info("all connections closed, SSH server stopped")
}
