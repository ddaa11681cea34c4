package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sshcast/pkg/certgen"
)

// acceptRetryDelay throttles the accept loop after a non-fatal accept error.
const acceptRetryDelay = 100 * time.Millisecond

// Backend serves the byte stream of an upgraded connection. The SSH server
// satisfies it with ServeConn.
type Backend interface {
	ServeConn(conn net.Conn)
}

// Config holds the tunnel listener settings. A zero TLSPort disables the
// TLS listener.
type Config struct {
	Host      string
	Port      int
	TLSPort   int
	CertFile  string
	KeyFile   string
	CertHosts []string
}

// Server accepts HTTP upgrade requests and hands each upgraded stream to
// its Backend. It tracks active sessions so they can be closed on shutdown.
type Server struct {
	cfg     Config
	backend Backend
	log     logrus.FieldLogger

	sessions sync.Map // map[*Session]struct{}
	active   atomic.Int32
	wg       sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

// NewServer returns a tunnel server forwarding to backend.
func NewServer(cfg Config, backend Backend, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{cfg: cfg, backend: backend, log: log.WithField("component", "tunnel")}
}

// ActiveSessions returns the number of tunnel sessions currently tracked.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// Add registers a session. It returns false once shutdown has begun.
func (s *Server) Add(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Store(sess, struct{}{})
	s.wg.Add(1)
	n := s.active.Add(1)
	sess.log.WithField("active", n).Debug("tunnel session added")
	return true
}

// Remove forgets a session previously registered with Add.
func (s *Server) Remove(sess *Session) {
	if _, ok := s.sessions.LoadAndDelete(sess); !ok {
		return
	}
	n := s.active.Add(-1)
	sess.log.WithField("active", n).Debug("tunnel session removed")
	s.wg.Done()
}

// ListenAndServe opens the plain listener and, when configured, the TLS
// listener, and serves both until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	var tlsLn net.Listener
	if s.cfg.TLSPort > 0 {
		tlsLn, err = s.listenTLS()
		if err != nil {
			ln.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx, ln) })
	if tlsLn != nil {
		g.Go(func() error { return s.Serve(gctx, tlsLn) })
	}
	err = g.Wait()
	s.Shutdown()
	return err
}

func (s *Server) listenTLS() (net.Listener, error) {
	if err := certgen.GenerateCert(s.cfg.CertFile, s.cfg.KeyFile, s.cfg.CertHosts); err != nil {
		return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate or key: %w", err)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.TLSPort))
	ln, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen (TLS) on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed,
// then shuts the server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.WithField("addr", ln.Addr().String()).Info("tunnel listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.Shutdown()
				return nil
			}
			s.log.WithError(err).Warn("tunnel accept error")
			time.Sleep(acceptRetryDelay)
			continue
		}
		sess := newSession(conn, s)
		if !s.Add(sess) {
			conn.Close()
			continue
		}
		go sess.Process()
	}
}

// Shutdown closes every active session and waits for their relays to end.
// It is safe to call more than once.
func (s *Server) Shutdown() {
	s.mu.Lock()
	first := !s.closing
	s.closing = true
	s.mu.Unlock()

	s.sessions.Range(func(key, _ any) bool {
		key.(*Session).Close()
		return true
	})
	s.wg.Wait()
	if first {
		s.log.Info("tunnel stopped")
	}
}
