package tunnel

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Session is one client connection to the tunnel, from the upgrade request
// until either side hangs up.
type Session struct {
	client net.Conn
	server *Server
	log    logrus.FieldLogger

	mu        sync.Mutex
	target    net.Conn
	closeOnce sync.Once
}

func newSession(conn net.Conn, s *Server) *Session {
	transport := "tcp"
	if _, ok := conn.(*tls.Conn); ok {
		transport = "tls"
	}
	return &Session{
		client: conn,
		server: s,
		log: s.log.WithFields(logrus.Fields{
			"remote":    conn.RemoteAddr().String(),
			"transport": transport,
		}),
	}
}

// Close closes both ends of the session. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.mu.Lock()
		if s.target != nil {
			s.target.Close()
		}
		s.mu.Unlock()
	})
}

// Process reads the upgrade request, answers it and relays the connection
// to the backend until either side closes.
func (s *Session) Process() {
	defer s.server.Remove(s)
	defer s.Close()

	s.client.SetReadDeadline(time.Now().Add(ClientReadTimeout))
	reader := bufio.NewReaderSize(s.client, BufferSize)
	lines, ok := s.readHeader(reader)
	if !ok {
		return
	}
	s.client.SetReadDeadline(time.Time{})

	headers := lines[1:]
	log := s.log.WithField("request", lines[0])
	if host := HeaderValue(headers, "Host"); host != "" {
		log = log.WithField("host", host)
	}
	if cfIP := HeaderValue(headers, "CF-Connecting-IP"); cfIP != "" {
		log = log.WithField("cf_connecting_ip", cfIP)
	}

	upgrade := HeaderValue(headers, "Upgrade")
	if upgrade == "" {
		log.Info("no Upgrade header, closing")
		s.client.Write([]byte(responseBadRequest))
		return
	}

	proxyEnd, sshEnd := net.Pipe()
	s.mu.Lock()
	s.target = proxyEnd
	s.mu.Unlock()

	if _, err := s.client.Write([]byte(UpgradeResponse(upgrade, HeaderValue(headers, "Sec-WebSocket-Key")))); err != nil {
		log.WithError(err).Info("failed to write upgrade response")
		sshEnd.Close()
		return
	}
	go s.server.backend.ServeConn(&peerConn{Conn: sshEnd, remote: s.client.RemoteAddr()})

	log.Info("tunnel established")
	s.Relay(reader)
	log.Info("tunnel closed")
}

// readHeader reads the request line and headers. It answers 431 when the
// header block exceeds BufferSize.
func (s *Session) readHeader(reader *bufio.Reader) ([]string, bool) {
	var lines []string
	size := 0
	for {
		line, err := reader.ReadString('\n')
		size += len(line)
		if size > BufferSize {
			s.log.Warn("request header too large")
			s.client.Write([]byte(responseHeaderTooLarge))
			return nil, false
		}
		if err != nil {
			if !isIgnorableError(err) {
				s.log.WithError(err).Info("error reading request header")
			}
			return nil, false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) == 0 {
				continue
			}
			return lines, true
		}
		lines = append(lines, line)
	}
}

// Relay copies data in both directions between the client and the backend
// pipe. Bytes the client sent along with its request header are read from
// reader first, so nothing is lost.
func (s *Session) Relay(reader io.Reader) {
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if _, err := CopyWithBuffer(target, reader); err != nil && !isIgnorableError(err) {
			s.log.WithError(err).Debug("client to backend copy ended")
		}
		target.Close()
	}()

	go func() {
		defer wg.Done()
		if _, err := CopyWithBuffer(s.client, target); err != nil && !isIgnorableError(err) {
			s.log.WithError(err).Debug("backend to client copy ended")
		}
		s.client.Close()
	}()

	wg.Wait()
}

// peerConn reports the tunnel client's address instead of the pipe's.
type peerConn struct {
	net.Conn
	remote net.Addr
}

func (c *peerConn) RemoteAddr() net.Addr { return c.remote }
