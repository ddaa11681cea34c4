package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"sshcast/internal/registry"
	"sshcast/internal/session"
)

// =============================================================================
// Helpers
// =============================================================================

func generateSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

type testServer struct {
	srv  *Server
	reg  *registry.Registry
	addr string
}

func startServer(t *testing.T, opts session.Options) *testServer {
	t.Helper()
	log, _ := test.NewNullLogger()
	reg := registry.New(registry.WithLogger(log))
	opts.Logger = log
	srv := NewServer("127.0.0.1:0", generateSigner(t), session.NewFactory(reg, opts), WithLogger(log))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		reg.Close()
	})

	<-srv.Ready()
	return &testServer{srv: srv, reg: reg, addr: ln.Addr().String()}
}

func dial(t *testing.T, addr, user string) *ssh.Client {
	t.Helper()
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(generateSigner(t))},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         3 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func openSession(t *testing.T, c *ssh.Client) ssh.Channel {
	t.Helper()
	ch, reqs, err := c.OpenChannel(SessionChannelType, nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(reqs)
	return ch
}

func waitRegistered(t *testing.T, reg *registry.Registry, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return reg.Len() == n }, 3*time.Second, 5*time.Millisecond,
		"expected %d registered channels", n)
}

func readN(t *testing.T, ch ssh.Channel, n int) []byte {
	t.Helper()
	type result struct {
		buf []byte
		err error
	}
	out := make(chan result, 1)
	go func() {
		buf := make([]byte, n)
		_, err := io.ReadFull(ch, buf)
		out <- result{buf, err}
	}()
	select {
	case r := <-out:
		require.NoError(t, r.err)
		return r.buf
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %d bytes", n)
		return nil
	}
}

// =============================================================================
// Broadcast over the wire
// =============================================================================

func TestServer_BroadcastAcrossClients(t *testing.T) {
	ts := startServer(t, session.Options{})
	ch1 := openSession(t, dial(t, ts.addr, "one"))
	ch2 := openSession(t, dial(t, ts.addr, "two"))
	waitRegistered(t, ts.reg, 2)

	_, err := ch1.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, []byte("hello"), readN(t, ch1, 5))
	assert.Equal(t, []byte("hello"), readN(t, ch2, 5))
}

func TestServer_SenderReceivesOwnData(t *testing.T) {
	ts := startServer(t, session.Options{})
	ch := openSession(t, dial(t, ts.addr, "solo"))
	waitRegistered(t, ts.reg, 1)

	_, err := ch.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), readN(t, ch, 1))
}

func TestServer_TwoChannelsOneClient(t *testing.T) {
	ts := startServer(t, session.Options{})
	c1 := dial(t, ts.addr, "one")
	a, b := openSession(t, c1), openSession(t, c1)
	c := openSession(t, dial(t, ts.addr, "two"))
	waitRegistered(t, ts.reg, 3)

	_, err := c.Write([]byte("fan"))
	require.NoError(t, err)
	for _, ch := range []ssh.Channel{a, b, c} {
		assert.Equal(t, []byte("fan"), readN(t, ch, 3))
	}
}

func TestServer_LargePayloadIntact(t *testing.T) {
	ts := startServer(t, session.Options{})
	sender := openSession(t, dial(t, ts.addr, "one"))
	receiver := openSession(t, dial(t, ts.addr, "two"))
	waitRegistered(t, ts.reg, 2)

	payload := make([]byte, 200*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	go func() {
		sender.Write(payload) //nolint:errcheck
	}()
	go io.Copy(io.Discard, sender) //nolint:errcheck

	assert.Equal(t, payload, readN(t, receiver, len(payload)))
}

// =============================================================================
// Channel lifecycle
// =============================================================================

func TestServer_ClosedChannelIsUnregistered(t *testing.T) {
	ts := startServer(t, session.Options{})
	client := dial(t, ts.addr, "one")
	ch := openSession(t, client)
	keep := openSession(t, client)
	waitRegistered(t, ts.reg, 2)

	require.NoError(t, ch.Close())
	waitRegistered(t, ts.reg, 1)

	_, err := keep.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), readN(t, keep, 2))
}

func TestServer_HalfClosedChannelKeepsReceiving(t *testing.T) {
	ts := startServer(t, session.Options{})
	listener := openSession(t, dial(t, ts.addr, "listener"))
	talker := openSession(t, dial(t, ts.addr, "talker"))
	waitRegistered(t, ts.reg, 2)

	require.NoError(t, listener.CloseWrite())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, ts.reg.Len())

	_, err := talker.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), readN(t, listener, 5))
	assert.Equal(t, []byte("hello"), readN(t, talker, 5))
}

func TestServer_WriteThenCloseWriteStillEchoes(t *testing.T) {
	ts := startServer(t, session.Options{})
	for i := 0; i < 10; i++ {
		ch := openSession(t, dial(t, ts.addr, "piped"))
		waitRegistered(t, ts.reg, i+1)

		_, err := ch.Write([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, ch.CloseWrite())

		assert.Equal(t, []byte("x"), readN(t, ch, 1), "run %d", i)
	}
	assert.Equal(t, 10, ts.reg.Len())
}

func TestServer_DisconnectRemovesClientChannels(t *testing.T) {
	ts := startServer(t, session.Options{})
	leaving := dial(t, ts.addr, "leaving")
	openSession(t, leaving)
	openSession(t, leaving)
	staying := openSession(t, dial(t, ts.addr, "staying"))
	waitRegistered(t, ts.reg, 3)

	require.NoError(t, leaving.Close())
	waitRegistered(t, ts.reg, 1)

	_, err := staying.Write([]byte("still here"))
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), readN(t, staying, 10))
}

func TestServer_RejectsNonSessionChannels(t *testing.T) {
	ts := startServer(t, session.Options{})
	client := dial(t, ts.addr, "one")

	_, _, err := client.OpenChannel("direct-tcpip", nil)
	require.Error(t, err)
	var openErr *ssh.OpenChannelError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, ssh.UnknownChannelType, openErr.Reason)
	assert.Equal(t, 0, ts.reg.Len())
}

func TestServer_RefusesChannelRequests(t *testing.T) {
	ts := startServer(t, session.Options{})
	ch := openSession(t, dial(t, ts.addr, "one"))

	for _, req := range []string{"pty-req", "shell", "exec", "subsystem"} {
		ok, err := ch.SendRequest(req, true, nil)
		require.NoError(t, err)
		assert.False(t, ok, req)
	}
}

// =============================================================================
// Authentication
// =============================================================================

func TestServer_AcceptsAnyPublicKey(t *testing.T) {
	ts := startServer(t, session.Options{})
	for _, user := range []string{"root", "alice", "nobody"} {
		client := dial(t, ts.addr, user)
		assert.Equal(t, user, client.User())
	}
}

func TestServer_PasswordAuthNotOffered(t *testing.T) {
	ts := startServer(t, session.Options{})
	cfg := &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password("secret")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         3 * time.Second,
	}
	_, err := ssh.Dial("tcp", ts.addr, cfg)
	require.Error(t, err)
	assert.Equal(t, 0, ts.reg.Len())
}

func TestServer_RejectingPolicyFailsHandshake(t *testing.T) {
	deny := session.AuthPolicyFunc(func(string, ssh.PublicKey) session.AuthDecision { return session.Reject })
	ts := startServer(t, session.Options{Policy: deny})

	cfg := &ssh.ClientConfig{
		User:            "mallory",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(generateSigner(t))},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         3 * time.Second,
	}
	_, err := ssh.Dial("tcp", ts.addr, cfg)
	require.Error(t, err)
	assert.Equal(t, 0, ts.reg.Len())
}

func TestServer_HostKeyIsOffered(t *testing.T) {
	ts := startServer(t, session.Options{})
	var offered ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User: "alice",
		Auth: []ssh.AuthMethod{ssh.PublicKeys(generateSigner(t))},
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			offered = key
			return nil
		},
		Timeout: 3 * time.Second,
	}
	client, err := ssh.Dial("tcp", ts.addr, cfg)
	require.NoError(t, err)
	defer client.Close()

	require.NotNil(t, offered)
	assert.Equal(t, ssh.KeyAlgoED25519, offered.Type())
	assert.Equal(t, DefaultServerVersion, string(client.ServerVersion()))
}

func TestServer_BannerSentWhenConfigured(t *testing.T) {
	log, _ := test.NewNullLogger()
	reg := registry.New(registry.WithLogger(log))
	defer reg.Close()
	srv := NewServer("127.0.0.1:0", generateSigner(t), session.NewFactory(reg, session.Options{Logger: log}),
		WithLogger(log), WithBanner("Welcome to sshcast.\n"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln) //nolint:errcheck

	var banner string
	cfg := &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(generateSigner(t))},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		BannerCallback: func(message string) error {
			banner = message
			return nil
		},
		Timeout: 3 * time.Second,
	}
	client, err := ssh.Dial("tcp", ln.Addr().String(), cfg)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "Welcome to sshcast.\n", banner)
}

func TestServer_NoBannerByDefault(t *testing.T) {
	ts := startServer(t, session.Options{})
	called := false
	cfg := &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(generateSigner(t))},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		BannerCallback: func(string) error {
			called = true
			return nil
		},
		Timeout: 3 * time.Second,
	}
	client, err := ssh.Dial("tcp", ts.addr, cfg)
	require.NoError(t, err)
	defer client.Close()

	assert.False(t, called)
}

// =============================================================================
// Shutdown
// =============================================================================

func TestServer_ShutdownClosesLiveConnections(t *testing.T) {
	log, _ := test.NewNullLogger()
	reg := registry.New(registry.WithLogger(log))
	defer reg.Close()
	srv := NewServer("127.0.0.1:0", generateSigner(t), session.NewFactory(reg, session.Options{Logger: log}), WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	<-srv.Ready()

	client := dial(t, srv.Addr().String(), "alice")
	openSession(t, client)
	waitRegistered(t, reg, 1)
	assert.Equal(t, 1, srv.ActiveConnections())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, srv.ActiveConnections())
	assert.Error(t, client.Wait())
}

func TestServeConn_AfterShutdownClosesConn(t *testing.T) {
	ts := startServer(t, session.Options{})
	ts.srv.shutdown()

	server, client := net.Pipe()
	defer client.Close()
	ts.srv.ServeConn(server)

	_, err := server.Write([]byte("x"))
	assert.Error(t, err)
}

// =============================================================================
// Host keys
// =============================================================================

func TestLoadOrGenerateHostKey_GeneratesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "host_ed25519")

	first, generated, err := LoadOrGenerateHostKey(path)
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Equal(t, ssh.KeyAlgoED25519, first.PublicKey().Type())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, generated, err := LoadOrGenerateHostKey(path)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())
}

func TestLoadOrGenerateHostKey_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_ed25519")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))

	_, _, err := LoadOrGenerateHostKey(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse host key")
}

func TestHostKeyPEM_RoundTrip(t *testing.T) {
	priv, err := NewEd25519HostKey()
	require.NoError(t, err)
	data, err := HostKeyPEM(priv)
	require.NoError(t, err)

	signer, err := ssh.ParsePrivateKey(data)
	require.NoError(t, err)
	expected, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	assert.Equal(t, expected.PublicKey().Marshal(), signer.PublicKey().Marshal())
}
