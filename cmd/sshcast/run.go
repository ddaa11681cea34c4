package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"sshcast/internal/config"
	"sshcast/internal/keylog"
	"sshcast/internal/metrics"
	"sshcast/internal/registry"
	"sshcast/internal/session"
	sshserver "sshcast/internal/ssh"
	"sshcast/internal/tunnel"
)

// run wires the registry, the SSH server and the optional tunnel and
// metrics listeners, and serves until ctx is cancelled or one of them fails.
func run(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	hostKey, generated, err := sshserver.LoadOrGenerateHostKey(cfg.Server.HostKeyPath)
	if err != nil {
		return err
	}
	hostLog := log.WithFields(logrus.Fields{
		"path":        cfg.Server.HostKeyPath,
		"fingerprint": ssh.FingerprintSHA256(hostKey.PublicKey()),
	})
	if generated {
		hostLog.Info("generated new host key")
	} else {
		hostLog.Info("loaded host key")
	}

	policy, err := authPolicy(cfg.Auth, log)
	if err != nil {
		return err
	}

	var recorder session.KeyRecorder
	if cfg.KeyLog.Enabled {
		store, err := keylog.Open(cfg.KeyLog.Path)
		if err != nil {
			return err
		}
		recorder = store
	}

	var m *metrics.Metrics
	reg := registry.New(
		registry.WithLogger(log),
		registry.WithEvictHook(func(key registry.ChannelKey, err error) { m.ChannelEvicted(key, err) }),
	)
	defer reg.Close()
	m = metrics.New(reg.Len)

	factory := session.NewFactory(reg, session.Options{
		Policy:    policy,
		Recorder:  recorder,
		Observer:  m,
		QueueSize: cfg.Server.QueueSize,
		Logger:    log,
	})
	srv := sshserver.NewServer(cfg.Server.Addr(), hostKey, factory,
		sshserver.WithLogger(log),
		sshserver.WithServerVersion(cfg.Server.Version),
		sshserver.WithBanner(cfg.Server.Banner),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if cfg.Tunnel.Enabled {
		tun := tunnel.NewServer(tunnel.Config{
			Host:      cfg.Tunnel.Host,
			Port:      cfg.Tunnel.Port,
			TLSPort:   cfg.Tunnel.TLSPort,
			CertFile:  cfg.Tunnel.CertFile,
			KeyFile:   cfg.Tunnel.KeyFile,
			CertHosts: []string{"localhost", "127.0.0.1"},
		}, srv, log)
		g.Go(func() error { return tun.ListenAndServe(gctx) })
	}

	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Addr, log) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// authPolicy admits every key unless an authorized_keys file is configured.
func authPolicy(cfg config.Auth, log logrus.FieldLogger) (session.AuthPolicy, error) {
	if cfg.AuthorizedKeys == "" {
		log.Warn("accepting any public key; every client can read and write the broadcast")
		return session.AcceptAll, nil
	}
	keys, err := session.LoadAuthorizedKeys(cfg.AuthorizedKeys)
	if err != nil {
		return nil, fmt.Errorf("auth policy: %w", err)
	}
	log.WithFields(logrus.Fields{"path": cfg.AuthorizedKeys, "keys": keys.Len()}).Info("restricting logins to authorized keys")
	return keys, nil
}
