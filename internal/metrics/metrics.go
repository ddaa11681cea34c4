// Package metrics exposes sshcast counters and gauges in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sshcast/internal/registry"
)

const namespace = "sshcast"

// shutdownTimeout bounds how long Serve waits for in-flight scrapes.
const shutdownTimeout = 5 * time.Second

// Metrics collects server events. It implements session.Observer and its
// ChannelEvicted method fits registry.EvictHook.
type Metrics struct {
	reg *prometheus.Registry

	connections    prometheus.Counter
	active         prometheus.Gauge
	broadcasts     prometheus.Counter
	broadcastBytes prometheus.Counter
	evictions      prometheus.Counter
	authAttempts   *prometheus.CounterVec
}

// New creates the collectors on a private registry. channels, when non-nil,
// reports the number of registered channels at scrape time.
func New(channels func() int) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Transport connections accepted.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently open.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Inbound data chunks fanned out to registered channels.",
		}),
		broadcastBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_bytes_total",
			Help:      "Bytes received for broadcast.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_evictions_total",
			Help:      "Channels dropped after a failed or overflowing write.",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Public key authentication attempts by decision.",
		}, []string{"decision"}),
	}
	m.reg.MustRegister(m.connections, m.active, m.broadcasts, m.broadcastBytes, m.evictions, m.authAttempts)

	if channels != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_registered",
			Help:      "Channels currently registered for broadcast.",
		}, func() float64 { return float64(channels()) }))
	}
	return m
}

// Registry returns the Prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) ClientConnected() {
	m.connections.Inc()
	m.active.Inc()
}

func (m *Metrics) ClientDisconnected() {
	m.active.Dec()
}

func (m *Metrics) AuthAttempt(accepted bool) {
	decision := "reject"
	if accepted {
		decision = "accept"
	}
	m.authAttempts.WithLabelValues(decision).Inc()
}

func (m *Metrics) Broadcast(recipients, size int) {
	m.broadcasts.Inc()
	m.broadcastBytes.Add(float64(size))
}

// ChannelEvicted counts a channel dropped by the registry.
func (m *Metrics) ChannelEvicted(registry.ChannelKey, error) {
	m.evictions.Inc()
}

// Handler serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("metrics listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
