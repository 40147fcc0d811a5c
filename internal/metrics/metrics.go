// Package metrics exposes node counters to Prometheus. A nil *Node is valid
// and records nothing, so components can run without metrics wired.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"raingauge/internal/state"
)

const namespace = "raingauge"

var linkStates = []state.LinkState{
	state.StateUninitialized,
	state.StateApProvisioning,
	state.StateStaConnecting,
	state.StateStaConnected,
	state.StateStaDisconnected,
}

type Node struct {
	registry *prometheus.Registry

	pulses          prometheus.Counter
	reports         *prometheus.CounterVec
	lastMeasurement prometheus.Gauge
	attempts        prometheus.Counter
	disconnects     prometheus.Counter
	linkState       *prometheus.GaugeVec
}

func New() *Node {
	n := &Node{
		registry: prometheus.NewRegistry(),
		pulses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulses_total",
			Help:      "Sensor transitions counted since boot.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Report cycles by outcome.",
		}, []string{"result"}),
		lastMeasurement: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_measurement",
			Help:      "Measurement computed in the most recent report cycle.",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "association_attempts_total",
			Help:      "Station association attempts started.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Disconnect events from the link layer.",
		}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_state",
			Help:      "1 for the current connectivity state, 0 otherwise.",
		}, []string{"state"}),
	}

	n.registry.MustRegister(n.pulses, n.reports, n.lastMeasurement, n.attempts, n.disconnects, n.linkState)
	n.SetLinkState(state.StateUninitialized)
	return n
}

func (n *Node) Registry() *prometheus.Registry {
	if n == nil {
		return nil
	}
	return n.registry
}

func (n *Node) PulseCounted() {
	if n == nil {
		return
	}
	n.pulses.Inc()
}

func (n *Node) ReportSent(value float64) {
	if n == nil {
		return
	}
	n.reports.WithLabelValues("success").Inc()
	n.lastMeasurement.Set(value)
}

func (n *Node) ReportFailed(value float64) {
	if n == nil {
		return
	}
	n.reports.WithLabelValues("failure").Inc()
	n.lastMeasurement.Set(value)
}

func (n *Node) AssociationStarted() {
	if n == nil {
		return
	}
	n.attempts.Inc()
}

func (n *Node) Disconnected() {
	if n == nil {
		return
	}
	n.disconnects.Inc()
}

func (n *Node) SetLinkState(current state.LinkState) {
	if n == nil {
		return
	}
	for _, s := range linkStates {
		v := 0.0
		if s == current {
			v = 1
		}
		n.linkState.WithLabelValues(string(s)).Set(v)
	}
}

// Serve exposes /metrics on addr until ctx is done.
func (n *Node) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
