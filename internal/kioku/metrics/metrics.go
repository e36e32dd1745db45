// Package metrics exposes kioku's Prometheus instruments. Each command run
// gets its own registry, which is served over HTTP while the run lasts
// and/or pushed to a Pushgateway when it ends.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/bdobrica/kioku/internal/kioku/ingest"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/retryqueue"
)

// Metrics groups all Prometheus instruments used by kioku.
type Metrics struct {
	registry *prometheus.Registry

	Candidates       *prometheus.CounterVec
	Outcomes         *prometheus.CounterVec
	PairAnomalies    *prometheus.CounterVec
	RetryTransitions *prometheus.CounterVec
	EmbedErrors      prometheus.Counter
	EmbedLatency     prometheus.Histogram
	LastRunSuccess   prometheus.Gauge
}

var (
	_ ingest.Observer     = (*Metrics)(nil)
	_ retryqueue.Observer = (*Metrics)(nil)
)

// New creates the instruments on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Records read from sources by stage (seen, paired, malformed, orphaned).",
		}, []string{"stage"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_outcomes_total",
			Help:      "Ingestion outcomes by result.",
		}, []string{"outcome"}),
		PairAnomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_anomalies_total",
			Help:      "Turns absorbed by the pairing engine by kind.",
		}, []string{"kind"}),
		RetryTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_transitions_total",
			Help:      "Retry queue state transitions.",
		}, []string{"transition"}),
		EmbedErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_errors_total",
			Help:      "Failed embedding calls.",
		}),
		EmbedLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_latency_ms",
			Help:      "Embedding call latency in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		LastRunSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run finished without a fatal error.",
		}),
	}
}

// Registry returns the registry holding the instruments.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveOutcome implements ingest.Observer.
func (m *Metrics) ObserveOutcome(o ingest.Outcome) {
	m.Outcomes.WithLabelValues(string(o)).Inc()
}

// ObserveEmbedding implements ingest.Observer.
func (m *Metrics) ObserveEmbedding(d time.Duration, err error) {
	m.EmbedLatency.Observe(float64(d.Milliseconds()))
	if err != nil {
		m.EmbedErrors.Inc()
	}
}

// ObserveRetry implements retryqueue.Observer.
func (m *Metrics) ObserveRetry(t retryqueue.Transition) {
	m.RetryTransitions.WithLabelValues(string(t)).Inc()
}

// ObservePairing records the anomalies of one pairing pass.
func (m *Metrics) ObservePairing(s memory.PairStats) {
	m.Candidates.WithLabelValues("paired").Add(float64(s.Exchanges))
	m.PairAnomalies.WithLabelValues("unmatched_initiator").Add(float64(s.UnmatchedInitiators))
	m.PairAnomalies.WithLabelValues("duplicate_initiator").Add(float64(s.DuplicateInitiators))
	m.PairAnomalies.WithLabelValues("dropped_responder").Add(float64(s.DroppedResponders))
	m.PairAnomalies.WithLabelValues("noise").Add(float64(s.NoiseTurns))
}

// AddCandidates adds n to the candidates counter of stage.
func (m *Metrics) AddCandidates(stage string, n int) {
	m.Candidates.WithLabelValues(stage).Add(float64(n))
}

// SetRunResult records whether the run finished without a fatal error.
func (m *Metrics) SetRunResult(ok bool) {
	if ok {
		m.LastRunSuccess.Set(1)
		return
	}
	m.LastRunSuccess.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled or the returned
// stop function is called.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) (stop func(), err error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics: server error", "err", err)
		}
	}()
	logger.Info("metrics: serving", "addr", ln.Addr().String())

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Push sends the registry to the Pushgateway at url under job, replacing
// the metrics previously pushed for that job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("metrics: push to %s: %w", url, err)
	}
	return nil
}
