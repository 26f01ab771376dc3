package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the Prometheus metrics of one audit process. All methods are
// safe on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	FetchesTotal    *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	ReferencesTotal *prometheus.CounterVec
	OutcomesTotal   *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	AssetDuration   prometheus.Histogram
	ChunksTotal     prometheus.Counter
	ProcessedIDs    prometheus.Gauge
	ErrorLoggedIDs  prometheus.Gauge
}

// NewMetrics registers every metric on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nft_audit",
			Subsystem: "resolver",
			Name:      "fetches_total",
			Help:      "Total number of image fetches by result",
		}, []string{"result"}),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nft_audit",
			Subsystem: "resolver",
			Name:      "gateway_retries_total",
			Help:      "Total number of public-gateway retries",
		}),
		ReferencesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nft_audit",
			Subsystem: "resolver",
			Name:      "references_total",
			Help:      "Image references seen, by classified kind",
		}, []string{"kind"}),
		OutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nft_audit",
			Subsystem: "pipeline",
			Name:      "outcomes_total",
			Help:      "Assets processed, by outcome",
		}, []string{"outcome"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nft_audit",
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Asset failures, by error type and leg",
		}, []string{"error_type", "leg"}),
		AssetDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nft_audit",
			Subsystem: "pipeline",
			Name:      "asset_duration_seconds",
			Help:      "Histogram of per-asset processing time",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		ChunksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nft_audit",
			Subsystem: "runner",
			Name:      "chunks_total",
			Help:      "Total number of source chunks drained",
		}),
		ProcessedIDs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nft_audit",
			Subsystem: "runner",
			Name:      "processed_ids",
			Help:      "Size of the processed asset id set",
		}),
		ErrorLoggedIDs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nft_audit",
			Subsystem: "runner",
			Name:      "error_logged_ids",
			Help:      "Size of the error-logged asset id set",
		}),
	}
}

func (m *Metrics) observeFetch(err error) {
	if m == nil {
		return
	}
	result := "ok"
	var se *StatusError
	switch {
	case err == nil:
	case errors.As(err, &se):
		result = "status"
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	default:
		result = "error"
	}
	m.FetchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) observeReference(kind RefKind) {
	if m == nil {
		return
	}
	m.ReferencesTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeOutcome(o Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(o.String()).Inc()
	if o != OutcomeSkipped {
		m.AssetDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) observeError(kind ErrorKind, leg Leg) {
	if m == nil {
		return
	}
	l := string(leg)
	if l == "" {
		l = "none"
	}
	m.ErrorsTotal.WithLabelValues(string(kind), l).Inc()
}

func (m *Metrics) observeChunk(s *State) {
	if m == nil {
		return
	}
	m.ChunksTotal.Inc()
	p, e := s.Counts()
	m.ProcessedIDs.Set(float64(p))
	m.ErrorLoggedIDs.Set(float64(e))
}

// MetricsServer serves /metrics and /health for the lifetime of a run.
type MetricsServer struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewMetricsServer(addr string, m *Metrics, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

func (s *MetricsServer) Start() {
	s.logger.Info("starting metrics server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func (s *MetricsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown: %w", err)
	}
	return nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}
