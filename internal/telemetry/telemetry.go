// Package telemetry exposes the indexer's /healthz and /metrics endpoints
// (SPEC_FULL ambient addition), built on the teacher's own
// `github.com/go-chi/chi/v5` router and `github.com/prometheus/
// client_golang` metrics stack.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the indexer-specific Prometheus collectors, registered on the
// registry /metrics serves. No package in this repository updates them.
type Metrics struct {
	LevelsIndexed  prometheus.Counter
	CurrentLevel   prometheus.Gauge
	ForkRollbacks  prometheus.Counter
	NodeRequests   *prometheus.CounterVec
	CommitDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LevelsIndexed: factory.NewCounter(prometheus.CounterOpts{
			Name: "que_pasa_levels_indexed_total",
			Help: "Total number of block levels committed.",
		}),
		CurrentLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "que_pasa_current_level",
			Help: "Highest block level committed so far.",
		}),
		ForkRollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "que_pasa_fork_rollbacks_total",
			Help: "Total number of fork-triggered rollbacks.",
		}),
		NodeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "que_pasa_node_requests_total",
			Help: "Total node RPC requests, by outcome.",
		}, []string{"outcome"}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "que_pasa_commit_duration_seconds",
			Help:    "Time spent committing one level's transaction.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Health reports whether the indexer is alive and the mode/level last
// passed to SetMode/SetLevel ("Bootstrap" and 0 until then), served at
// /healthz. cmd/quepasa never calls SetMode or SetLevel.
type Health struct {
	mode  atomic.Value // string
	level atomic.Int64
}

func NewHealth() *Health {
	h := &Health{}
	h.mode.Store("Bootstrap")
	return h
}

func (h *Health) SetMode(mode string) { h.mode.Store(mode) }
func (h *Health) SetLevel(level int64) { h.level.Store(level) }

type healthPayload struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	Level  int64  `json:"level"`
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mode, _ := h.mode.Load().(string)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthPayload{Status: "ok", Mode: mode, Level: h.level.Load()})
}

// Server serves /healthz and /metrics on addr until Shutdown is called.
type Server struct {
	http *http.Server
}

func NewServer(addr string, reg *prometheus.Registry, health *Health) *Server {
	r := chi.NewRouter()
	r.Handle("/healthz", health)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: r}}
}

func (s *Server) ListenAndServe() error { return s.http.ListenAndServe() }

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}
