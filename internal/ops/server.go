// Package ops exposes the operational HTTP surface: liveness, prometheus
// metrics and a JSON status snapshot.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/failover"
	"github.com/feedrun/feedrun/internal/provider"
)

// StatusSource aggregates the snapshots reported on /status. Nil fields are
// omitted from the response.
type StatusSource struct {
	Registry   *provider.Registry
	Supervisor *failover.Supervisor
	Pipeline   interface{ Depth() int }
	Backfill   interface{ Running() bool }
}

// Server is the ops HTTP server.
type Server struct {
	httpSrv *http.Server
	source  StatusSource
	started time.Time
}

// NewServer builds the server with its routes. The registry gatherer backs
// /metrics.
func NewServer(listen string, gatherer prometheus.Gatherer, source StatusSource) *Server {
	s := &Server{source: source, started: time.Now()}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         listen,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start listens in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("listen", s.httpSrv.Addr).Msg("ops server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the route handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"started": s.started.UTC(),
	})
}

type statusResponse struct {
	Providers map[string]provider.HealthState `json:"providers,omitempty"`
	Failover  map[string]failover.RuleState   `json:"failover,omitempty"`
	Pipeline  *pipelineStatus                 `json:"pipeline,omitempty"`
	Backfill  *backfillStatus                 `json:"backfill,omitempty"`
}

type pipelineStatus struct {
	Depth int `json:"depth"`
}

type backfillStatus struct {
	Running bool `json:"running"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if s.source.Registry != nil {
		resp.Providers = s.source.Registry.HealthSnapshot()
	}
	if s.source.Supervisor != nil {
		resp.Failover = s.source.Supervisor.Snapshot()
	}
	if s.source.Pipeline != nil {
		resp.Pipeline = &pipelineStatus{Depth: s.source.Pipeline.Depth()}
	}
	if s.source.Backfill != nil {
		resp.Backfill = &backfillStatus{Running: s.source.Backfill.Running()}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
