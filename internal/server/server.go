package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazypower/vaultweave/internal/engine"
	"github.com/lazypower/vaultweave/internal/metrics"
	"github.com/lazypower/vaultweave/internal/scheduler"
	"github.com/lazypower/vaultweave/internal/store"
)

// Server is the vaultweave HTTP API server. It lets an assistant inspect
// the scheduler and the latest analysis and trigger ad-hoc runs.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	sched   *scheduler.Scheduler
	metrics *metrics.Metrics
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server. sched and m may be nil.
func New(db *store.DB, eng *engine.Engine, sched *scheduler.Scheduler, m *metrics.Metrics, version string) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		sched:   sched,
		metrics: m,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}/executions", s.handleTaskExecutions)
		r.Post("/tasks/{taskID}/run", s.handleRunTask)

		r.Post("/cycles", s.handleRunCycle)
		r.Get("/reports", s.handleReports)

		r.Get("/correlations", s.handleCorrelations)
		r.Get("/patterns", s.handlePatterns)
		r.Get("/rules", s.handleRules)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	documents := 0
	if s.engine != nil {
		documents = s.engine.Snapshot().Len()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    time.Since(s.started).Seconds(),
		"db":        dbOK,
		"db_path":   s.db.Path,
		"documents": documents,
		"scheduler": s.sched != nil,
	})
}

// jsonError writes {"error": msg} with the given status.
func jsonError(w http.ResponseWriter, msg string, code int) {
	data, _ := json.Marshal(map[string]string{"error": msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
