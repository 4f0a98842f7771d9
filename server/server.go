// Package server exposes the queue over HTTP: a JSON API for producers,
// Prometheus metrics, and a websocket feed of live job updates.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stormlinehq/stormline/config"
	"github.com/stormlinehq/stormline/metrics"
	"github.com/stormlinehq/stormline/queue"
	"github.com/stormlinehq/stormline/schedule"
)

// Server is the Stormline HTTP API server
type Server struct {
	queue     *queue.Queue
	pool      *queue.WorkerPool
	recurring *schedule.Store
	config    config.ServerConfig
	logger    *zap.SugaredLogger
	httpSrv   *http.Server
}

// New creates a server over an existing queue and worker pool. The pool is
// optional (nil when this process only serves the API); system metrics are
// omitted from /api/stats without it.
func New(db *sql.DB, pool *queue.WorkerPool, cfg config.ServerConfig, logger *zap.SugaredLogger) *Server {
	// Share the pool's queue when one exists: websocket subscribers then
	// see worker-side updates, and API enqueues pick up the configured
	// default attempt budget.
	q := queue.NewQueue(db)
	if pool != nil {
		q = pool.Queue()
	}
	return &Server{
		queue:     q,
		pool:      pool,
		recurring: schedule.NewStore(db),
		config:    cfg,
		logger:    logger.Named("server"),
	}
}

// Queue returns the queue client backing the server
func (s *Server) Queue() *queue.Queue {
	return s.queue
}

// Routes builds the HTTP router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/recurring", s.handleListRecurring)
		r.Get("/stats", s.handleStats)
		r.Get("/health", s.handleHealth)
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", s.handleWebSocket)

	return r
}

// Start begins serving HTTP. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("HTTP server listening", "addr", addr)

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger logs each request at debug level
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugw("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
