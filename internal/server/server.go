// Package server exposes the OCR pipeline over HTTP and reports liveness over
// the standard gRPC health protocol.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/joseph-ayodele/sanskrit-ocr/internal/async"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/chunk"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/common"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/export"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/pipeline"
	"github.com/joseph-ayodele/sanskrit-ocr/internal/repository"
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Queue        async.Queue
	Repo         repository.JobRepository
	Export       *export.Service
	Archiver     async.Archiver  // optional
	Splitter     *chunk.Splitter // optional; enables /api/split and /downloads
	UploadDir    string
	Logger       *slog.Logger
}

// unwindTimeout is how long Shutdown waits for handlers after cancelling them.
const unwindTimeout = 10 * time.Second

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger

	// base parents every request context. Shutdown cancels it once the
	// grace period is over so running jobs stop and clean up.
	base       context.Context
	cancelBase context.CancelFunc
	inflight   sync.WaitGroup
}

// NewServer builds and wires all routes.
func NewServer(cfg common.ServerConfig, deps Deps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := newOptionsValidator()
	if err != nil {
		return nil, err
	}
	uploadDir := deps.UploadDir
	if uploadDir == "" {
		uploadDir = filepath.Join(os.TempDir(), "ocr-uploads")
	}

	h := &OCRHandler{
		orchestrator:   deps.Orchestrator,
		queue:          deps.Queue,
		repo:           deps.Repo,
		export:         deps.Export,
		archiver:       deps.Archiver,
		splitter:       deps.Splitter,
		options:        validator,
		uploadDir:      uploadDir,
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         logger,
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Server{logger: logger, base: base, cancelBase: cancel}

	r := chi.NewRouter()
	r.Use(s.track)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
		}))
	}

	r.Get("/healthz", h.Health)
	r.Route("/api", func(api chi.Router) {
		api.Post("/ocr", h.RecognizeSync)
		api.Post("/jobs", h.Submit)
		api.Get("/jobs", h.List)
		api.Get("/jobs/{id}", h.Get)
		api.Get("/jobs/{id}/export.xlsx", h.ExportXLSX)
		api.Get("/jobs/{id}/text", h.Text)
		api.Get("/status/{id}", h.Status)
		if h.splitter != nil {
			api.Post("/split", h.Split)
		}
	})
	if h.splitter != nil {
		r.Get("/downloads/{id}/{name}", h.Download)
	}

	if cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for running handlers until ctx
// is done. After that their contexts are cancelled and Shutdown waits up to
// unwindTimeout for them to return, so jobs end CANCELLED with their
// workspaces removed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() { defer close(done); s.inflight.Wait() }()

	select {
	case <-done:
		s.cancelBase()
		return err
	case <-ctx.Done():
	}

	s.logger.Warn("shutdown grace period expired; cancelling in-flight requests")
	s.cancelBase()
	select {
	case <-done:
	case <-time.After(unwindTimeout):
		s.logger.Error("in-flight requests did not return after cancellation", "waited", unwindTimeout)
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// track counts running handlers and ties each request to the server's base
// context, which also covers requests served through Handler().
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.inflight.Add(1)
		defer s.inflight.Done()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(s.base, cancel)
		defer stop()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs one line per request through slog, tagged with chi's request id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			reqID := middleware.GetReqID(r.Context())
			r = r.WithContext(common.WithRequestID(r.Context(), reqID))

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
