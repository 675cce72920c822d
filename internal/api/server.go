package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/cinder/internal/broker"
	"github.com/seantiz/cinder/internal/dispatch"
	"github.com/seantiz/cinder/internal/events"
	"github.com/seantiz/cinder/internal/lifecycle"
	"github.com/seantiz/cinder/internal/storage"
	"github.com/seantiz/cinder/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps are the components the HTTP layer fronts.
type Deps struct {
	Store      store.Store
	Machine    *lifecycle.Machine
	Broker     *broker.Broker
	Dispatcher *dispatch.Dispatcher
	Gateway    *storage.Gateway
	Hub        *events.Hub
	// Authorizer defaults to AllowAll.
	Authorizer Authorizer
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	store      store.Store
	machine    *lifecycle.Machine
	broker     *broker.Broker
	dispatcher *dispatch.Dispatcher
	gateway    *storage.Gateway
	hub        *events.Hub
	auth       Authorizer
	logger     *slog.Logger
	addr       string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, d Deps, logger *slog.Logger) *Server {
	if d.Authorizer == nil {
		d.Authorizer = AllowAll{}
	}
	srv := &Server{
		router:     chi.NewRouter(),
		store:      d.Store,
		machine:    d.Machine,
		broker:     d.Broker,
		dispatcher: d.Dispatcher,
		gateway:    d.Gateway,
		hub:        d.Hub,
		auth:       d.Authorizer,
		logger:     logger,
		addr:       addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Authorization", "Content-Type", "Range", "X-Request-Id", userHeader},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Range", "Content-Disposition", uncompressedSizeHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/workers", func(r chi.Router) {
		r.Get("/info", s.handleWorkersInfo)
		r.Post("/{worker_id}/checkin", s.handleCheckin)
		r.Post("/{worker_id}/reply/{socket_id}", s.handleReply)
		r.Post("/{worker_id}/reply_data/{socket_id}", s.handleReplyData)
		r.Post("/{worker_id}/start_bundle", s.handleStartBundle)
	})

	s.router.Route("/v1/bundles", func(r chi.Router) {
		r.Post("/", s.handleCreateBundle)
		r.Get("/", s.handleListBundles)
		r.Route("/{uuid}", func(r chi.Router) {
			r.Get("/", s.handleGetBundle)
			r.Patch("/", s.handlePatchBundle)
			r.Post("/kill", s.handleKillBundle)
			r.Post("/freeze", s.handleFreezeBundle)
			r.Post("/state", s.handleFinalizeBundle)
			r.Get("/events", s.handleBundleEvents)

			r.Get("/contents/info/*", s.handleContentsInfo)
			r.Get("/contents/blob/*", s.handleContentsBlob)
			r.Head("/contents/blob/*", s.handleContentsBlob)
			r.Put("/contents/blob/", s.handleUploadContents)

			r.Get("/locations", s.handleListLocations)
			r.Post("/locations", s.handleCreateLocation)
			r.Get("/locations/{id}", s.handleGetLocation)
			r.Delete("/locations/{id}", s.handleDeleteLocation)
			r.Get("/locations/{id}/download", s.handleDownloadURL)
		})
	})

	s.router.Get("/v1/stores", s.handleListStores)
	s.router.Post("/v1/stores", s.handleCreateStore)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
// Long-poll checkins and content streams are unbounded, so the server sets
// no global write timeout.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware writes one access log line per request. Successful
// checkins are logged at debug since every idle worker polls continuously.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if strings.HasSuffix(r.URL.Path, "/checkin") && ww.Status() < http.StatusBadRequest {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"user", r.Header.Get(userHeader),
		)
	})
}
