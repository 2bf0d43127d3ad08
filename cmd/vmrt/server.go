package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/internal/store"
	"github.com/caffeineduck/vmrt/system"
	"github.com/caffeineduck/vmrt/vm"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 60 * time.Second
)

type serverConfig struct {
	Addr        string
	CORSOrigins []string
	Store       store.Store
	Drivers     *hal.Registry
	System      *system.Config
	Metrics     *prometheus.Registry
	Logger      *zap.Logger
}

// server exposes stored modules over HTTP. Each module is linked into its own
// static system context on first use and kept until it is replaced or
// deleted.
type server struct {
	router  *chi.Mux
	store   store.Store
	drivers *hal.Registry
	sys     *system.Config
	metrics *httpMetrics
	prom    *prometheus.Registry
	logger  *zap.Logger
	addr    string

	mu     sync.Mutex
	loaded map[string]*system.SystemContext
}

func newServer(cfg serverConfig) *server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = prometheus.NewRegistry()
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}

	s := &server{
		router:  chi.NewRouter(),
		store:   cfg.Store,
		drivers: cfg.Drivers,
		sys:     cfg.System,
		metrics: newHTTPMetrics(cfg.Metrics),
		prom:    cfg.Metrics,
		logger:  cfg.Logger,
		addr:    cfg.Addr,
		loaded:  make(map[string]*system.SystemContext),
	}
	registerDeviceMetrics(cfg.Metrics, cfg.System)

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metrics.middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.routes()
	return s
}

func (s *server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metricsHandler(s.prom))

	s.router.Get("/v1/drivers", s.handleListDrivers)

	s.router.Route("/v1/modules", func(r chi.Router) {
		r.Get("/", s.handleListModules)
		r.Put("/{name}", s.handlePutModule)
		r.Get("/{name}", s.handleGetModule)
		r.Delete("/{name}", s.handleDeleteModule)
		r.Post("/{name}/functions/{function}/invoke", s.handleInvoke)
	})

	s.router.Route("/v1/invocations", func(r chi.Router) {
		r.Get("/", s.handleListInvocations)
		r.Get("/{id}", s.handleGetInvocation)
	})
}

func (s *server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.addr), zap.String("driver", s.sys.DriverName()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// moduleContext returns the system context holding the named module,
// loading it from the store when it is not cached.
func (s *server) moduleContext(ctx context.Context, name string) (*system.SystemContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc, ok := s.loaded[name]; ok {
		return sc, nil
	}
	rec, err := s.store.GetModule(ctx, name)
	if err != nil {
		return nil, err
	}
	mod, err := vm.LoadModule(rec.Data)
	if err != nil {
		return nil, err
	}
	sc, err := system.LoadModules(s.sys, mod)
	if err != nil {
		return nil, err
	}
	s.loaded[name] = sc
	return sc, nil
}

func (s *server) cacheModule(name string, sc *system.SystemContext) {
	s.mu.Lock()
	if sc == nil {
		delete(s.loaded, name)
	} else {
		s.loaded[name] = sc
	}
	s.mu.Unlock()
}
