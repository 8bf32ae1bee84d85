// Package server assembles the swap service from its configuration: order store,
// job queue, router, executor, event bus, subscription gateway and HTTP routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-swap/internal/auth"
	"github.com/ksred/klear-swap/internal/config"
	"github.com/ksred/klear-swap/internal/database"
	"github.com/ksred/klear-swap/internal/eventbus"
	"github.com/ksred/klear-swap/internal/execution"
	"github.com/ksred/klear-swap/internal/gateway"
	"github.com/ksred/klear-swap/internal/observability"
	"github.com/ksred/klear-swap/internal/orchestrator"
	"github.com/ksred/klear-swap/internal/queue"
	"github.com/ksred/klear-swap/internal/routing"
	"github.com/ksred/klear-swap/internal/subscription"
	"github.com/ksred/klear-swap/internal/swap"
	"github.com/ksred/klear-swap/internal/venue"
	"github.com/ksred/klear-swap/pkg/middleware"
	"github.com/ksred/klear-swap/pkg/response"
)

// Server owns every long-lived component of one service instance.
type Server struct {
	cfg     *config.Config
	db      *gorm.DB
	bus     eventbus.Bus
	metrics *observability.Metrics

	Auth         *auth.Service
	Store        *swap.Database
	Queue        *queue.Queue
	Orchestrator *orchestrator.Orchestrator
	Registry     *subscription.Registry

	engine *gin.Engine
	http   *http.Server

	stop     context.CancelFunc
	workers  chan struct{}
	shutdown bool
}

// New builds a server from cfg. ctx bounds background housekeeping such as the
// rate limiter sweep; it does not start the job workers.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	bus, err := newBus(ctx, cfg.Bus)
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}

	metrics := observability.NewMetrics("klear_swap")

	venues, err := newVenues(cfg.Router.Venues)
	if err != nil {
		bus.Close()
		closeDB(db)
		return nil, err
	}
	signer, err := newSigner(cfg.Execution.SignerSeed)
	if err != nil {
		bus.Close()
		closeDB(db)
		return nil, err
	}

	router := routing.New(routing.Options{
		Venues:           venues,
		Simulation:       cfg.Router.Simulation,
		FallbackOnOutage: cfg.Router.FallbackOnOutage,
		QuoteTimeout:     cfg.Router.QuoteTimeout,
		Metrics:          metrics,
	})
	executor := execution.New(execution.Options{
		Venues:         router,
		Signer:         signer,
		Wrapper:        venue.NewLedgerWrapper(),
		ConfirmTimeout: cfg.Execution.ConfirmTimeout,
	})

	q := queue.New(queue.Options{
		DB:                db,
		Concurrency:       cfg.Queue.Concurrency,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		PollInterval:      cfg.Queue.PollInterval,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		JanitorInterval:   cfg.Queue.JanitorInterval,
		Metrics:           metrics,
	})

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.SubscribeTokenTTL)
	authService.RegisterAPICredentials(cfg.Auth.APIKey, cfg.Auth.APISecret)

	swapService := swap.NewService(db, q, authService, cfg.Server.PublicWSURL)

	orch := orchestrator.New(orchestrator.Options{
		Store:     swapService.Store(),
		Router:    router,
		Executor:  executor,
		Publisher: bus,
		Metrics:   metrics,
	})

	registry := subscription.NewRegistry(bus, metrics)
	gw := gateway.New(gateway.Options{
		Registry:      registry,
		Tokens:        authService,
		Orders:        swapService.Store(),
		Metrics:       metrics,
		SendQueueSize: cfg.Server.SendQueueSize,
	})

	s := &Server{
		cfg:          cfg,
		db:           db,
		bus:          bus,
		metrics:      metrics,
		Auth:         authService,
		Store:        swapService.Store(),
		Queue:        q,
		Orchestrator: orch,
		Registry:     registry,
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger())
	if cfg.Server.RateLimit {
		s.engine.Use(middleware.NewRateLimiter(ctx, middleware.DefaultLimits).Middleware())
	}

	setupRoutes(s.engine, routeHandlers{
		auth:    auth.NewGinHandlers(authService),
		swap:    swap.NewGinHandlers(swapService),
		jwt:     middleware.JWTAuth(authService),
		stream:  gw.Handler(),
		metrics: gin.WrapH(metrics.Handler()),
		health:  s.healthHandler(),
	})

	s.http = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: s.engine,
	}
	return s, nil
}

func newBus(ctx context.Context, cfg config.BusConfig) (eventbus.Bus, error) {
	switch cfg.Driver {
	case "memory", "":
		return eventbus.NewMemoryBus(), nil
	case "postgres":
		return eventbus.NewPostgresBus(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unsupported bus driver %q", cfg.Driver)
}

// Handler returns the HTTP handler serving the API, the WebSocket stream and the
// operational endpoints.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// StartWorkers runs the job queue until Shutdown.
func (s *Server) StartWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.workers = make(chan struct{})
	go func() {
		defer close(s.workers)
		s.Queue.Run(ctx, s.Orchestrator)
	}()
}

// ListenAndServe serves HTTP on the configured port until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, stops claiming jobs, waits for in-flight
// jobs and releases the bus and the database. ctx bounds the whole sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdown {
		return nil
	}
	s.shutdown = true

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if s.stop != nil {
		s.stop()
		select {
		case <-s.workers:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for in-flight jobs: %w", ctx.Err()))
		}
	}

	if err := s.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if err := closeDB(s.db); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Server) healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		counts, err := s.Queue.Counts(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Health check failed")
			response.Unavailable(c, "queue unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"queue":          counts,
			"watched_orders": s.Registry.Orders(),
		})
	}
}

// requestLogger logs one line per request through zerolog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
