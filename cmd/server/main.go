package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-swap/internal/config"
	"github.com/ksred/klear-swap/internal/server"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main runs the swap API, the WebSocket stream and the job workers in one process
// with graceful shutdown support
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	zlog.Info().Stringer("config", cfg).Msg("Configuration loaded")

	if cfg.Profiling.PyroscopeURL != "" {
		profiler, err := startProfiler(cfg)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to start profiler")
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize server")
	}

	srv.StartWorkers()

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// In-flight jobs finish before the store closes
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

func startProfiler(cfg *config.Config) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: "klear-swap",
		ServerAddress:   cfg.Profiling.PyroscopeURL,
		Tags: map[string]string{
			"env": cfg.Env,
		},
		Logger: profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

// profilerLogger routes profiler output through zerolog.
type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{}) {
	zlog.Debug().Str("component", "pyroscope").Msgf(format, args...)
}

func (profilerLogger) Debugf(format string, args ...interface{}) {
	zlog.Trace().Str("component", "pyroscope").Msgf(format, args...)
}

func (profilerLogger) Errorf(format string, args ...interface{}) {
	zlog.Error().Str("component", "pyroscope").Msgf(format, args...)
}
