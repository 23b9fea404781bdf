package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mentiharvest/internal/api"
	"mentiharvest/internal/fetcher"
	"mentiharvest/internal/metrics"
	"mentiharvest/internal/notifications"
	"mentiharvest/internal/scheduler"
	"mentiharvest/internal/store"
)

// Config holds all application configuration loaded from environment variables
type Config struct {
	Port     string // HTTP port (default: 8080)
	Env      string // Environment (development/production)
	LogLevel string // Log level (debug/info/warn/error)

	SentryDSN   string // Sentry DSN for error tracking
	MetricsAddr string // Address for the Prometheus metrics endpoint

	SnapshotDriver string // Snapshot backend: file, sqlite, postgres, memory
	SnapshotDSN    string // File path or connection string for the backend

	APIBaseURL    string // Upstream series API root
	AuthJWTSecret string // HS256 secret for API auth; empty disables auth

	SlackToken   string // Slack bot token for run notifications
	SlackChannel string // Slack channel to notify
}

func loadConfig() *Config {
	return &Config{
		Port:           getEnvWithDefault("PORT", "8080"),
		Env:            getEnvWithDefault("APP_ENV", "development"),
		LogLevel:       getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:      os.Getenv("SENTRY_DSN"),
		MetricsAddr:    getEnvWithDefault("METRICS_ADDR", ":9464"),
		SnapshotDriver: getEnvWithDefault("SNAPSHOT_DRIVER", "file"),
		SnapshotDSN:    getEnvWithDefault("SNAPSHOT_DSN", "./data/snapshot.json"),
		APIBaseURL:     os.Getenv("MENTI_API_BASE_URL"),
		AuthJWTSecret:  os.Getenv("AUTH_JWT_SECRET"),
		SlackToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:   os.Getenv("SLACK_CHANNEL"),
	}
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := loadConfig()
	setupLogging(config)

	// Initialise Sentry for error tracking
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              config.SentryDSN,
			Environment:      config.Env,
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	// runCtx outlives individual HTTP requests; in-flight fetches hang off
	// it and stop on shutdown.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	snapshots, err := store.Open(runCtx, config.SnapshotDriver, config.SnapshotDSN)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to open snapshot store")
	}
	log.Info().Str("driver", config.SnapshotDriver).Msg("Snapshot store ready")

	collector := metrics.New()

	fetchConfig := fetcher.DefaultConfig()
	if config.APIBaseURL != "" {
		fetchConfig.BaseURL = config.APIBaseURL
	}
	exec := fetcher.New(fetchConfig, fetcher.WithMetrics(collector))

	notifier := notifications.NewSlackChannel(config.SlackToken, config.SlackChannel)
	if notifier == nil {
		log.Info().Msg("Slack notifications disabled")
	}

	sched := scheduler.New(exec, snapshots,
		scheduler.WithMetrics(collector),
		scheduler.WithNotifier(notifier),
	)

	// Pick up where a previous process left off.
	sched.Restore(runCtx)

	// Metrics endpoint on its own listener
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", collector.Handler())
	metricsSrv := &http.Server{
		Addr:              config.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// Create a rate limiter
	limiter := api.NewRateLimiter(20, 10)

	// Create API handler with dependencies
	apiHandler := api.NewHandler(runCtx, sched, api.JWTAuthMiddleware(config.AuthJWTSecret))

	mux := http.NewServeMux()
	apiHandler.SetupRoutes(mux)

	// Add middleware in reverse order (outermost first)
	var handler http.Handler = limiter.Middleware(mux)
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CORSMiddleware(handler)

	server := &http.Server{
		Addr:    ":" + config.Port,
		Handler: handler,
	}

	// Channel to listen for termination signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
		}

		// Stop in-flight fetches; the snapshot keeps them recoverable.
		cancelRun()
		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting server")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Server stopped")
}

// setupLogging configures zerolog based on the environment
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "mentiharvest").
			Logger()
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
