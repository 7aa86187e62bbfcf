// Package main is the entry point for the Rockfall API server.
//
// It loads the configuration, wires the history store, the classifier client,
// the event sinks and the metrics backend into the Prediction Gateway, builds
// the HTTP server with the core chassis (middleware, routing, health checks),
// and starts listening for requests.
//
// Outside AWS Lambda it runs as a standard HTTP server on the configured
// port. Inside Lambda, API Gateway proxy events are translated into requests
// against the same chi router.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"rockfall/internal/api/handlers"
	"rockfall/internal/config"
	"rockfall/internal/core"
	"rockfall/internal/db"
	"rockfall/internal/events"
	"rockfall/internal/external"
	"rockfall/internal/history"
	"rockfall/internal/metrics"
	"rockfall/internal/prediction"
	"rockfall/internal/security"
	"rockfall/internal/types"
	"rockfall/internal/zones"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("rockfall API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if isLambdaEnvironment() {
		return runLambda(srv, logger)
	}

	return runHTTPServer(srv, cfg, logger)
}

// buildServer assembles every dependency of the API and mounts the routes.
// Resources acquired along the way are registered as server Closers.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	registry, err := zones.Load(cfg.Zones.File)
	if err != nil {
		return nil, fmt.Errorf("loading zone registry: %w", err)
	}

	store, err := newStore(ctx, cfg, srv)
	if err != nil {
		return nil, err
	}

	collector, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	srv.Metrics = collector
	if p, ok := collector.(*metrics.Prometheus); ok {
		srv.MetricsHandler = p.Handler()
	}

	sinks, hub, err := newEventSinks(ctx, cfg, srv)
	if err != nil {
		return nil, err
	}

	classifier := external.NewClassifierClient(cfg.Classifier, logger)
	srv.Classifier = classifier

	gateway := prediction.NewGateway(classifier, store, registry, logger,
		prediction.WithEvents(sinks),
		prediction.WithMetrics(collector),
		prediction.WithPersistTimeout(cfg.History.PersistTimeout),
	)

	predictionHandler := handlers.NewPredictionHandler(gateway, srv.Validator, logger)
	zoneHandler := handlers.NewZoneHandler(registry)
	srv.APIRouteRegistrars = append(srv.APIRouteRegistrars,
		predictionHandler.RegisterRoutes,
		zoneHandler.RegisterRoutes,
	)
	if hub != nil {
		srv.APIRouteRegistrars = append(srv.APIRouteRegistrars, handlers.NewEventStreamHandler(hub).RegisterRoutes)
	}

	srv.MountRoutes()

	logger.Info("rockfall API wired",
		"store", storeKind(cfg),
		"metrics", cfg.Observability.MetricsBackend,
		"zones", registry.Len(),
		"websocket", hub != nil,
	)
	return srv, nil
}

// newStore opens the PostgreSQL history store when DATABASE_URL is set and
// falls back to the in-memory store otherwise.
func newStore(ctx context.Context, cfg *config.Config, srv *core.Server) (types.PredictionRepository, error) {
	if !cfg.UsesPostgres() {
		return history.NewMemoryStore(
			history.WithLimits(cfg.History.DefaultLimit, cfg.History.MaxLimit),
		), nil
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	srv.Closers = append(srv.Closers, func() error {
		pool.Close()
		return nil
	})
	srv.HealthProbes = append(srv.HealthProbes, db.HealthProbe{DB: pool})

	repo := db.NewPredictionRepository(pool,
		db.WithLimits(cfg.History.DefaultLimit, cfg.History.MaxLimit),
	)
	if cfg.Database.EnsureSchema {
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensuring database schema: %w", err)
		}
	}
	return repo, nil
}

func storeKind(cfg *config.Config) string {
	if cfg.UsesPostgres() {
		return "postgres"
	}
	return "memory"
}

// newMetrics selects the metrics backend.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.Collector, error) {
	switch cfg.Observability.MetricsBackend {
	case "prometheus":
		return metrics.NewPrometheus(), nil
	case "cloudwatch":
		awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		return metrics.NewCloudWatch(client, cfg.Observability.MetricNamespace, logger), nil
	default:
		return metrics.Noop{}, nil
	}
}

// newEventSinks fans prediction events out to the log plus every configured
// transport. The returned hub is nil when the WebSocket stream is disabled.
func newEventSinks(ctx context.Context, cfg *config.Config, srv *core.Server) (*events.Multi, *events.Hub, error) {
	logger := srv.Logger
	sinks := events.NewMulti(logger, events.LogSink{Logger: logger})
	sinks.SetSinkTimeout(cfg.Events.SinkTimeout)

	if cfg.Events.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.Events.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		srv.Closers = append(srv.Closers, client.Close)
		sinks.Add(events.NewRedisSink(client, cfg.Events.RedisChannel))
	}

	if cfg.Events.SQSQueueURL != "" {
		awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, nil, err
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		sinks.Add(events.NewSQSSink(client, cfg.Events.SQSQueueURL))
	}

	if cfg.Events.WebhookURL != "" {
		httpClient := security.Guard{}.NewSafeHTTPClient(cfg.Events.WebhookTimeout, 3)
		if cfg.Events.WebhookAllowPrivate {
			httpClient = &http.Client{Timeout: cfg.Events.WebhookTimeout}
		}
		sinks.Add(events.NewWebhookSink(cfg.Events.WebhookURL, cfg.Events.WebhookSecret, httpClient))
	}

	var hub *events.Hub
	if cfg.Events.WebSocket {
		hub = events.NewHub(logger)
		srv.Closers = append(srv.Closers, hub.Close)
		sinks.Add(hub)
	}

	return sinks, hub, nil
}

func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config (region=%s): %w", cfg.Region, err)
	}
	return awsCfg, nil
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda serves API Gateway proxy events with the server's router.
func runLambda(srv *core.Server, logger *slog.Logger) error {
	logger.Info("starting in Lambda mode")
	lambda.StartWithOptions(newProxyHandler(srv.Handler()),
		lambda.WithEnableSIGTERM(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("server resource shutdown error", "error", err)
			}
		}),
	)
	return nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Release DB pools, broker connections and WebSocket clients.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
