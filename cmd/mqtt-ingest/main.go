// Package main runs the sensor ingest worker.
//
// The worker subscribes to per-zone measurement topics on an MQTT broker
// (rockfall/zones/<zone id>/measurements by default) and submits every
// payload through the Prediction Gateway, so sensor readings are classified,
// recorded in history and fanned out as prediction events exactly like
// submissions made over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"rockfall/internal/config"
	"rockfall/internal/db"
	"rockfall/internal/events"
	"rockfall/internal/external"
	"rockfall/internal/history"
	"rockfall/internal/prediction"
	"rockfall/internal/types"
	"rockfall/internal/zones"
)

// submitTimeout bounds a single classification round trip.
const submitTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("service", "mqtt-ingest")

	registry, err := zones.Load(cfg.Zones.File)
	if err != nil {
		return fmt.Errorf("loading zone registry: %w", err)
	}

	var store types.PredictionRepository
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
		repo := db.NewPredictionRepository(pool, db.WithLimits(cfg.History.DefaultLimit, cfg.History.MaxLimit))
		if cfg.Database.EnsureSchema {
			if err := repo.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensuring database schema: %w", err)
			}
		}
		store = repo
	} else {
		logger.Warn("DATABASE_URL not set; predictions are kept in memory only")
		store = history.NewMemoryStore(history.WithLimits(cfg.History.DefaultLimit, cfg.History.MaxLimit))
	}

	sinks := events.NewMulti(logger, events.LogSink{Logger: logger})
	sinks.SetSinkTimeout(cfg.Events.SinkTimeout)
	if cfg.Events.RedisURL != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.Events.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		sinks.Add(events.NewRedisSink(rdb, cfg.Events.RedisChannel))
	}

	gateway := prediction.NewGateway(
		external.NewClassifierClient(cfg.Classifier, logger),
		store, registry, logger,
		prediction.WithEvents(sinks),
		prediction.WithPersistTimeout(cfg.History.PersistTimeout),
	)

	ingester, err := NewIngester(cfg.MQTT.Topic, gateway, logger, submitTimeout)
	if err != nil {
		return err
	}

	client := mqtt.NewClient(clientOptions(ctx, cfg.MQTT, ingester, logger))
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	logger.Info("ingest worker running",
		"broker", cfg.MQTT.URL,
		"topic", cfg.MQTT.Topic,
		"zones", registry.Len(),
	)

	<-ctx.Done()
	logger.Info("ingest worker shutting down")
	client.Disconnect(250)
	return nil
}

func clientOptions(ctx context.Context, cfg config.MQTTConfig, ingester *Ingester, logger *slog.Logger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID("rockfall-ingest-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetOrderMatters(false)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		// Errors are logged by the ingester.
		_, _ = ingester.Handle(ctx, msg.Topic(), msg.Payload())
	}

	opts.OnConnect = func(c mqtt.Client) {
		token := c.Subscribe(cfg.Topic, cfg.QoS, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Error("mqtt subscribe error", "topic", cfg.Topic, "error", err)
			return
		}
		logger.Info("subscribed", "topic", cfg.Topic, "qos", cfg.QoS)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	}
	return opts
}
