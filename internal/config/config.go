// Package config defines the global configuration structure for the Rockfall
// prediction service. Configuration is loaded once at process initialization
// and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> struct defaults (Lowest)
//
// Any invalid value causes startup to fail immediately (fail fast).
package config

import (
	"time"
)

// Config is the top-level configuration struct for the service.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"rockfall-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	Classifier    ClassifierConfig
	History       HistoryConfig
	Zones         ZonesConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	Events        EventsConfig
	AWS           AWSConfig
	MQTT          MQTTConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"3000"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// An empty URL selects the in-memory history store.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	EnsureSchema      bool          `envconfig:"DB_ENSURE_SCHEMA" default:"true"`
}

// ClassifierConfig points at the external risk-classification service.
type ClassifierConfig struct {
	URL       string        `envconfig:"CLASSIFIER_URL" default:"http://localhost:5000" validate:"required,url"`
	Timeout   time.Duration `envconfig:"CLASSIFIER_TIMEOUT" default:"10s"`
	UserAgent string        `envconfig:"CLASSIFIER_USER_AGENT" default:"Rockfall-Gateway/1.0"`
}

// HistoryConfig bounds history reads and the write after a classification.
type HistoryConfig struct {
	DefaultLimit    int `envconfig:"HISTORY_DEFAULT_LIMIT" default:"50" validate:"min=1"`
	MaxLimit        int `envconfig:"HISTORY_MAX_LIMIT" default:"500" validate:"gtefield=DefaultLimit"`
	ReconcileWindow int `envconfig:"RECONCILE_WINDOW" default:"50" validate:"min=5"`

	PersistTimeout time.Duration `envconfig:"HISTORY_PERSIST_TIMEOUT" default:"5s"`
}

// ZonesConfig optionally replaces the built-in zone registry.
type ZonesConfig struct {
	File string `envconfig:"ZONES_FILE"`
}

// SecurityConfig holds CORS settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Rockfall"`
}

// EventsConfig selects the optional prediction event sinks.
type EventsConfig struct {
	RedisURL     string `envconfig:"EVENTS_REDIS_URL" validate:"omitempty,url"`
	RedisChannel string `envconfig:"EVENTS_REDIS_CHANNEL" default:"rockfall:predictions"`
	SQSQueueURL  string `envconfig:"EVENTS_SQS_QUEUE_URL" validate:"omitempty,url"`
	WebSocket    bool   `envconfig:"EVENTS_WEBSOCKET" default:"true"`

	SinkTimeout time.Duration `envconfig:"EVENTS_SINK_TIMEOUT" default:"3s"`

	WebhookURL     string        `envconfig:"EVENTS_WEBHOOK_URL" validate:"omitempty,url"`
	WebhookSecret  string        `envconfig:"EVENTS_WEBHOOK_SECRET"`
	WebhookTimeout time.Duration `envconfig:"EVENTS_WEBHOOK_TIMEOUT" default:"5s"`
	// WebhookAllowPrivate lifts the private-network block for local receivers.
	WebhookAllowPrivate bool `envconfig:"EVENTS_WEBHOOK_ALLOW_PRIVATE" default:"false"`
}

// AWSConfig holds regional configuration for CloudWatch and SQS.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// MQTTConfig configures the sensor ingest worker.
type MQTTConfig struct {
	URL   string `envconfig:"MQTT_URL" default:"tcp://localhost:1883"`
	Topic string `envconfig:"MQTT_TOPIC" default:"rockfall/zones/+/measurements"`
	QoS   byte   `envconfig:"MQTT_QOS" default:"1" validate:"max=2"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// UsesPostgres reports whether a database URL is configured.
func (c *Config) UsesPostgres() bool {
	return c.Database.URL != ""
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
