package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3004"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`

	// Database settings
	Database DatabaseConfig

	// OCR provider (chat-completions style endpoint)
	OCR OCRConfig

	// Arke CAS store
	Store StoreConfig

	// Orchestrator callback target
	Orchestrator OrchestratorConfig

	// Chunk worker tunables
	Worker WorkerConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"ocrworker"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"ocrworker"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// OCRConfig holds OCR provider settings
type OCRConfig struct {
	// Endpoint is the chat-completions base URL
	Endpoint string `env:"OCR_ENDPOINT" envDefault:"https://api.openai.com/v1"`
	// APIKey authenticates against the provider
	APIKey string `env:"OCR_API_KEY" envDefault:""`
	// Model is the vision model used for extraction
	Model string `env:"OCR_MODEL" envDefault:"gpt-4o-mini"`
	// MaxTokens caps the extraction output
	MaxTokens int `env:"OCR_MAX_TOKENS" envDefault:"8192"`
	// Temperature for chat completions
	Temperature float64 `env:"OCR_TEMPERATURE" envDefault:"0"`
	// Timeout is the per-call timeout; timeouts classify as transient
	Timeout time.Duration `env:"OCR_TIMEOUT" envDefault:"120s"`
	// RequestsPerSecond is a static outbound floor; 0 disables the limiter
	RequestsPerSecond float64 `env:"OCR_REQUESTS_PER_SECOND" envDefault:"0"`
}

// IsEnabled returns true if the OCR provider is configured
func (o *OCRConfig) IsEnabled() bool {
	return o.Endpoint != "" && o.APIKey != ""
}

// StoreConfig holds Arke CAS store settings
type StoreConfig struct {
	// Endpoint is the store API base URL
	Endpoint string `env:"STORE_ENDPOINT" envDefault:"https://api.arke.institute"`
	// Timeout is the per-call timeout
	Timeout time.Duration `env:"STORE_TIMEOUT" envDefault:"60s"`
}

// OrchestratorConfig holds callback delivery settings
type OrchestratorConfig struct {
	// Endpoint is the orchestrator base URL; callbacks POST to
	// {Endpoint}/callback/ocr/{batch_id}
	Endpoint string `env:"ORCHESTRATOR_ENDPOINT" envDefault:"http://localhost:3003"`
	// Timeout is the per-callback request timeout
	Timeout time.Duration `env:"ORCHESTRATOR_TIMEOUT" envDefault:"30s"`
	// MaxRetries is the number of callback retries after the first attempt
	MaxRetries int `env:"CALLBACK_MAX_RETRIES" envDefault:"3"`
	// RetryDelay is the pause between failed callback attempts
	RetryDelay time.Duration `env:"CALLBACK_RETRY_DELAY" envDefault:"5s"`
}

// WorkerConfig holds the chunk worker tunables
type WorkerConfig struct {
	// MaxParallel bounds in-flight OCR calls per fire
	MaxParallel int `env:"MAX_PARALLEL_OCR" envDefault:"20"`
	// MaxRetriesPerRef caps transient retries per ref
	MaxRetriesPerRef int `env:"MAX_RETRIES_PER_REF" envDefault:"3"`
	// MaxGlobalRetries caps timer-level errors before the chunk fails
	MaxGlobalRetries int `env:"MAX_GLOBAL_RETRIES" envDefault:"5"`
	// AlarmIntervalMs is the re-entry cadence for normal progress
	AlarmIntervalMs int `env:"ALARM_INTERVAL_MS" envDefault:"100"`
}

// AlarmInterval returns the normal-progress cadence as a Duration
func (w *WorkerConfig) AlarmInterval() time.Duration {
	return time.Duration(w.AlarmIntervalMs) * time.Millisecond
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.String("store_endpoint", cfg.Store.Endpoint),
		slog.Int("max_parallel_ocr", cfg.Worker.MaxParallel),
	)

	return cfg, nil
}
