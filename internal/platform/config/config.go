package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	minAuthSecretLength = 32
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	StoreDriver string `env:"STORE_DRIVER" default:"postgres"`
	RedisURL    string `env:"REDIS_URL"`
	AuthSecret  string `env:"AUTH_SECRET"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`
	AppTimezone string `env:"APP_TIMEZONE" default:"UTC"`

	StatusCacheTTL       time.Duration `env:"STATUS_CACHE_TTL" default:"60s"`
	StatusCacheSize      int           `env:"STATUS_CACHE_SIZE" default:"4096"`
	AdmissionTimeout     time.Duration `env:"ADMISSION_TIMEOUT" default:"3s"`
	AdmissionMaxAttempts int           `env:"ADMISSION_MAX_ATTEMPTS" default:"3"`
	WaitMinutesPerPatron int           `env:"WAIT_MINUTES_PER_PATRON" default:"15"`
	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" default:"30s"`

	WSIdleTimeout           time.Duration `env:"WS_IDLE_TIMEOUT" default:"5m"`
	WSHandshakeTimeout      time.Duration `env:"WS_HANDSHAKE_TIMEOUT" default:"10s"`
	MaxWebSocketConnections int           `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	AllowedOrigins          string        `env:"ALLOWED_ORIGINS"`

	APIRateLimit float64 `env:"API_RATE_LIMIT" default:"20"`
	APIRateBurst int     `env:"API_RATE_BURST" default:"40"`

	NotifyQueue       string `env:"NOTIFY_QUEUE" default:"notifications"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" default:"10"`

	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE" default:"booking.events"`
	RabbitMQQueue    string `env:"RABBITMQ_QUEUE" default:"consultq.appointments"`
	RabbitMQBinding  string `env:"RABBITMQ_BINDING" default:"appointment.*"`

	PubNubPublishKey   string `env:"PUBNUB_PUBLISH_KEY"`
	PubNubSubscribeKey string `env:"PUBNUB_SUBSCRIBE_KEY"`
	PubNubUserID       string `env:"PUBNUB_USER_ID" default:"consultq-worker"`
}

func Load() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker reads the same environment for the notification worker, which only
// talks to Redis and the push provider.
func LoadWorker() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, errors.New("WORKER_CONCURRENCY must be at least 1")
	}

	return cfg, nil
}

func parse() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"REDIS_URL":   cfg.RedisURL,
		"AUTH_SECRET": cfg.AuthSecret,
	}
	if cfg.StoreDriver != StoreDriverMemory {
		required["DATABASE_URL"] = cfg.DatabaseURL
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.StoreDriver != StoreDriverPostgres && cfg.StoreDriver != StoreDriverMemory {
		return fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory)
	}

	if len(cfg.AuthSecret) < minAuthSecretLength {
		return fmt.Errorf("AUTH_SECRET must be at least %d characters", minAuthSecretLength)
	}

	if _, err := time.LoadLocation(cfg.AppTimezone); err != nil {
		return fmt.Errorf("APP_TIMEZONE is invalid: %w", err)
	}

	if cfg.AdmissionMaxAttempts < 1 {
		return errors.New("ADMISSION_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.StatusCacheSize < 1 {
		return errors.New("STATUS_CACHE_SIZE must be at least 1")
	}

	return nil
}

// Location returns the clinic's timezone, used to decide what "today" means.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.AppTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) PubNubEnabled() bool {
	return c.PubNubPublishKey != "" && c.PubNubSubscribeKey != ""
}
