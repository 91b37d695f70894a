// Package config loads the worker configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/mhpenta/pagegen"
)

// Prefix of every environment variable read by Load.
const Prefix = "PAGEGEN"

// secretsDir is where Docker secrets are mounted.
var secretsDir = "/run/secrets"

// Config is the worker configuration.
type Config struct {
	HTTPPort    string `envconfig:"HTTP_PORT" default:"8090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// Providers. TextProvider is "gemini" or "openai".
	ImageModel    string `envconfig:"IMAGE_MODEL" default:"gemini-3-pro-image-preview"`
	TextModel     string `envconfig:"TEXT_MODEL" default:"gemini-2.5-flash"`
	TextProvider  string `envconfig:"TEXT_PROVIDER" default:"gemini"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL"`
	OpenAIModel   string `envconfig:"OPENAI_MODEL"`

	// Store is "postgres" or "memory".
	Store         string        `envconfig:"STORE" default:"postgres"`
	DBHost        string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" default:"pagegen"`
	DBName        string        `envconfig:"DB_NAME" default:"pagegen"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int32         `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE" default:"5m"`

	// RedisAddr enables the image cache, the shared cancel signal and the
	// distributed rate limiter. Empty disables all three.
	RedisAddr string `envconfig:"REDIS_ADDR"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`

	RabbitMQURL string `envconfig:"RABBITMQ_URL" required:"true"`
	TaskQueue   string `envconfig:"TASK_QUEUE" default:"pagegen_tasks"`
	CancelQueue string `envconfig:"CANCEL_QUEUE" default:"pagegen_cancel"`
	ResultQueue string `envconfig:"RESULT_QUEUE" default:"pagegen_results"`
	Prefetch    int    `envconfig:"PREFETCH" default:"1"`

	// Page images are written under StorageDir and served from StorageBaseURL.
	// An empty StorageDir keeps images in the store only.
	StorageDir     string `envconfig:"STORAGE_DIR"`
	StorageBaseURL string `envconfig:"STORAGE_BASE_URL" default:"http://localhost:8090/images"`

	// Zero budgets use the image model's published limits.
	TokensPerMinute   int  `envconfig:"TOKENS_PER_MINUTE" default:"0"`
	RequestsPerMinute int  `envconfig:"REQUESTS_PER_MINUTE" default:"0"`
	WaitOnRateLimit   bool `envconfig:"WAIT_ON_RATE_LIMIT" default:"true"`

	Engine pagegen.Settings `envconfig:"ENGINE"`

	// Secrets, read from files or the environment, never from tags.
	GeminiAPIKey  string `ignored:"true"`
	OpenAIAPIKey  string `ignored:"true"`
	DBPassword    string `ignored:"true"`
	RedisPassword string `ignored:"true"`
}

// Load reads .env when present, then the PAGEGEN_ environment, then secrets.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var err error
	if cfg.GeminiAPIKey, err = readSecret("gemini_api_key", "GEMINI_API_KEY", "GOOGLE_API_KEY"); err != nil {
		return nil, err
	}
	if cfg.TextProvider == "openai" {
		if cfg.OpenAIAPIKey, err = readSecret("openai_api_key", "OPENAI_API_KEY"); err != nil {
			return nil, err
		}
	}
	if cfg.Store == "postgres" {
		if cfg.DBPassword, err = readSecret("db_password", Prefix+"_DB_PASSWORD"); err != nil {
			return nil, err
		}
	}
	cfg.RedisPassword, _ = readSecret("redis_password", Prefix+"_REDIS_PASSWORD")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the enumerated fields.
func (c *Config) Validate() error {
	switch c.TextProvider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("unknown text provider %q", c.TextProvider)
	}
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Prefetch <= 0 {
		return errors.New("prefetch must be positive")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// readSecret reads /run/secrets/{name}, falling back to the first non-empty
// environment variable in envKeys.
func readSecret(name string, envKeys ...string) (string, error) {
	path := filepath.Join(secretsDir, name)
	if raw, err := os.ReadFile(path); err == nil {
		if secret := strings.TrimSpace(string(raw)); secret != "" {
			return secret, nil
		}
	}
	for _, key := range envKeys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("secret %s not found in %s or %s", name, path, strings.Join(envKeys, ", "))
}
