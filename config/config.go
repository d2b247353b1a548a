// Package config resolves runtime configuration: defaults, then an optional
// YAML file, then .env, then environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chargeflow/collab"
	"chargeflow/evidence"
	"chargeflow/policy"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Storage struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
		MaxConns    int32  `yaml:"max_conns"`
	} `yaml:"storage"`

	Lease struct {
		RedisURL string        `yaml:"redis_url"`
		TTL      time.Duration `yaml:"ttl"`
		Wait     time.Duration `yaml:"wait"`
	} `yaml:"lease"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Policy struct {
		policy.Config    `yaml:",inline"`
		SmallRefundMinor int64 `yaml:"small_refund_minor"`
	} `yaml:"policy"`

	Evidence evidence.Config        `yaml:"evidence"`
	Archive  evidence.ArchiveConfig `yaml:"archive"`

	TextGen struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"textgen"`

	Orders    collab.Config `yaml:"orders"`
	Comms     collab.Config `yaml:"communications"`
	Processor collab.Config `yaml:"processor"`

	Auth struct {
		OperatorJWTSecret string `yaml:"operator_jwt_secret"`
	} `yaml:"auth"`

	Idempotency struct {
		CacheSize int `yaml:"cache_size"`
	} `yaml:"idempotency"`
}

func defaults() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.ShutdownTimeout = 15 * time.Second
	cfg.Log.Level = "info"
	cfg.Storage.Driver = DriverPostgres
	cfg.Storage.MaxConns = 20
	cfg.Lease.TTL = 2 * time.Minute
	cfg.Lease.Wait = 30 * time.Second
	cfg.Policy.Threshold = policy.DefaultThreshold
	cfg.Policy.AutoActions = append([]string(nil), policy.DefaultAutoActions...)
	cfg.Policy.SmallRefundMinor = policy.DefaultSmallRefundMinor
	cfg.Evidence = evidence.Config{
		Weights:        evidence.DefaultWeights(),
		SafetyMargin:   48 * time.Hour,
		CallTimeout:    20 * time.Second,
		Retries:        3,
		InitialBackoff: 200 * time.Millisecond,
		MaxExcerpts:    10,
	}
	cfg.Idempotency.CacheSize = 1024
	return cfg
}

// Load resolves configuration. A missing file at path is not an error.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("HTTP_ADDR", &cfg.HTTP.Addr)
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("STORAGE_DRIVER", &cfg.Storage.Driver)
	setString("DATABASE_URL", &cfg.Storage.DatabaseURL)
	setString("REDIS_URL", &cfg.Lease.RedisURL)
	setString("KAFKA_TOPIC", &cfg.Kafka.Topic)
	setString("OPERATOR_JWT_SECRET", &cfg.Auth.OperatorJWTSecret)
	setString("GEMINI_API_KEY", &cfg.TextGen.APIKey)
	setString("GEMINI_MODEL", &cfg.TextGen.Model)
	setString("MINIO_ENDPOINT", &cfg.Archive.Endpoint)
	setString("MINIO_ACCESS_KEY", &cfg.Archive.AccessKey)
	setString("MINIO_SECRET_KEY", &cfg.Archive.SecretKey)
	setString("MINIO_BUCKET", &cfg.Archive.Bucket)
	setString("ORDERS_BASE_URL", &cfg.Orders.BaseURL)
	setString("COMMUNICATIONS_BASE_URL", &cfg.Comms.BaseURL)
	setString("PROCESSOR_BASE_URL", &cfg.Processor.BaseURL)

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("POLICY_THRESHOLD")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: POLICY_THRESHOLD: %w", err)
		}
		cfg.Policy.Threshold = f
	}
	if v := strings.TrimSpace(os.Getenv("DB_MAX_CONNS")); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("config: DB_MAX_CONNS: %w", err)
		}
		cfg.Storage.MaxConns = int32(n)
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("config: storage.database_url (DATABASE_URL) is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Policy.Threshold <= 0 || c.Policy.Threshold > 1 {
		return fmt.Errorf("config: policy.threshold must be in (0, 1], got %v", c.Policy.Threshold)
	}
	if c.Lease.TTL < time.Second {
		return fmt.Errorf("config: lease.ttl must be at least 1s, got %v", c.Lease.TTL)
	}
	for cat, w := range c.Evidence.Weights {
		if w < 0 {
			return fmt.Errorf("config: evidence weight %s is negative", cat)
		}
	}
	return nil
}

// SlogLevel maps log.level to a slog level; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
