// Package config loads the service configuration from defaults, an optional
// YAML file and KESTREL_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL_"

// Load builds the configuration. A missing file at path is not an error.
// KESTREL_TIER selects the base defaults before the file is applied.
func Load(path string) (*domain.Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if domain.Tier(getEnv("TIER", "")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := loadEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnv(c *domain.Config) error {
	c.Server.Host = getEnv("HOST", c.Server.Host)
	if err := envInt("PORT", &c.Server.Port); err != nil {
		return err
	}

	c.Repository.Driver = getEnv("DB_DRIVER", c.Repository.Driver)
	c.Repository.SQLitePath = getEnv("SQLITE_PATH", c.Repository.SQLitePath)
	c.Repository.PostgresHost = getEnv("POSTGRES_HOST", c.Repository.PostgresHost)
	if err := envInt("POSTGRES_PORT", &c.Repository.PostgresPort); err != nil {
		return err
	}
	c.Repository.PostgresUser = getEnv("POSTGRES_USER", c.Repository.PostgresUser)
	c.Repository.PostgresPassword = getEnv("POSTGRES_PASSWORD", c.Repository.PostgresPassword)
	c.Repository.PostgresDB = getEnv("POSTGRES_DB", c.Repository.PostgresDB)
	c.Repository.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", c.Repository.PostgresSSLMode)

	c.Ledger.Driver = getEnv("LEDGER_DRIVER", c.Ledger.Driver)
	c.Ledger.PebblePath = getEnv("LEDGER_PEBBLE_PATH", c.Ledger.PebblePath)

	c.Cache.Type = getEnv("CACHE_TYPE", c.Cache.Type)
	c.Cache.RedisAddr = getEnv("REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = getEnv("REDIS_PASSWORD", c.Cache.RedisPassword)

	c.EventBus.Type = getEnv("EVENTBUS_TYPE", c.EventBus.Type)
	c.EventBus.NATSUrl = getEnv("NATS_URL", c.EventBus.NATSUrl)
	c.EventBus.NATSToken = getEnv("NATS_TOKEN", c.EventBus.NATSToken)

	c.Alerts.Type = getEnv("ALERTS_TYPE", c.Alerts.Type)
	c.Alerts.KafkaBrokers = getEnv("KAFKA_BROKERS", c.Alerts.KafkaBrokers)
	c.Alerts.KafkaTopic = getEnv("KAFKA_TOPIC", c.Alerts.KafkaTopic)

	c.Chain.ID = getEnv("CHAIN_ID", c.Chain.ID)
	c.Chain.Network = getEnv("CHAIN_NETWORK", c.Chain.Network)

	if err := envDuration("MODEL_TIMEOUT", &c.Scoring.ModelTimeout); err != nil {
		return err
	}
	if models := getEnv("REMOTE_MODELS", ""); models != "" {
		c.Scoring.RemoteModels = splitList(models)
	}
	if err := envDuration("VELOCITY_WINDOW", &c.History.VelocityWindow); err != nil {
		return err
	}

	c.Policy.Path = getEnv("POLICY_PATH", c.Policy.Path)
	if err := envBool("ASYNC_WORKER", &c.Worker.Enabled); err != nil {
		return err
	}

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	if err := envBool("TRACING_ENABLED", &c.Tracing.Enabled); err != nil {
		return err
	}
	c.Tracing.Endpoint = getEnv("OTLP_ENDPOINT", c.Tracing.Endpoint)

	return nil
}

// Validate rejects configurations the service cannot start with.
func Validate(c *domain.Config) error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Ledger.Driver {
	case "memory", "sql", "pebble", "":
	default:
		return fmt.Errorf("unsupported ledger driver: %s", c.Ledger.Driver)
	}
	switch c.Alerts.Type {
	case "none", "bus", "":
	case "kafka":
		if c.Alerts.KafkaBrokers == "" || c.Alerts.KafkaTopic == "" {
			return fmt.Errorf("kafka alerts require brokers and topic")
		}
	default:
		return fmt.Errorf("unsupported alerts type: %s", c.Alerts.Type)
	}
	if c.Chain.ID == "" {
		return fmt.Errorf("chain id is required")
	}
	if c.Scoring.ModelTimeout <= 0 {
		return fmt.Errorf("scoring model timeout must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return defaultValue
}

func envInt(key string, dst *int) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
