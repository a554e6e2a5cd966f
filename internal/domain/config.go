package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines feature availability
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`
	Alerts     AlertsConfig     `yaml:"alerts"`

	// Pipeline settings
	Chain   ChainConfig   `yaml:"chain"`
	History HistoryConfig `yaml:"history"`
	Scoring ScoringConfig `yaml:"scoring"`
	Policy  PolicyConfig  `yaml:"policy"`
	Worker  WorkerConfig  `yaml:"worker"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds
}

// LedgerConfig selects where audit entries are stored.
type LedgerConfig struct {
	// Driver is "memory", "sql" (uses the repository) or "pebble"
	Driver     string `yaml:"driver"`
	PebblePath string `yaml:"pebblePath"`

	// PageSize bounds each lazy page fetched by range reads.
	PageSize int `yaml:"pageSize"`
}

// AlertsConfig selects the notifier for escalated decisions.
type AlertsConfig struct {
	// Type is "none", "bus" or "kafka"
	Type         string        `yaml:"type"`
	KafkaBrokers string        `yaml:"kafkaBrokers"` // comma separated
	KafkaTopic   string        `yaml:"kafkaTopic"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ChainConfig describes the chain raw transactions are decoded for.
type ChainConfig struct {
	ID      string `yaml:"id"`
	Network string `yaml:"network"` // mainnet, testnet3, regtest, signet
}

// HistoryConfig tunes the rolling counterparty state.
type HistoryConfig struct {
	VelocityWindow time.Duration `yaml:"velocityWindow"`
	SeenTTL        time.Duration `yaml:"seenTTL"`
}

// ScoringConfig holds model registry settings.
type ScoringConfig struct {
	// ModelTimeout bounds every model call; remote models fail closed past it.
	ModelTimeout time.Duration `yaml:"modelTimeout"`

	// RemoteModels are model versions served by an external predictor over the bus.
	RemoteModels []string `yaml:"remoteModels"`

	// RuleWorkers bounds parallel rule evaluation.
	RuleWorkers int `yaml:"ruleWorkers"`

	// BatchLimit bounds concurrent runs in batch scoring.
	BatchLimit int `yaml:"batchLimit"`
}

// PolicyConfig points at the hot-reloadable policy file.
type PolicyConfig struct {
	Path string `yaml:"path"`
}

// WorkerConfig controls the async bus worker.
type WorkerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
	Endpoint    string `yaml:"endpoint"` // OTLP gRPC endpoint
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite, channels and an in-process LRU.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Ledger: LedgerConfig{
			Driver:   "sql",
			PageSize: 256,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Alerts: AlertsConfig{
			Type:    "bus",
			Timeout: 5 * time.Second,
		},
		Chain: ChainConfig{
			ID:      "bitcoin",
			Network: "mainnet",
		},
		History: HistoryConfig{
			VelocityWindow: time.Hour,
			SeenTTL:        30 * 24 * time.Hour,
		},
		Scoring: ScoringConfig{
			ModelTimeout: 2 * time.Second,
			RuleWorkers:  16,
			BatchLimit:   32,
		},
		Policy: PolicyConfig{
			Path: "./policy.yaml",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
