package domain

import (
	"context"
	"time"
)

// LedgerStore persists audit entries. It is append-only: there is no update
// or delete path. Append must reject any entry whose Sequence is not exactly
// Head()+1 with ErrSequenceConflict.
type LedgerStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Head(ctx context.Context) (uint64, error)
	Get(ctx context.Context, seq uint64) (*AuditEntry, error)

	// Range returns up to limit entries with from <= Sequence <= to, ordered by
	// sequence. to == 0 means no upper bound.
	Range(ctx context.Context, from, to uint64, limit int) ([]*AuditEntry, error)

	// ByTxID returns every entry recorded for the transaction, oldest first.
	ByTxID(ctx context.Context, txID string) ([]*AuditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// CounterpartyStore persists counterparty risk tables.
type CounterpartyStore interface {
	SaveCounterparties(ctx context.Context, table *CounterpartyTable) error
	ListCounterparties(ctx context.Context) ([]*CounterpartyTable, error)
}

// PolicyStore keeps the history of applied policies.
type PolicyStore interface {
	SavePolicy(ctx context.Context, policy *Policy) error
	LatestPolicy(ctx context.Context) (*Policy, error)
}

// Repository is the SQL-backed persistence surface.
type Repository interface {
	LedgerStore
	CounterpartyStore
	PolicyStore
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "none"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDB"`
	PostgresSSLMode  string `yaml:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
