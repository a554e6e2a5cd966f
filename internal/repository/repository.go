// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Append stores an audit entry. The head check and the insert share one
// database transaction so two writers can never both claim a sequence.
func (r *SQLRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if r.driver == "postgres" {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE audit_entries IN EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock audit table: %w", err)
		}
	}

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM audit_entries`).Scan(&head); err != nil {
		return fmt.Errorf("failed to read ledger head: %w", err)
	}
	if want := uint64(head.Int64) + 1; entry.Sequence != want {
		return fmt.Errorf("%w: got sequence %d, expected %d", domain.ErrSequenceConflict, entry.Sequence, want)
	}

	query := `
		INSERT INTO audit_entries (
			sequence, id, tx_id, chain_id, outcome, score,
			model_version, policy_version, recorded_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, r.rebind(query),
		int64(entry.Sequence), entry.ID, entry.TxID, entry.ChainID,
		string(entry.Decision.Outcome), entry.Score.Value,
		entry.Score.ModelVersion, entry.Decision.PolicyVersion,
		entry.RecordedAt, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return tx.Commit()
}

// Head returns the highest stored sequence, 0 when empty.
func (r *SQLRepository) Head(ctx context.Context) (uint64, error) {
	var head sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM audit_entries`).Scan(&head); err != nil {
		return 0, err
	}
	return uint64(head.Int64), nil
}

// Get retrieves one audit entry by sequence.
func (r *SQLRepository) Get(ctx context.Context, seq uint64) (*domain.AuditEntry, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM audit_entries WHERE sequence = ?`), int64(seq)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: audit entry %d", domain.ErrNotFound, seq)
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(payload)
}

// Range retrieves entries with from <= sequence <= to; to == 0 is open-ended.
func (r *SQLRepository) Range(ctx context.Context, from, to uint64, limit int) ([]*domain.AuditEntry, error) {
	query := `SELECT payload FROM audit_entries WHERE sequence >= ?`
	args := []any{int64(from)}
	if to != 0 {
		query += ` AND sequence <= ?`
		args = append(args, int64(to))
	}
	query += ` ORDER BY sequence`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return r.queryEntries(ctx, query, args...)
}

// ByTxID retrieves every entry recorded for a transaction, oldest first.
func (r *SQLRepository) ByTxID(ctx context.Context, txID string) ([]*domain.AuditEntry, error) {
	return r.queryEntries(ctx, `SELECT payload FROM audit_entries WHERE tx_id = ? ORDER BY sequence`, txID)
}

func (r *SQLRepository) queryEntries(ctx context.Context, query string, args ...any) ([]*domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		entry, err := decodeEntry(payload)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func decodeEntry(payload string) (*domain.AuditEntry, error) {
	var entry domain.AuditEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return nil, fmt.Errorf("failed to parse audit entry: %w", err)
	}
	return &entry, nil
}

// SaveCounterparties replaces a chain's stored risk table.
func (r *SQLRepository) SaveCounterparties(ctx context.Context, table *domain.CounterpartyTable) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO counterparty_tables (chain_id, version, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chain_id) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, r.rebind(upsert), table.ChainID, int64(table.Version), table.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to save counterparty table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM counterparty_risk WHERE chain_id = ?`), table.ChainID); err != nil {
		return fmt.Errorf("failed to clear counterparty risk: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(`INSERT INTO counterparty_risk (chain_id, address, risk) VALUES (?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for addr, risk := range table.Risk {
		if _, err := stmt.ExecContext(ctx, table.ChainID, addr, risk); err != nil {
			return fmt.Errorf("failed to save risk for %s: %w", addr, err)
		}
	}

	return tx.Commit()
}

// ListCounterparties loads every stored risk table.
func (r *SQLRepository) ListCounterparties(ctx context.Context) ([]*domain.CounterpartyTable, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT chain_id, version, updated_at FROM counterparty_tables ORDER BY chain_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []*domain.CounterpartyTable
	byChain := make(map[string]*domain.CounterpartyTable)
	for rows.Next() {
		var (
			t       domain.CounterpartyTable
			version int64
			updated int64
		)
		if err := rows.Scan(&t.ChainID, &version, &updated); err != nil {
			return nil, err
		}
		t.Version = uint64(version)
		t.UpdatedAt = time.Unix(0, updated).UTC()
		t.Risk = make(map[string]float64)
		tables = append(tables, &t)
		byChain[t.ChainID] = &t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	riskRows, err := r.db.QueryContext(ctx, `SELECT chain_id, address, risk FROM counterparty_risk`)
	if err != nil {
		return nil, err
	}
	defer riskRows.Close()

	for riskRows.Next() {
		var chainID, addr string
		var risk float64
		if err := riskRows.Scan(&chainID, &addr, &risk); err != nil {
			return nil, err
		}
		if t, ok := byChain[chainID]; ok {
			t.Risk[addr] = risk
		}
	}

	return tables, riskRows.Err()
}

// SavePolicy records an applied policy. Re-applying a version refreshes it.
func (r *SQLRepository) SavePolicy(ctx context.Context, policy *domain.Policy) error {
	body, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	query := `
		INSERT INTO policy_versions (version, model_version, applied_at, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			model_version = excluded.model_version,
			applied_at = excluded.applied_at,
			body = excluded.body
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		policy.Version, policy.ModelVersion, time.Now().UnixNano(), string(body),
	)
	return err
}

// LatestPolicy returns the most recently applied policy.
func (r *SQLRepository) LatestPolicy(ctx context.Context) (*domain.Policy, error) {
	var body string
	err := r.db.QueryRowContext(ctx, `SELECT body FROM policy_versions ORDER BY applied_at DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no stored policy", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var p domain.Policy
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("failed to parse stored policy: %w", err)
	}
	return &p, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
