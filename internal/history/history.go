// Package history maintains the rolling counterparty state the feature
// extractor reads: per-chain risk tables and per-address activity counters.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	activityPrefix = "activity:"
	seenPrefix     = "seen:"
)

// Service tracks counterparty risk and recent activity.
// Risk tables live in memory and optionally in a CounterpartyStore; activity
// counters live in the cache so they are shared across instances in Pro tier.
type Service struct {
	mu     sync.RWMutex
	tables map[string]*domain.CounterpartyTable

	cache   domain.Cache
	store   domain.CounterpartyStore
	window  time.Duration
	seenTTL time.Duration
	now     func() time.Time
}

// NewService creates a history service. store may be nil.
func NewService(cache domain.Cache, store domain.CounterpartyStore, cfg domain.HistoryConfig) *Service {
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = time.Hour
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = 30 * 24 * time.Hour
	}
	return &Service{
		tables:  make(map[string]*domain.CounterpartyTable),
		cache:   cache,
		store:   store,
		window:  cfg.VelocityWindow,
		seenTTL: cfg.SeenTTL,
		now:     time.Now,
	}
}

// Restore loads every persisted risk table. Call once at startup.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	tables, err := s.store.ListCounterparties(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore counterparty tables: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tables {
		s.tables[t.ChainID] = t
	}

	slog.Info("counterparty tables restored", "chains", len(tables))
	return nil
}

// LoadCounterparties atomically replaces a chain's risk table and bumps its version.
func (s *Service) LoadCounterparties(ctx context.Context, chainID string, risk map[string]float64) (*domain.CounterpartyTable, error) {
	if chainID == "" {
		return nil, fmt.Errorf("%w: chain id is required", domain.ErrInvalidCounterparty)
	}
	for addr, r := range risk {
		if err := validRisk(addr, r); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var version uint64 = 1
	if cur, ok := s.tables[chainID]; ok {
		version = cur.Version + 1
	}

	table := &domain.CounterpartyTable{
		ChainID:   chainID,
		Version:   version,
		Risk:      maps.Clone(risk),
		UpdatedAt: s.now().UTC(),
	}
	if table.Risk == nil {
		table.Risk = make(map[string]float64)
	}

	if err := s.persist(ctx, table); err != nil {
		return nil, err
	}
	s.tables[chainID] = table

	slog.Info("counterparty table loaded",
		"chain_id", chainID,
		"version", version,
		"addresses", len(table.Risk),
	)
	return table, nil
}

// SetCounterpartyRisk upserts one address, producing a new table version.
func (s *Service) SetCounterpartyRisk(ctx context.Context, chainID, address string, risk float64) error {
	if chainID == "" {
		return fmt.Errorf("%w: chain id is required", domain.ErrInvalidCounterparty)
	}
	if err := validRisk(address, risk); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := &domain.CounterpartyTable{
		ChainID:   chainID,
		Version:   1,
		Risk:      map[string]float64{address: risk},
		UpdatedAt: s.now().UTC(),
	}
	if cur, ok := s.tables[chainID]; ok {
		next.Version = cur.Version + 1
		next.Risk = maps.Clone(cur.Risk)
		next.Risk[address] = risk
	}

	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.tables[chainID] = next
	return nil
}

// Table returns the current risk table for a chain, or nil if none was loaded.
func (s *Service) Table(chainID string) *domain.CounterpartyTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables[chainID]
}

// Snapshot copies the risk entries and activity counters for tx's addresses.
// Tables are replaced, never mutated, so the copy is consistent.
func (s *Service) Snapshot(ctx context.Context, tx *domain.Transaction) (*domain.HistorySnapshot, error) {
	s.mu.RLock()
	table := s.tables[tx.ChainID]
	s.mu.RUnlock()

	addrs := tx.Addresses()
	snap := &domain.HistorySnapshot{
		ChainID:          tx.ChainID,
		CounterpartyRisk: make(map[string]float64, len(addrs)),
		Activity:         make(map[string]int64, len(addrs)),
		Seen:             make(map[string]bool, len(addrs)),
		TakenAt:          s.now().UTC(),
	}
	if table != nil {
		snap.TableVersion = table.Version
		for _, addr := range addrs {
			if r, ok := table.Risk[addr]; ok {
				snap.CounterpartyRisk[addr] = r
			}
		}
	}

	if s.cache == nil {
		return snap, nil
	}

	for _, addr := range addrs {
		n, err := s.cache.GetCounter(ctx, tx.ChainID, activityPrefix+addr)
		if err != nil {
			return nil, fmt.Errorf("%w: activity for %s: %v", domain.ErrInsufficientData, addr, err)
		}
		if n > 0 {
			snap.Activity[addr] = n
		}

		seen, err := s.cache.Get(ctx, tx.ChainID, seenPrefix+addr)
		if err != nil {
			return nil, fmt.Errorf("%w: seen marker for %s: %v", domain.ErrInsufficientData, addr, err)
		}
		if seen != nil {
			snap.Seen[addr] = true
		}
	}

	return snap, nil
}

// RecordTransaction bumps the activity counter of every involved address
// and marks each address as seen.
func (s *Service) RecordTransaction(ctx context.Context, tx *domain.Transaction) error {
	if s.cache == nil {
		return nil
	}

	stamp := []byte(strconv.FormatInt(tx.Timestamp.Unix(), 10))
	for _, addr := range tx.Addresses() {
		if _, err := s.cache.IncrementCounter(ctx, tx.ChainID, activityPrefix+addr, s.window); err != nil {
			return fmt.Errorf("failed to record activity for %s: %w", addr, err)
		}
		if err := s.cache.Set(ctx, tx.ChainID, seenPrefix+addr, stamp, s.seenTTL); err != nil {
			return fmt.Errorf("failed to mark %s seen: %w", addr, err)
		}
	}
	return nil
}

func (s *Service) persist(ctx context.Context, table *domain.CounterpartyTable) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveCounterparties(ctx, table); err != nil {
		return fmt.Errorf("failed to persist counterparty table %s: %w", table.ChainID, err)
	}
	return nil
}

func validRisk(addr string, risk float64) error {
	if addr == "" {
		return fmt.Errorf("%w: empty counterparty address", domain.ErrInvalidCounterparty)
	}
	if math.IsNaN(risk) || risk < 0 || risk > 1 {
		return fmt.Errorf("%w: risk for %s must be in [0,1], got %v", domain.ErrInvalidCounterparty, addr, risk)
	}
	return nil
}
