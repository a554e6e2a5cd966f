package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryStore is an in-process LedgerStore for tests and single-node demos.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*domain.AuditEntry
	byTx    map[string][]uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTx: make(map[string][]uint64)}
}

// Append implements domain.LedgerStore.
func (s *MemoryStore) Append(ctx context.Context, entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.entries)) + 1; entry.Sequence != want {
		return fmt.Errorf("%w: got sequence %d, expected %d", domain.ErrSequenceConflict, entry.Sequence, want)
	}

	stored := *entry
	s.entries = append(s.entries, &stored)
	s.byTx[entry.TxID] = append(s.byTx[entry.TxID], entry.Sequence)
	return nil
}

// Head implements domain.LedgerStore.
func (s *MemoryStore) Head(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}

// Get implements domain.LedgerStore.
func (s *MemoryStore) Get(ctx context.Context, seq uint64) (*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if seq == 0 || seq > uint64(len(s.entries)) {
		return nil, fmt.Errorf("%w: audit entry %d", domain.ErrNotFound, seq)
	}
	e := *s.entries[seq-1]
	return &e, nil
}

// Range implements domain.LedgerStore.
func (s *MemoryStore) Range(ctx context.Context, from, to uint64, limit int) ([]*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from = max(from, 1)
	end := uint64(len(s.entries))
	if to != 0 && to < end {
		end = to
	}

	var out []*domain.AuditEntry
	for seq := from; seq <= end; seq++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := *s.entries[seq-1]
		out = append(out, &e)
	}
	return out, nil
}

// ByTxID implements domain.LedgerStore.
func (s *MemoryStore) ByTxID(ctx context.Context, txID string) ([]*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seqs := s.byTx[txID]
	out := make([]*domain.AuditEntry, 0, len(seqs))
	for _, seq := range seqs {
		e := *s.entries[seq-1]
		out = append(out, &e)
	}
	return out, nil
}

// Ping implements domain.LedgerStore.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close implements domain.LedgerStore.
func (s *MemoryStore) Close() error { return nil }
