// Package audit implements the append-only audit ledger of scoring decisions.
package audit

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultPageSize bounds each page fetched by ReadRange.
const DefaultPageSize = 256

// Ledger serialises appends onto a LedgerStore. It is the single logical
// writer of the sequence counter; every append goes through its mutex.
type Ledger struct {
	mu       sync.Mutex
	store    domain.LedgerStore
	next     uint64
	pageSize int
	now      func() time.Time

	// fault is set once the store rejects an append as out of order. Another
	// writer shares the store, so every later append is refused.
	fault error
}

// NewLedger opens a ledger over store, resuming after its current head.
func NewLedger(ctx context.Context, store domain.LedgerStore, pageSize int) (*Ledger, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	head, err := store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger head: %w", err)
	}

	slog.Info("audit ledger opened", "head", head)

	return &Ledger{
		store:    store,
		next:     head + 1,
		pageSize: pageSize,
		now:      time.Now,
	}, nil
}

// Append records entry and returns its sequence number. A zero
// entry.Sequence asks for the next one; any other value must equal it or the
// call fails with ErrSequenceConflict and nothing is written.
func (l *Ledger) Append(ctx context.Context, entry domain.AuditEntry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fault != nil {
		return 0, l.fault
	}
	if entry.Sequence != 0 && entry.Sequence != l.next {
		return 0, fmt.Errorf("%w: got sequence %d, expected %d", domain.ErrSequenceConflict, entry.Sequence, l.next)
	}

	entry.Sequence = l.next
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = l.now().UTC()
	}

	if err := l.store.Append(ctx, &entry); err != nil {
		err = fmt.Errorf("failed to append audit entry %d: %w", entry.Sequence, err)
		if domain.IsFatal(err) {
			l.fault = err
			slog.Error("audit ledger writer stopped", "sequence", entry.Sequence, "error", err)
		}
		return 0, err
	}

	l.next++
	return entry.Sequence, nil
}

// Head returns the last appended sequence, 0 when empty.
func (l *Ledger) Head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, seq uint64) (*domain.AuditEntry, error) {
	return l.store.Get(ctx, seq)
}

// ByTxID returns all entries for a transaction, oldest first.
func (l *Ledger) ByTxID(ctx context.Context, txID string) ([]*domain.AuditEntry, error) {
	return l.store.ByTxID(ctx, txID)
}

// ReadRange yields entries with from <= sequence <= to in order. to == 0
// reads up to the head at the time iteration starts, so the sequence is
// finite. Pages are fetched lazily and the sequence can be ranged over again.
func (l *Ledger) ReadRange(ctx context.Context, from, to uint64) iter.Seq2[*domain.AuditEntry, error] {
	return func(yield func(*domain.AuditEntry, error) bool) {
		end := to
		if end == 0 {
			end = l.Head()
		}
		cursor := max(from, 1)

		for cursor <= end {
			page, err := l.store.Range(ctx, cursor, end, l.pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("failed to read audit range from %d: %w", cursor, err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				cursor = e.Sequence + 1
			}
			if len(page) < l.pageSize {
				return
			}
		}
	}
}

// Err returns the fault that stopped the writer, or nil.
func (l *Ledger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fault
}

// Ping checks the underlying store. A stopped writer fails the check.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.Err(); err != nil {
		return err
	}
	return l.store.Ping(ctx)
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
