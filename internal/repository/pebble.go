package repository

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Key prefixes
const (
	prefixSequence = "seq:"
	prefixTxIndex  = "tx:"
	keyHead        = "meta:head"
)

// PebbleLedger is an embedded LedgerStore on cockroachdb/pebble.
// Entries live under seq:<be64>, a per-transaction index under
// tx:<txid>:<be64>, and the head under meta:head. All three are written in
// one synced batch.
type PebbleLedger struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenPebbleLedger opens (or creates) a ledger directory.
func OpenPebbleLedger(path string) (*PebbleLedger, error) {
	if path == "" {
		path = "./kestrel-ledger"
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MaxOpenFiles: 500,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble ledger: %w", err)
	}

	return &PebbleLedger{db: db}, nil
}

// Append implements domain.LedgerStore.
func (p *PebbleLedger) Append(ctx context.Context, entry *domain.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	head, err := p.head()
	if err != nil {
		return err
	}
	if want := head + 1; entry.Sequence != want {
		return fmt.Errorf("%w: got sequence %d, expected %d", domain.ErrSequenceConflict, entry.Sequence, want)
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(seqKey(entry.Sequence), payload, nil); err != nil {
		return err
	}
	if err := batch.Set(txKey(entry.TxID, entry.Sequence), nil, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyHead), encodeSeq(entry.Sequence), nil); err != nil {
		return err
	}

	return batch.Commit(pebble.Sync)
}

// Head implements domain.LedgerStore.
func (p *PebbleLedger) Head(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head()
}

func (p *PebbleLedger) head() (uint64, error) {
	value, closer, err := p.db.Get([]byte(keyHead))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger head: %w", err)
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, fmt.Errorf("corrupt ledger head: %d bytes", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

// Get implements domain.LedgerStore.
func (p *PebbleLedger) Get(ctx context.Context, seq uint64) (*domain.AuditEntry, error) {
	value, closer, err := p.db.Get(seqKey(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: audit entry %d", domain.ErrNotFound, seq)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var entry domain.AuditEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse audit entry %d: %w", seq, err)
	}
	return &entry, nil
}

// Range implements domain.LedgerStore.
func (p *PebbleLedger) Range(ctx context.Context, from, to uint64, limit int) ([]*domain.AuditEntry, error) {
	upper := prefixUpperBound([]byte(prefixSequence))
	if to != 0 && to < ^uint64(0) {
		upper = seqKey(to + 1)
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: seqKey(max(from, 1)),
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []*domain.AuditEntry
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(entries) >= limit {
			break
		}
		var entry domain.AuditEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, fmt.Errorf("failed to parse audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}

	return entries, iter.Error()
}

// ByTxID implements domain.LedgerStore.
func (p *PebbleLedger) ByTxID(ctx context.Context, txID string) ([]*domain.AuditEntry, error) {
	prefix := []byte(prefixTxIndex + txID + ":")

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}

	var seqs []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		// Another tx id may share this prefix; only an exact 8-byte suffix matches.
		if len(key) != len(prefix)+8 || !bytes.HasPrefix(key, prefix) {
			continue
		}
		seqs = append(seqs, binary.BigEndian.Uint64(key[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return nil, err
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	entries := make([]*domain.AuditEntry, 0, len(seqs))
	for _, seq := range seqs {
		entry, err := p.Get(ctx, seq)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Ping implements domain.LedgerStore.
func (p *PebbleLedger) Ping(ctx context.Context) error {
	_, err := p.Head(ctx)
	return err
}

// Close implements domain.LedgerStore.
func (p *PebbleLedger) Close() error {
	return p.db.Close()
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func seqKey(seq uint64) []byte {
	return append([]byte(prefixSequence), encodeSeq(seq)...)
}

func txKey(txID string, seq uint64) []byte {
	return append([]byte(prefixTxIndex+txID+":"), encodeSeq(seq)...)
}

// prefixUpperBound returns the upper bound for prefix iteration
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
