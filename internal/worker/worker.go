// Package worker provides async transaction scoring over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Scorer runs one transaction through the scoring pipeline.
type Scorer interface {
	Score(ctx context.Context, tx *domain.Transaction) (*pipeline.Result, error)
}

// Worker scores transactions published to domain.TopicTransactionIngested
// and publishes each outcome to domain.TopicDecision.
type Worker struct {
	bus     domain.EventBus
	scorer  Scorer
	onFatal func(error)

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
	fatalOnce     sync.Once
}

// NewWorker creates a new async worker. onFatal is called once when a run
// fails with an error that must stop the writer (a ledger sequence
// conflict); it may be nil.
func NewWorker(bus domain.EventBus, scorer Scorer, onFatal func(error)) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		scorer:  scorer,
		onFatal: onFatal,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// DecisionMessage is published to domain.TopicDecision for every message
// the worker handles. Error is set when scoring failed.
type DecisionMessage struct {
	TxID      string           `json:"txId"`
	ChainID   string           `json:"chainId"`
	Sequence  uint64           `json:"sequence,omitempty"`
	Decision  *domain.Decision `json:"decision,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"errorKind,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

// Start subscribes to the ingest topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicTransactionIngested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return fmt.Errorf("%w: %v", domain.ErrInvalidTransaction, err)
	}
	tx := req.ToTransaction()

	slog.Debug("processing transaction",
		"tx_id", tx.ID,
		"chain_id", tx.ChainID,
		"message_id", msg.ID,
	)

	out := DecisionMessage{TxID: tx.ID, ChainID: tx.ChainID}

	res, err := w.scorer.Score(ctx, tx)
	if err != nil {
		out.Error = err.Error()
		out.ErrorKind = domain.ErrorKind(err)
		out.Retryable = domain.IsRetryable(err)

		slog.Error("transaction scoring failed",
			"tx_id", tx.ID,
			"error_kind", out.ErrorKind,
			"error", err,
		)
		w.publish(ctx, out)

		if domain.IsFatal(err) {
			w.fatal(err)
		}
		return err
	}

	out.Sequence = res.Sequence
	out.Decision = res.Decision
	w.publish(ctx, out)

	slog.Info("transaction processed",
		"tx_id", tx.ID,
		"sequence", res.Sequence,
		"outcome", res.Decision.Outcome,
		"score", res.Decision.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) publish(ctx context.Context, out DecisionMessage) {
	payload, err := json.Marshal(out)
	if err != nil {
		slog.Error("failed to marshal decision", "tx_id", out.TxID, "error", err)
		return
	}
	if err := w.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Error("failed to publish decision",
			"tx_id", out.TxID,
			"error", err,
		)
	}
}

// fatal stops consuming and reports err once.
func (w *Worker) fatal(err error) {
	w.fatalOnce.Do(func() {
		slog.Error("fatal ledger error, stopping worker", "error", err)
		go func() {
			w.Stop()
			if w.onFatal != nil {
				w.onFatal(err)
			}
		}()
	})
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
