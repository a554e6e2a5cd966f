package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// fakeScorer approves everything unless err is set.
type fakeScorer struct {
	err error
	seq uint64
}

func (f *fakeScorer) Score(ctx context.Context, tx *domain.Transaction) (*pipeline.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.seq++
	return &pipeline.Result{
		Sequence: f.seq,
		Decision: &domain.Decision{TxID: tx.ID, ChainID: tx.ChainID, Outcome: domain.OutcomeApprove},
	}, nil
}

func publishTx(t *testing.T, b domain.EventBus, id string) {
	t.Helper()
	payload, _ := json.Marshal(domain.TransactionRequest{
		ChainID: "bitcoin",
		TxID:    id,
		Inputs:  []domain.TxInput{{Address: "bc1-alice", Value: 100_000}},
		Outputs: []domain.TxOutput{{Address: "bc1-bob", Value: 90_000}},
	})
	if err := b.Publish(context.Background(), domain.TopicTransactionIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func decisions(t *testing.T, b domain.EventBus) <-chan DecisionMessage {
	t.Helper()
	ch := make(chan DecisionMessage, 10)
	_, err := b.Subscribe(context.Background(), domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		var out DecisionMessage
		if err := json.Unmarshal(msg.Payload, &out); err != nil {
			return err
		}
		ch <- out
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return ch
}

func await(t *testing.T, ch <-chan DecisionMessage) DecisionMessage {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(time.Second):
		t.Fatal("no decision published")
		return DecisionMessage{}
	}
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &fakeScorer{}, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicTransactionIngested {
			t.Errorf("unexpected stats: %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("PublishesDecision", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		out := decisions(t, eventBus)
		w := NewWorker(eventBus, &fakeScorer{}, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publishTx(t, eventBus, "tx-001")

		got := await(t, out)
		if got.TxID != "tx-001" || got.Sequence != 1 {
			t.Errorf("unexpected decision message: %+v", got)
		}
		if got.Decision == nil || got.Decision.Outcome != domain.OutcomeApprove {
			t.Errorf("expected APPROVE, got %+v", got.Decision)
		}
	})

	t.Run("PublishesFailure", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		out := decisions(t, eventBus)
		scorer := &fakeScorer{err: fmt.Errorf("%w: no risk table", domain.ErrInsufficientData)}
		w := NewWorker(eventBus, scorer, nil)
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publishTx(t, eventBus, "tx-002")

		got := await(t, out)
		if got.ErrorKind != "insufficient_data" || !got.Retryable {
			t.Errorf("unexpected failure message: %+v", got)
		}
		if got.Decision != nil {
			t.Error("failed runs must not carry a decision")
		}
		if w.GetStats().SubscriptionCount != 1 {
			t.Error("retryable failures must not stop the worker")
		}
	})

	t.Run("FatalStopsWorker", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		fatal := make(chan error, 1)
		scorer := &fakeScorer{err: fmt.Errorf("%w: got 3, expected 5", domain.ErrSequenceConflict)}
		w := NewWorker(eventBus, scorer, func(err error) { fatal <- err })
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		publishTx(t, eventBus, "tx-003")

		select {
		case err := <-fatal:
			if !domain.IsFatal(err) {
				t.Errorf("expected sequence conflict, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("onFatal not called")
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected worker to stop consuming after a fatal error")
		}
	})

	t.Run("MalformedPayload", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &fakeScorer{}, nil)
		msg := &domain.Message{ID: "m-1", Payload: []byte("{not json")}
		if err := w.handleMessage(context.Background(), msg); err == nil {
			t.Error("expected parse error")
		}
	})
}
