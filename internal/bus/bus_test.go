package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		received := make(chan *domain.Message, 1)

		_, err := bus.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, "test.topic", []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-received:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
			}
			if msg.Topic != "test.topic" {
				t.Errorf("expected topic 'test.topic', got '%s'", msg.Topic)
			}
			if msg.ID == "" {
				t.Error("expected message id")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var a, b atomic.Int32
		done := make(chan struct{}, 1)

		bus.Subscribe(ctx, "isolation.a", func(ctx context.Context, msg *domain.Message) error {
			a.Add(1)
			done <- struct{}{}
			return nil
		})
		bus.Subscribe(ctx, "isolation.b", func(ctx context.Context, msg *domain.Message) error {
			b.Add(1)
			return nil
		})

		bus.Publish(ctx, "isolation.a", []byte("only-a"))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if a.Load() != 1 {
			t.Errorf("expected 1 message on a, got %d", a.Load())
		}
		if b.Load() != 0 {
			t.Errorf("expected 0 messages on b, got %d", b.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, err := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if sub.Topic() != "unsub.topic" {
			t.Errorf("expected topic 'unsub.topic', got '%s'", sub.Topic())
		}

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		bus.Publish(ctx, "unsub.topic", []byte("ignored"))
		time.Sleep(20 * time.Millisecond)

		if count.Load() != 0 {
			t.Errorf("expected no messages after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("RequestRespond", func(t *testing.T) {
		_, err := bus.Subscribe(ctx, "echo", func(ctx context.Context, msg *domain.Message) error {
			return bus.Respond(ctx, msg, append([]byte("echo:"), msg.Payload...))
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		reply, err := bus.Request(reqCtx, "echo", []byte("ping"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "echo:ping" {
			t.Errorf("expected 'echo:ping', got '%s'", string(reply))
		}
	})

	t.Run("RequestDeadline", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := bus.Request(reqCtx, "nobody.listens", []byte("ping"))
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("RespondWithoutReplyTopic", func(t *testing.T) {
		msg := &domain.Message{ID: "m-1", Metadata: map[string]string{}}
		if err := bus.Respond(ctx, msg, []byte("x")); err == nil {
			t.Error("expected error responding to a non-request message")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusClosed(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	if err := bus.Publish(ctx, "topic", nil); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe(ctx, "topic", func(context.Context, *domain.Message) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping on closed bus to fail")
	}
}

func TestNew(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("expected *ChannelBus, got %T", b)
	}

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported bus type")
	}
}

func TestNATSSubjects(t *testing.T) {
	b := &NATSBus{}

	tests := []struct {
		topic string
		want  string
	}{
		{domain.TopicDecision, "kestrel.decision"},
		{domain.TopicAlert, "kestrel.alert"},
		{domain.TopicTransactionIngested, "kestrel.transaction.ingested"},
		{domain.TopicModelPredict + ".remote-a", "kestrel.model.predict.remote-a"},
		{"custom.events", "kestrel.custom.events"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := b.makeSubject(tt.topic); got != tt.want {
				t.Errorf("makeSubject(%q) = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}
}
