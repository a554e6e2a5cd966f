package alert

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func testAlert() *Alert {
	tx := &domain.Transaction{
		ChainID: "bitcoin",
		ID:      "tx-esc",
		Inputs:  []domain.TxInput{{Address: "a", Value: 150_000_000}},
		Outputs: []domain.TxOutput{{Address: "b", Value: 149_990_000}},
	}
	d := &domain.Decision{TxID: "tx-esc", ChainID: "bitcoin", Outcome: domain.OutcomeEscalate, Score: 0.91}
	return NewAlert(7, tx, d, []string{"sanctions"})
}

func TestNewAlert(t *testing.T) {
	a := testAlert()
	if a.TotalValue != 149_990_000 {
		t.Errorf("expected total value 149990000, got %d", a.TotalValue)
	}
	if !strings.HasPrefix(a.Amount, "1.4999") || !strings.HasSuffix(a.Amount, " BTC") {
		t.Errorf("expected amount of 1.4999 BTC, got %q", a.Amount)
	}
}

func TestBusNotifier(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	got := make(chan *Alert, 1)
	_, err := b.Subscribe(context.Background(), domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		a, err := Decode(msg.Payload)
		if err != nil {
			return err
		}
		got <- a
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	n := NewBusNotifier(b)
	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	select {
	case a := <-got:
		if a.Sequence != 7 || a.Decision.TxID != "tx-esc" {
			t.Errorf("unexpected alert: %+v", a)
		}
		if len(a.RuleIDs) != 1 || a.RuleIDs[0] != "sanctions" {
			t.Errorf("expected rule ids [sanctions], got %v", a.RuleIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("alert not delivered")
	}
}

func TestKafkaNotifier(t *testing.T) {
	t.Run("SendsEnvelope", func(t *testing.T) {
		sp := mocks.NewSyncProducer(t, nil)
		sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			if msg.Topic != "alerts" {
				t.Errorf("expected topic alerts, got %s", msg.Topic)
			}
			key, _ := msg.Key.Encode()
			if string(key) != "tx-esc" {
				t.Errorf("expected key tx-esc, got %s", key)
			}
			value, _ := msg.Value.Encode()
			a, err := Decode(value)
			if err != nil {
				return err
			}
			if a.Decision.Outcome != domain.OutcomeEscalate {
				t.Errorf("expected ESCALATE, got %s", a.Decision.Outcome)
			}
			return nil
		})

		n := NewKafkaNotifierWithProducer(sp, "alerts")
		if err := n.Notify(context.Background(), testAlert()); err != nil {
			t.Fatalf("notify failed: %v", err)
		}
		if err := n.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}
	})

	t.Run("BrokerFailure", func(t *testing.T) {
		sp := mocks.NewSyncProducer(t, nil)
		sp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

		n := NewKafkaNotifierWithProducer(sp, "alerts")
		err := n.Notify(context.Background(), testAlert())
		if !errors.Is(err, sarama.ErrNotLeaderForPartition) {
			t.Errorf("expected broker error, got %v", err)
		}
		n.Close()
	})

	t.Run("CanceledContext", func(t *testing.T) {
		sp := mocks.NewSyncProducer(t, nil)
		n := NewKafkaNotifierWithProducer(sp, "alerts")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := n.Notify(ctx, testAlert()); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		n.Close()
	})
}

func TestNew(t *testing.T) {
	b := bus.NewChannelBus(1)
	defer b.Close()

	tests := []struct {
		name    string
		cfg     domain.AlertsConfig
		bus     domain.EventBus
		wantErr bool
	}{
		{"None", domain.AlertsConfig{Type: "none"}, nil, false},
		{"Empty", domain.AlertsConfig{}, nil, false},
		{"Bus", domain.AlertsConfig{Type: "bus"}, b, false},
		{"BusWithoutBus", domain.AlertsConfig{Type: "bus"}, nil, true},
		{"KafkaNoTopic", domain.AlertsConfig{Type: "kafka", KafkaBrokers: "localhost:9092"}, nil, true},
		{"KafkaNoBrokers", domain.AlertsConfig{Type: "kafka", KafkaTopic: "alerts"}, nil, true},
		{"Unknown", domain.AlertsConfig{Type: "pager"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := New(tt.cfg, tt.bus)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if n != nil {
				n.Close()
			}
		})
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" a:9092, ,b:9092,")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("unexpected split: %v", got)
	}
}
