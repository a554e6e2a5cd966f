// Package alert hands escalated decisions to downstream case management.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Notifier delivers an escalation. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
	Close() error
}

// Alert is the payload sent for every escalated decision.
type Alert struct {
	Sequence   uint64           `json:"sequence"`
	Decision   *domain.Decision `json:"decision"`
	TotalValue int64            `json:"totalValue"`
	Amount     string           `json:"amount"`
	RuleIDs    []string         `json:"ruleIds,omitempty"`
}

// NewAlert builds an alert from a decision and its transaction.
func NewAlert(seq uint64, tx *domain.Transaction, d *domain.Decision, ruleIDs []string) *Alert {
	a := &Alert{
		Sequence: seq,
		Decision: d,
		RuleIDs:  ruleIDs,
	}
	if tx != nil {
		a.TotalValue = tx.TotalOutput()
		a.Amount = btcutil.Amount(a.TotalValue).String()
	}
	return a
}

// Envelope wraps alerts on the wire.
type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"`
	Data json.RawMessage `json:"data"`
}

const envelopeType = "kestrel.escalation"

func encode(a *Alert) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert: %w", err)
	}
	return json.Marshal(Envelope{
		Type: envelopeType,
		TS:   time.Now().UnixMilli(),
		Data: data,
	})
}

// Decode unpacks an envelope produced by any notifier.
func Decode(payload []byte) (*Alert, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to parse alert envelope: %w", err)
	}
	if env.Type != envelopeType {
		return nil, fmt.Errorf("unexpected envelope type %q", env.Type)
	}
	var a Alert
	if err := json.Unmarshal(env.Data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse alert: %w", err)
	}
	return &a, nil
}

// New creates the notifier selected by configuration.
func New(cfg domain.AlertsConfig, bus domain.EventBus) (Notifier, error) {
	switch cfg.Type {
	case "none", "":
		return Nop{}, nil
	case "bus":
		if bus == nil {
			return nil, fmt.Errorf("bus alerts require an event bus")
		}
		return NewBusNotifier(bus), nil
	case "kafka":
		return NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
	default:
		return nil, fmt.Errorf("unsupported alerts type: %s", cfg.Type)
	}
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Notify(context.Context, *Alert) error { return nil }
func (Nop) Close() error                         { return nil }

// BusNotifier publishes alerts to domain.TopicAlert.
type BusNotifier struct {
	bus domain.EventBus
}

// NewBusNotifier creates a notifier on an existing event bus.
func NewBusNotifier(bus domain.EventBus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Notify implements Notifier.
func (n *BusNotifier) Notify(ctx context.Context, a *Alert) error {
	payload, err := encode(a)
	if err != nil {
		return err
	}
	return n.bus.Publish(ctx, domain.TopicAlert, payload)
}

// Close is a no-op; the bus is owned by the caller.
func (n *BusNotifier) Close() error { return nil }
