package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// KafkaNotifier sends alerts to a Kafka topic and waits for the broker ack.
type KafkaNotifier struct {
	topic string
	sp    sarama.SyncProducer
}

// NewKafkaNotifier connects a synchronous producer to the given brokers.
func NewKafkaNotifier(brokersCSV string, topic string) (*KafkaNotifier, error) {
	if topic == "" {
		return nil, errors.New("kafka topic empty")
	}
	brokers := splitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond

	// SyncProducer requires Return.Successes.
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_1_0_0

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaNotifierWithProducer(sp, topic), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer.
func NewKafkaNotifierWithProducer(sp sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{topic: topic, sp: sp}
}

// Notify implements Notifier. Alerts are keyed by transaction id so every
// escalation for one transaction lands on the same partition.
func (k *KafkaNotifier) Notify(ctx context.Context, a *Alert) error {
	payload, err := encode(a)
	if err != nil {
		return err
	}

	// sarama has no context support; check before sending.
	if err := ctx.Err(); err != nil {
		return err
	}

	var key string
	if a.Decision != nil {
		key = a.Decision.TxID
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	if _, _, err := k.sp.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	return nil
}

// Close implements Notifier.
func (k *KafkaNotifier) Close() error {
	if k.sp != nil {
		return k.sp.Close()
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
