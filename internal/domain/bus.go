package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	// The context deadline bounds the wait.
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Respond answers a message received through Request.
	Respond(ctx context.Context, msg *Message, payload []byte) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// MetadataReplyTo carries the reply topic of a request.
const MetadataReplyTo = "reply_to"

// ReplyTo returns the topic a response should go to, if any.
func (m *Message) ReplyTo() string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata[MetadataReplyTo]
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds
}

// Standard topic names for the scoring pipeline.
const (
	TopicTransactionIngested = "kestrel.transaction.ingested"
	TopicDecision            = "kestrel.decision"
	TopicAlert               = "kestrel.alert"
	TopicModelPredict        = "kestrel.model.predict"
)
