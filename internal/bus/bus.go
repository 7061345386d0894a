package bus

import (
	"context"
	"fmt"
	"time"
)

// Broker is the contract the RPC client consumes: topic-based pub/sub with
// partitioned queues, per-queue FIFO delivery, and string user properties
// per message. Implementations must be safe for concurrent use.
type Broker interface {
	// Core pub/sub operations. Publish routes by routingKey through the
	// configured QueueSelector when the key is non-empty; an empty key lets
	// the broker pick any queue.
	Publish(ctx context.Context, topic, routingKey string, props map[string]string, payload []byte) error
	Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topic, group string) error

	// Lifecycle management
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() HealthStatus

	// Administrative operations, used once at startup to assert topics
	CreateTopic(ctx context.Context, config TopicConfig) error
	TopicExists(ctx context.Context, topic string) (bool, error)
	QueueCount(ctx context.Context, topic string) (int, error)
}

// Message represents a single delivered message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Queue     int               `json:"queue"`
	Payload   []byte            `json:"payload"`
	Props     map[string]string `json:"props,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Offset    int64             `json:"offset,omitempty"`
}

// Prop returns the property value for key, empty string if not set.
func (m *Message) Prop(key string) string {
	if m.Props == nil {
		return ""
	}
	return m.Props[key]
}

// MessageHandler processes incoming messages. Returning an error counts the
// failure but never causes redelivery; delivery guarantees stay with the
// broker.
type MessageHandler func(ctx context.Context, message *Message) error

// TopicConfig holds topic configuration.
type TopicConfig struct {
	Name       string        `yaml:"name" json:"name"`
	Queues     int           `yaml:"queues" json:"queues"`
	Retention  time.Duration `yaml:"retention" json:"retention"`
	MaxMessage int64         `yaml:"max_message" json:"max_message"`
}

// HealthStatus indicates the health of a broker binding.
type HealthStatus struct {
	Healthy      bool      `json:"healthy"`
	Status       string    `json:"status"`
	Errors       []string  `json:"errors,omitempty"`
	ActiveTopics int       `json:"active_topics"`
	Subscribers  int       `json:"subscribers"`
	LastCheck    time.Time `json:"last_check"`
}

// BrokerType represents the available broker bindings.
type BrokerType string

const (
	BrokerTypeMemory BrokerType = "memory"
	BrokerTypeRedis  BrokerType = "redis"
)

// Config holds binding-independent broker settings.
type Config struct {
	Address        string        `yaml:"address"`
	ClientID       string        `yaml:"client_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	DefaultQueues  int           `yaml:"default_queues"`
	Selector       QueueSelector `yaml:"-"`
}

// NewBroker creates a broker binding of the given type.
func NewBroker(brokerType BrokerType, config Config) (Broker, error) {
	switch brokerType {
	case BrokerTypeMemory:
		return NewMemoryBroker(config), nil
	case BrokerTypeRedis:
		return NewRedisBroker(config)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBroker, brokerType)
	}
}

// Common errors
var (
	ErrUnsupportedBroker = fmt.Errorf("unsupported broker type")
	ErrBrokerNotStarted  = fmt.Errorf("broker not started")
	ErrTopicNotFound     = fmt.Errorf("topic not found")
	ErrTopicExists       = fmt.Errorf("topic already exists")
	ErrNoSubscription    = fmt.Errorf("no such subscription")
)
