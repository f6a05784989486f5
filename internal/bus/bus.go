// Package bus provides event bus implementations for fundguard.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/fundguard/internal/domain"
	"github.com/opensource-finance/fundguard/internal/traces"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// QueueSubscriber is implemented by buses that can load-balance a topic
// across a named group: each message goes to one member of the group.
type QueueSubscriber interface {
	QueueSubscribe(ctx context.Context, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error)
}

// New creates a new event bus based on configuration.
// "channel" returns an in-process ChannelBus, "nats" a NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Subscribe joins queue when the bus supports groups, otherwise it falls
// back to a plain subscription.
func Subscribe(ctx context.Context, b domain.EventBus, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if qs, ok := b.(QueueSubscriber); ok && queue != "" {
		return qs.QueueSubscribe(ctx, topic, queue, handler)
	}
	return b.Subscribe(ctx, topic, handler)
}

func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	traces.Inject(ctx, msg.Metadata)
	return msg
}
