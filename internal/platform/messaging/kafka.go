package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"
)

// Kafka is the settlement event bus the outbox relay publishes into. Topics
// are the vault event types (settlement.created, settlement.funded, ...), one
// envelope per state transition, partitioned by settlement id so consumers
// see each settlement's history in order.
//
// Delivery is currently in-process fan-out; broker addresses are accepted and
// ignored until external broker wiring lands.
type Kafka struct {
	mu     sync.RWMutex
	topics map[string][]subscriber
	logger *slog.Logger
}

type subscriber struct {
	group string
	ch    chan ports.EventEnvelope
}

const subscriberBuffer = 128

func NewKafka(_ []string, logger *slog.Logger) (*Kafka, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		topics: make(map[string][]subscriber),
		logger: logger,
	}, nil
}

// Publish delivers the envelope to every subscriber of the topic. A
// subscriber whose buffer is full is skipped; the envelope is not redelivered
// to it, only the outbox row retains it.
func (k *Kafka) Publish(ctx context.Context, topic string, event ports.EventEnvelope) error {
	k.mu.RLock()
	subs := append([]subscriber(nil), k.topics[topic]...)
	k.mu.RUnlock()

	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub.ch <- event:
		default:
			k.logger.Warn("settlement event dropped for slow subscriber",
				"event", "messaging_publish_dropped",
				"module", "internal/platform/messaging",
				"layer", "platform",
				"topic", topic,
				"consumer_group", sub.group,
				"event_id", event.EventID,
				"partition_key", event.PartitionKey,
			)
		}
	}

	k.logger.Info("settlement event published",
		"event", "messaging_published",
		"module", "internal/platform/messaging",
		"layer", "platform",
		"topic", topic,
		"event_id", event.EventID,
		"event_type", event.EventType,
		"partition_key", event.PartitionKey,
	)
	return nil
}

// Subscribe registers handler for a topic until ctx is cancelled. Handler
// failures are logged and the subscription keeps consuming; the vault never
// depends on consumers, events are observability only.
func (k *Kafka) Subscribe(
	ctx context.Context,
	topic string,
	consumerGroup string,
	handler func(context.Context, ports.EventEnvelope) error,
) error {
	sub := subscriber{group: consumerGroup, ch: make(chan ports.EventEnvelope, subscriberBuffer)}

	k.mu.Lock()
	k.topics[topic] = append(k.topics[topic], sub)
	k.mu.Unlock()

	go k.consume(ctx, topic, sub, handler)
	return nil
}

func (k *Kafka) consume(
	ctx context.Context,
	topic string,
	sub subscriber,
	handler func(context.Context, ports.EventEnvelope) error,
) {
	for {
		select {
		case <-ctx.Done():
			k.unsubscribe(topic, sub.ch)
			return
		case event := <-sub.ch:
			if err := handler(ctx, event); err != nil {
				k.logger.Error("settlement event handler failed",
					"event", "messaging_consume_failed",
					"module", "internal/platform/messaging",
					"layer", "platform",
					"topic", topic,
					"consumer_group", sub.group,
					"event_id", event.EventID,
					"event_type", event.EventType,
					"error", err.Error(),
				)
			}
		}
	}
}

func (k *Kafka) unsubscribe(topic string, target chan ports.EventEnvelope) {
	k.mu.Lock()
	defer k.mu.Unlock()

	subs := k.topics[topic]
	kept := subs[:0]
	for _, sub := range subs {
		if sub.ch != target {
			kept = append(kept, sub)
		}
	}
	k.topics[topic] = kept
}

var _ ports.EventPublisher = (*Kafka)(nil)
