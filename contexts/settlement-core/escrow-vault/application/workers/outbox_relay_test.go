package workers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/adapters/memory"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/application/workers"
	"github.com/eyal42/x402global/contexts/settlement-core/escrow-vault/ports"
)

type publishedEvent struct {
	Topic string
	Event ports.EventEnvelope
}

type capturePublisher struct {
	published []publishedEvent
	err       error
}

func (p *capturePublisher) Publish(_ context.Context, topic string, event ports.EventEnvelope) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedEvent{Topic: topic, Event: event})
	return nil
}

func appendEnvelope(t *testing.T, store *memory.Store, eventID string, eventType string, offsetSeconds int) {
	t.Helper()
	err := store.AppendOutbox(context.Background(), ports.EventEnvelope{
		EventID:      eventID,
		EventType:    eventType,
		OccurredAt:   baseTime.Add(time.Duration(offsetSeconds) * time.Second),
		PartitionKey: "s1",
	})
	if err != nil {
		t.Fatalf("AppendOutbox: %v", err)
	}
}

func TestOutboxRelayPublishesPendingOnce(t *testing.T) {
	store := memory.NewStore()
	publisher := &capturePublisher{}
	relay := workers.OutboxRelay{
		Outbox:    store,
		Publisher: publisher,
		Clock:     fixedClock{now: baseTime},
		Logger:    discardLogger(),
	}

	appendEnvelope(t, store, "evt-1", "settlement.created", 0)
	appendEnvelope(t, store, "evt-2", "settlement.funds_pulled", 1)

	if err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(publisher.published) != 2 {
		t.Fatalf("published = %d, want 2", len(publisher.published))
	}
	if publisher.published[0].Topic != "settlement.created" || publisher.published[0].Event.EventID != "evt-1" {
		t.Fatalf("first publish = %+v", publisher.published[0])
	}
	if publisher.published[1].Topic != "settlement.funds_pulled" {
		t.Fatalf("second publish topic = %q", publisher.published[1].Topic)
	}

	// Already-published rows are not relayed again.
	if err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if len(publisher.published) != 2 {
		t.Fatalf("published after second cycle = %d, want 2", len(publisher.published))
	}
}

func TestOutboxRelayKeepsRowPendingOnPublishFailure(t *testing.T) {
	store := memory.NewStore()
	publisher := &capturePublisher{err: errors.New("broker unavailable")}
	relay := workers.OutboxRelay{
		Outbox:    store,
		Publisher: publisher,
		Clock:     fixedClock{now: baseTime},
		Logger:    discardLogger(),
	}

	appendEnvelope(t, store, "evt-1", "settlement.created", 0)

	if err := relay.RunOnce(context.Background()); err == nil {
		t.Fatalf("RunOnce should surface the publish failure")
	}

	pending, err := store.ListPendingOutbox(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPendingOutbox: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending rows = %d, want 1", len(pending))
	}

	// Once the broker recovers the row goes through.
	publisher.err = nil
	if err := relay.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce after recovery: %v", err)
	}
	pending, _ = store.ListPendingOutbox(context.Background(), 10)
	if len(pending) != 0 {
		t.Fatalf("pending rows after recovery = %d, want 0", len(pending))
	}
}
