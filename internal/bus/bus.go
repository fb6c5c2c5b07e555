// Package bus provides the async queue between the adapter's live event
// feed and the ingestion pipeline.
package bus

import (
	"context"

	"github.com/AgentGate/AgentGate/internal/adapter"
)

// FeedBus decouples the adapter feed task from the ingest loop while
// preserving per-source ordering (single channel, single consumer).
type FeedBus struct {
	inbound chan *adapter.Message
}

// NewFeedBus creates a feed bus with a bounded buffer.
func NewFeedBus() *FeedBus {
	return &FeedBus{inbound: make(chan *adapter.Message, 256)}
}

// Inbound exposes the raw channel for the adapter feed to publish into.
func (b *FeedBus) Inbound() chan<- *adapter.Message { return b.inbound }

// Publish enqueues a message, honoring context cancellation when the
// buffer is full.
func (b *FeedBus) Publish(ctx context.Context, msg *adapter.Message) error {
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume blocks until a message is available or the context ends.
func (b *FeedBus) Consume(ctx context.Context) (*adapter.Message, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the number of queued messages.
func (b *FeedBus) Size() int { return len(b.inbound) }
