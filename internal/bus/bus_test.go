package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AgentGate/AgentGate/internal/adapter"
)

func TestPublishConsumePreservesOrder(t *testing.T) {
	b := NewFeedBus()
	ctx := context.Background()

	for _, id := range []string{"1.1", "1.2", "1.3"} {
		if err := b.Publish(ctx, &adapter.Message{ExternalID: id}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if b.Size() != 3 {
		t.Fatalf("Size = %d", b.Size())
	}
	for _, want := range []string{"1.1", "1.2", "1.3"} {
		msg, err := b.Consume(ctx)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if msg.ExternalID != want {
			t.Fatalf("got %s, want %s", msg.ExternalID, want)
		}
	}
}

func TestConsumeHonorsContext(t *testing.T) {
	b := NewFeedBus()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := b.Consume(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
