// Package ingest turns the adapter's event stream into the durable,
// gap-free, monotonically sequenced log, and reconciles gaps against the
// rate-limited external source.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/AgentGate/AgentGate/internal/adapter"
	"github.com/AgentGate/AgentGate/internal/bus"
	"github.com/AgentGate/AgentGate/internal/store"
)

// Pipeline consumes the feed bus and persists events idempotently.
type Pipeline struct {
	store   *store.Store
	feed    *bus.FeedBus
	adapter adapter.Adapter

	// Ingest runs concurrently from the feed loop and backfill workers.
	warnedEmptyHuman atomic.Bool
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(st *store.Store, feed *bus.FeedBus, ad adapter.Adapter) *Pipeline {
	return &Pipeline{store: st, feed: feed, adapter: ad}
}

// RunFeed drives the adapter's live feed onto the bus. Intended to run as
// its own goroutine for the life of the process.
func (p *Pipeline) RunFeed(ctx context.Context) error {
	return p.adapter.Feed(ctx, p.feed.Inbound())
}

// Run consumes the bus until the context ends. A failure persisting one
// event drops that event for later recovery by the backfill reconciler;
// it never stops the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	slog.Info("Ingestion pipeline started")
	for {
		msg, err := p.feed.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Failed to consume feed message", "error", err)
			continue
		}
		if _, _, err := p.Ingest(msg); err != nil {
			slog.Warn("Dropped feed event for backfill recovery",
				"source", msg.SourceChannelID,
				"external_id", msg.ExternalID,
				"error", err)
		}
	}
}

// Ingest persists one adapter message: assign the next seq and insert the
// event keyed by (source, external id). Re-delivery and races with
// backfill are no-ops that consume no seq. On success the source's
// high-water mark advances if the id is newer.
func (p *Pipeline) Ingest(msg *adapter.Message) (seq int64, inserted bool, err error) {
	body := strings.TrimSpace(msg.Body)
	if body == "" && len(msg.Attachments) > 0 {
		// Attachment-only message: surface the filenames as the body so
		// the event is not silently empty in the inbox.
		names := make([]string, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			names = append(names, a.Filename)
		}
		body = strings.Join(names, "\n")
	}
	if body == "" {
		if msg.AuthorKind == store.AuthorHuman && p.warnedEmptyHuman.CompareAndSwap(false, true) {
			slog.Warn("Got a human message with empty content; check the app's message content scopes",
				"external_id", msg.ExternalID)
		}
		return 0, false, nil
	}

	ev := &store.Event{
		AuthorKind:        msg.AuthorKind,
		AuthorID:          msg.AuthorID,
		AuthorName:        msg.AuthorName,
		Body:              body,
		CreatedAt:         msg.CreatedAt,
		ExternalMessageID: msg.ExternalID,
		SourceChannelID:   msg.SourceChannelID,
	}
	seq, inserted, err = p.store.InsertEvent(ev)
	if err != nil {
		return 0, false, fmt.Errorf("persist event: %w", err)
	}
	if inserted {
		for _, f := range msg.Attachments {
			att := &store.Attachment{
				AttachmentID:      f.ID,
				EventSeq:          seq,
				ExternalMessageID: msg.ExternalID,
				SourceChannelID:   msg.SourceChannelID,
				Filename:          f.Filename,
				ContentType:       f.ContentType,
				SizeBytes:         f.SizeBytes,
				DownloadHandle:    f.DownloadHandle,
			}
			if err := p.store.InsertAttachment(att); err != nil {
				slog.Warn("Failed to persist attachment", "attachment_id", f.ID, "error", err)
			}
		}
	}
	if err := p.store.AdvanceHighWaterMark(msg.SourceChannelID, msg.ExternalID); err != nil {
		return seq, inserted, fmt.Errorf("advance high-water mark: %w", err)
	}
	return seq, inserted, nil
}
