// Package inbox serves the ordered poll/ack read surface. Every agent
// reads the same gap-free sequence; only the per-agent cursor differs.
package inbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/AgentGate/AgentGate/internal/apierr"
	"github.com/AgentGate/AgentGate/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Service reads events after a cursor and advances ack receipts.
type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Item is one event as seen by a particular agent.
type Item struct {
	Seq         int64            `json:"seq"`
	EventID     string           `json:"event_id"`
	AuthorKind  string           `json:"author_kind"`
	AuthorID    string           `json:"author_id,omitempty"`
	AuthorName  string           `json:"author_name"`
	Body        string           `json:"body"`
	CreatedAt   time.Time        `json:"created_at"`
	Source      string           `json:"source_channel_id"`
	ExternalID  string           `json:"external_message_id"`
	IsSelf      bool             `json:"is_self"`
	IsHuman     bool             `json:"is_human"`
	Attachments []AttachmentItem `json:"attachments,omitempty"`
}

// AttachmentItem points at the gateway's streaming proxy, never at the
// external platform's CDN.
type AttachmentItem struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	URL          string `json:"url"`
}

// Page is one poll response. NextCursor acknowledges nothing; the agent
// must ack explicitly to move its receipt.
type Page struct {
	Items      []Item `json:"events"`
	Cursor     int64  `json:"cursor"`
	NextCursor int64  `json:"next_cursor"`
}

// Fetch returns up to limit events strictly after the cursor. A nil
// cursor means "resume from the agent's persisted receipt". An explicit
// cursor beyond the newest sequence is rejected rather than silently
// returning nothing forever.
func (s *Service) Fetch(agentID string, cursor *int64, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var effective int64
	if cursor != nil {
		if *cursor < 0 {
			return nil, apierr.New(apierr.Validation, "cursor must be non-negative")
		}
		max, err := s.store.MaxSeq()
		if err != nil {
			return nil, err
		}
		if *cursor > max {
			return nil, apierr.Newf(apierr.Validation, "cursor %d is beyond the newest event %d", *cursor, max)
		}
		effective = *cursor
	} else {
		last, err := s.store.ReceiptGet(agentID)
		if err != nil {
			return nil, err
		}
		effective = last
	}

	events, err := s.store.EventsAfter(effective, limit)
	if err != nil {
		return nil, err
	}

	seqs := make([]int64, len(events))
	for i, ev := range events {
		seqs[i] = ev.Seq
	}
	atts, err := s.store.AttachmentsForEvents(seqs)
	if err != nil {
		return nil, err
	}

	page := &Page{Items: make([]Item, 0, len(events)), Cursor: effective, NextCursor: effective}
	for _, ev := range events {
		item := Item{
			Seq:        ev.Seq,
			EventID:    ev.EventID,
			AuthorKind: ev.AuthorKind,
			AuthorID:   ev.AuthorID,
			AuthorName: ev.AuthorName,
			Body:       ev.Body,
			CreatedAt:  ev.CreatedAt,
			Source:     ev.SourceChannelID,
			ExternalID: ev.ExternalMessageID,
			IsSelf:     ev.AuthorKind == store.AuthorAgent && ev.AuthorID == agentID,
			IsHuman:    ev.AuthorKind == store.AuthorHuman,
		}
		for _, at := range atts[ev.Seq] {
			item.Attachments = append(item.Attachments, AttachmentItem{
				AttachmentID: at.AttachmentID,
				Filename:     at.Filename,
				ContentType:  at.ContentType,
				SizeBytes:    at.SizeBytes,
				URL:          fmt.Sprintf("/v1/attachments/%s", at.AttachmentID),
			})
		}
		page.Items = append(page.Items, item)
		page.NextCursor = ev.Seq
	}
	return page, nil
}

// Ack advances the agent's receipt to seq. Acking a sequence that was
// never assigned, or one behind the persisted receipt, is refused: both
// indicate a confused or hostile client, and a silent fixup would hide a
// delivery bug. Re-acking the current position is an idempotent no-op.
func (s *Service) Ack(agentID string, seq int64) (int64, error) {
	if seq < 0 {
		return 0, apierr.New(apierr.Validation, "seq must be non-negative")
	}
	max, err := s.store.MaxSeq()
	if err != nil {
		return 0, err
	}
	if seq > max {
		return 0, apierr.Newf(apierr.InvariantViolation, "cannot ack seq %d: newest assigned sequence is %d", seq, max)
	}
	last, err := s.store.ReceiptGet(agentID)
	if err != nil {
		return 0, err
	}
	if seq == last {
		return last, nil
	}
	if seq < last {
		return 0, apierr.Newf(apierr.InvariantViolation, "cannot move ack backwards from %d to %d", last, seq)
	}
	if err := s.store.ReceiptAdvance(agentID, last, seq); err != nil {
		if errors.Is(err, store.ErrStaleCursor) {
			return 0, apierr.New(apierr.Conflict, "a concurrent ack moved the cursor; re-poll and retry")
		}
		return 0, err
	}
	return seq, nil
}
