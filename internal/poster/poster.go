// Package poster delivers agent messages to the external channel under
// each agent's own name and avatar, then echoes them back into the log
// so every reader observes the post in the shared order.
package poster

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AgentGate/AgentGate/internal/adapter"
	"github.com/AgentGate/AgentGate/internal/apierr"
	"github.com/AgentGate/AgentGate/internal/store"
)

// Poster owns the outbound binding and the post-then-echo write path.
// Posts are serialized: chunk order within a message, and message order
// across concurrent agents, both follow the mutex.
type Poster struct {
	store     *store.Store
	adapter   adapter.Adapter
	channelID string
	maxLen    int

	mu      sync.Mutex
	binding *store.OutboundBinding
}

func New(st *store.Store, ad adapter.Adapter, channelID string, maxLen int) *Poster {
	return &Poster{store: st, adapter: ad, channelID: channelID, maxLen: maxLen}
}

// Result reports what was actually delivered. On partial failure
// ChunksSent is less than ChunksTotal and the error is returned alongside.
type Result struct {
	Seq         int64  `json:"last_seq"`
	ExternalID  string `json:"last_external_message_id"`
	ChunksTotal int    `json:"chunks_total"`
	ChunksSent  int    `json:"chunks_sent"`
}

// Post splits body, delivers each chunk in order as the given agent, and
// records each delivered chunk as an event. The returned Result carries
// the last delivered chunk's sequence and external id.
func (p *Poster) Post(ctx context.Context, agent *store.Agent, body string) (*Result, error) {
	chunks := SplitMessage(body, p.maxLen)
	if len(chunks) == 0 {
		return nil, apierr.New(apierr.Validation, "message body is empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	binding, err := p.ensureBinding(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{ChunksTotal: len(chunks)}
	for _, chunk := range chunks {
		var externalID string
		err := adapter.WithRetry(ctx, 3, 500*time.Millisecond, func() error {
			var perr error
			externalID, perr = p.adapter.Post(ctx, binding.Ref, chunk, agent.Name, agent.AvatarURL)
			return perr
		})
		if err != nil {
			if res.ChunksSent == 0 {
				return nil, apierr.Wrap(apierr.UpstreamTransient, "delivery failed", err)
			}
			// Some chunks went out; report what did.
			return res, apierr.Wrapf(apierr.UpstreamTransient, err, "delivered %d of %d chunks", res.ChunksSent, res.ChunksTotal)
		}

		seq, err := p.echo(agent, binding.ChannelID, externalID, chunk)
		if err != nil {
			return res, err
		}
		res.ChunksSent++
		res.Seq = seq
		res.ExternalID = externalID
	}
	return res, nil
}

// echo records the delivered chunk immediately rather than waiting for
// the live feed, so the author's next poll already contains it. If the
// feed won the race the existing row is rewritten to agent authorship,
// since the platform reported it as a bare bot post.
func (p *Poster) echo(agent *store.Agent, channelID, externalID, body string) (int64, error) {
	seq, inserted, err := p.store.InsertEvent(&store.Event{
		EventID:           uuid.NewString(),
		AuthorKind:        store.AuthorAgent,
		AuthorID:          agent.AgentID,
		AuthorName:        agent.Name,
		Body:              body,
		CreatedAt:         time.Now().UTC(),
		ExternalMessageID: externalID,
		SourceChannelID:   channelID,
	})
	if err != nil {
		return 0, err
	}
	if !inserted {
		return p.store.MarkEventAsAgent(channelID, externalID, agent.AgentID, agent.Name)
	}
	return seq, nil
}

// ensureBinding returns a binding whose credential still points at the
// configured channel, creating or recreating one as needed. A binding
// that validates but targets a different channel is stale and dropped.
func (p *Poster) ensureBinding(ctx context.Context) (*store.OutboundBinding, error) {
	if p.binding == nil {
		b, err := p.store.BindingGet()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		p.binding = b
	}

	if p.binding != nil {
		channelID, err := p.adapter.ValidateBinding(ctx, p.binding.Ref)
		if err == nil && channelID == p.channelID {
			return p.binding, nil
		}
		if err != nil {
			slog.Warn("Outbound binding no longer validates; recreating", "error", err)
		} else {
			slog.Warn("Outbound binding targets a different channel; recreating",
				"bound", channelID, "configured", p.channelID)
		}
		p.binding = nil
		if err := p.store.BindingClear(); err != nil {
			return nil, err
		}
	}

	ref, err := p.adapter.CreateBinding(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.Conflict, "no usable outbound binding and creating one failed", err)
	}
	if err := p.store.BindingSet(p.channelID, ref); err != nil {
		return nil, err
	}
	p.binding = &store.OutboundBinding{ChannelID: p.channelID, Ref: ref, CreatedAt: time.Now().UTC()}
	return p.binding, nil
}
