// Package adaptertest provides an in-memory Adapter for service tests.
package adaptertest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/AgentGate/AgentGate/internal/adapter"
	"github.com/AgentGate/AgentGate/internal/store"
)

// Fake is an in-memory stand-in for the external platform. History is
// keyed by source id and kept sorted by external id; Post appends to the
// root channel with a fabricated timestamp id.
type Fake struct {
	mu       sync.Mutex
	RootID   string
	history  map[string][]*adapter.Message
	files    map[string][]byte
	active   []string
	archived []string
	nextTS   int

	// Posted records every outbound delivery in order.
	Posted []PostedMessage
	// FailPosts fails the next N Post calls with PostErr (or a generic
	// error when PostErr is nil).
	FailPosts int
	PostErr   error
	// PostHook, when set, runs before a post is recorded; a non-nil
	// return fails that delivery.
	PostHook func(body string) error
	// ValidateErr fails ValidateBinding unconditionally.
	ValidateErr error
	// CreateErr fails CreateBinding unconditionally.
	CreateErr error
	// BoundChannel overrides the channel ValidateBinding reports.
	BoundChannel string

	Name  string
	Topic string
}

// PostedMessage is one delivered chunk.
type PostedMessage struct {
	Ref       string
	Body      string
	Username  string
	AvatarURL string
	TS        string
}

func New(rootID string) *Fake {
	return &Fake{
		RootID:  rootID,
		history: make(map[string][]*adapter.Message),
		files:   make(map[string][]byte),
		nextTS:  1000,
		Name:    "ops",
		Topic:   "agents at work",
	}
}

// Add seeds a history message.
func (f *Fake) Add(msg *adapter.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[msg.SourceChannelID] = append(f.history[msg.SourceChannelID], msg)
	sort.Slice(f.history[msg.SourceChannelID], func(i, j int) bool {
		h := f.history[msg.SourceChannelID]
		return store.CompareExternalIDs(h[i].ExternalID, h[j].ExternalID) < 0
	})
}

// SetThreads configures thread discovery results.
func (f *Fake) SetThreads(active, archived []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = active
	f.archived = archived
}

// AddFile seeds downloadable content for a handle.
func (f *Fake) AddFile(handle string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[handle] = content
}

func (f *Fake) Feed(ctx context.Context, out chan<- *adapter.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *Fake) HistoryAfter(ctx context.Context, sourceChannelID, afterID string) ([]*adapter.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var msgs []*adapter.Message
	for _, m := range f.history[sourceChannelID] {
		if store.CompareExternalIDs(m.ExternalID, afterID) > 0 {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

func (f *Fake) RecentHistory(ctx context.Context, sourceChannelID string, limit int) ([]*adapter.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.history[sourceChannelID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]*adapter.Message(nil), all...), nil
}

func (f *Fake) ActiveThreads(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...), nil
}

func (f *Fake) ArchivedThreads(ctx context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.archived...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ValidateBinding(ctx context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ValidateErr != nil {
		return "", f.ValidateErr
	}
	if f.BoundChannel != "" {
		return f.BoundChannel, nil
	}
	return f.RootID, nil
}

func (f *Fake) CreateBinding(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	return "fake:channel:" + f.RootID, nil
}

func (f *Fake) Post(ctx context.Context, ref, body, username, avatarURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPosts > 0 {
		f.FailPosts--
		if f.PostErr != nil {
			return "", f.PostErr
		}
		return "", fmt.Errorf("post failed")
	}
	if f.PostHook != nil {
		if err := f.PostHook(body); err != nil {
			return "", err
		}
	}
	f.nextTS++
	ts := fmt.Sprintf("1700000000.%06d", f.nextTS)
	f.Posted = append(f.Posted, PostedMessage{Ref: ref, Body: body, Username: username, AvatarURL: avatarURL, TS: ts})
	return ts, nil
}

func (f *Fake) Download(ctx context.Context, handle string) (io.ReadCloser, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[handle]
	if !ok {
		return nil, "", fmt.Errorf("no such file: %s", handle)
	}
	return io.NopCloser(bytes.NewReader(content)), "application/octet-stream", nil
}

func (f *Fake) ChannelInfo(ctx context.Context, channelID string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Name, f.Topic, nil
}

var _ adapter.Adapter = (*Fake)(nil)
