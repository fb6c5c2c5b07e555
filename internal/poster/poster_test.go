package poster

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AgentGate/AgentGate/internal/adapter/adaptertest"
	"github.com/AgentGate/AgentGate/internal/apierr"
	"github.com/AgentGate/AgentGate/internal/store"
)

func testPoster(t *testing.T) (*Poster, *store.Store, *adaptertest.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fake := adaptertest.New("C123")
	return New(st, fake, "C123", 400), st, fake
}

func testAgent() *store.Agent {
	return &store.Agent{AgentID: "a1", Name: "scout", AvatarURL: "http://a/x.png", Status: store.AgentActive}
}

func TestPostDeliversAndEchoes(t *testing.T) {
	p, st, fake := testPoster(t)

	res, err := p.Post(context.Background(), testAgent(), "hello channel")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.ChunksTotal != 1 || res.ChunksSent != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(fake.Posted) != 1 {
		t.Fatalf("posted = %+v", fake.Posted)
	}
	sent := fake.Posted[0]
	if sent.Username != "scout" || sent.AvatarURL != "http://a/x.png" {
		t.Fatalf("identity not forwarded: %+v", sent)
	}

	// The delivery is already in the log under the agent's identity.
	ev, err := st.EventBySeq(res.Seq)
	if err != nil {
		t.Fatalf("EventBySeq: %v", err)
	}
	if ev.AuthorKind != store.AuthorAgent || ev.AuthorID != "a1" || ev.Body != "hello channel" {
		t.Fatalf("echo event = %+v", ev)
	}
	if ev.ExternalMessageID != res.ExternalID || ev.ExternalMessageID != sent.TS {
		t.Fatalf("external id mismatch: %s / %s / %s", ev.ExternalMessageID, res.ExternalID, sent.TS)
	}
}

func TestPostSplitsLongBodyInOrder(t *testing.T) {
	p, st, fake := testPoster(t)

	para := strings.Repeat("a", 300) + "\n\n" + strings.Repeat("b", 300) + "\n\n" + strings.Repeat("c", 300)
	res, err := p.Post(context.Background(), testAgent(), para)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.ChunksTotal != 3 || res.ChunksSent != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(fake.Posted) != 3 {
		t.Fatalf("posted %d chunks", len(fake.Posted))
	}
	for i, want := range []byte{'a', 'b', 'c'} {
		if fake.Posted[i].Body[0] != want {
			t.Fatalf("chunk %d out of order: %q", i, fake.Posted[i].Body[:1])
		}
	}

	// Echo events are consecutive and the result points at the last one.
	events, err := st.EventsAfter(0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 || events[2].Seq != res.Seq {
		t.Fatalf("events = %d, last seq %d vs result %d", len(events), events[len(events)-1].Seq, res.Seq)
	}
}

func TestPostEmptyBody(t *testing.T) {
	p, _, _ := testPoster(t)
	if _, err := p.Post(context.Background(), testAgent(), "  \n "); !apierr.Is(err, apierr.Validation) {
		t.Fatalf("err = %v, want Validation", err)
	}
}

func TestPostRewritesFeedRaceToAgent(t *testing.T) {
	p, st, _ := testPoster(t)

	// The live feed saw the webhook message before the send-time echo:
	// the fake's first post id is deterministic, so plant that row.
	seq, _, err := st.InsertEvent(&store.Event{
		AuthorKind:        store.AuthorWebhook,
		AuthorName:        "scout",
		Body:              "raced",
		ExternalMessageID: "1700000000.001001",
		SourceChannelID:   "C123",
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Post(context.Background(), testAgent(), "raced")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.Seq != seq {
		t.Fatalf("race consumed a new seq: %d vs %d", res.Seq, seq)
	}
	ev, err := st.EventBySeq(seq)
	if err != nil {
		t.Fatal(err)
	}
	if ev.AuthorKind != store.AuthorAgent || ev.AuthorID != "a1" {
		t.Fatalf("race row not rewritten: %+v", ev)
	}
}

func TestPostCreatesBindingOnFirstUse(t *testing.T) {
	p, st, fake := testPoster(t)

	if _, err := p.Post(context.Background(), testAgent(), "first"); err != nil {
		t.Fatalf("Post: %v", err)
	}
	b, err := st.BindingGet()
	if err != nil {
		t.Fatalf("BindingGet: %v", err)
	}
	if b.ChannelID != "C123" || b.Ref != "fake:channel:C123" {
		t.Fatalf("binding = %+v", b)
	}
	if fake.Posted[0].Ref != b.Ref {
		t.Fatalf("post used ref %q", fake.Posted[0].Ref)
	}
}

func TestPostRecreatesStaleBinding(t *testing.T) {
	p, st, fake := testPoster(t)

	// A binding recorded before the gateway was re-pointed at C123.
	// Validation reports the old channel, so the binding is dropped and
	// recreated against the configured one.
	if err := st.BindingSet("C999", "fake:channel:C999"); err != nil {
		t.Fatal(err)
	}
	fake.BoundChannel = "C999"

	if _, err := p.Post(context.Background(), testAgent(), "rebound"); err != nil {
		t.Fatalf("Post: %v", err)
	}
	b, err := st.BindingGet()
	if err != nil {
		t.Fatal(err)
	}
	if b.Ref != "fake:channel:C123" || b.ChannelID != "C123" {
		t.Fatalf("binding after recreation = %+v", b)
	}
}

func TestPostConflictWhenBindingCannotBeCreated(t *testing.T) {
	p, _, fake := testPoster(t)
	fake.CreateErr = errors.New("missing channel scope")

	if _, err := p.Post(context.Background(), testAgent(), "no home"); !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("err = %v, want Conflict", err)
	}
}

func TestPostRetriesTransientFailure(t *testing.T) {
	p, _, fake := testPoster(t)
	fake.FailPosts = 1

	res, err := p.Post(context.Background(), testAgent(), "eventually delivered")
	if err != nil {
		t.Fatalf("Post after retry: %v", err)
	}
	if res.ChunksSent != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestPostReportsPartialDelivery(t *testing.T) {
	p, _, fake := testPoster(t)

	body := strings.Repeat("a", 300) + "\n\n" + strings.Repeat("b", 300)
	// First chunk goes through; every attempt at the second fails.
	fake.PostHook = func(chunk string) error {
		if strings.HasPrefix(chunk, "b") {
			return errors.New("upstream down")
		}
		return nil
	}

	res, err := p.Post(context.Background(), testAgent(), body)
	if err == nil {
		t.Fatal("expected partial delivery error")
	}
	if !apierr.Is(err, apierr.UpstreamTransient) {
		t.Fatalf("err = %v, want UpstreamTransient", err)
	}
	if res == nil || res.ChunksSent != 1 || res.ChunksTotal != 2 {
		t.Fatalf("partial result = %+v", res)
	}
}
