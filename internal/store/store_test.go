package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertTestEvent(t *testing.T, st *Store, source, extID, body string) int64 {
	t.Helper()
	seq, inserted, err := st.InsertEvent(&Event{
		AuthorKind:        AuthorHuman,
		AuthorID:          "U001",
		AuthorName:        "alice",
		Body:              body,
		ExternalMessageID: extID,
		SourceChannelID:   source,
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if !inserted {
		t.Fatalf("expected fresh insert for %s/%s", source, extID)
	}
	return seq
}

func TestInsertEventAssignsMonotonicSeq(t *testing.T) {
	st := openTestStore(t)

	var last int64
	for i, ts := range []string{"1700000000.000100", "1700000000.000200", "1700000000.000300"} {
		seq := insertTestEvent(t, st, "C123", ts, "msg")
		if seq <= last {
			t.Fatalf("seq not monotonic at insert %d: %d after %d", i, seq, last)
		}
		last = seq
	}

	max, err := st.MaxSeq()
	if err != nil {
		t.Fatalf("MaxSeq: %v", err)
	}
	if max != last {
		t.Fatalf("MaxSeq = %d, want %d", max, last)
	}
}

func TestInsertEventDedupIsNoOp(t *testing.T) {
	st := openTestStore(t)

	seq := insertTestEvent(t, st, "C123", "1700000000.000100", "original")
	dupSeq, inserted, err := st.InsertEvent(&Event{
		AuthorKind:        AuthorBot,
		Body:              "duplicate with different body",
		ExternalMessageID: "1700000000.000100",
		SourceChannelID:   "C123",
	})
	if err != nil {
		t.Fatalf("duplicate InsertEvent: %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert reported as fresh")
	}
	if dupSeq != seq {
		t.Fatalf("duplicate returned seq %d, want existing %d", dupSeq, seq)
	}

	// The original row must be untouched.
	ev, err := st.EventByExternalID("C123", "1700000000.000100")
	if err != nil {
		t.Fatalf("EventByExternalID: %v", err)
	}
	if ev.Body != "original" || ev.AuthorKind != AuthorHuman {
		t.Fatalf("dedup mutated existing row: %+v", ev)
	}

	// Same external id in a different source is a distinct event.
	other := insertTestEvent(t, st, "C123/1700000000.000100", "1700000000.000100", "thread reply")
	if other == seq {
		t.Fatal("distinct source shared a seq")
	}
}

func TestEventsAfterInterleavesSources(t *testing.T) {
	st := openTestStore(t)

	s1 := insertTestEvent(t, st, "C123", "1.0001", "root one")
	s2 := insertTestEvent(t, st, "C123/9.0", "9.0001", "thread one")
	s3 := insertTestEvent(t, st, "C123", "1.0002", "root two")

	events, err := st.EventsAfter(0, 10)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	want := []int64{s1, s2, s3}
	for i, ev := range events {
		if ev.Seq != want[i] {
			t.Fatalf("event %d has seq %d, want %d", i, ev.Seq, want[i])
		}
	}

	tail, err := st.EventsAfter(s1, 10)
	if err != nil {
		t.Fatalf("EventsAfter(s1): %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != s2 {
		t.Fatalf("EventsAfter(s1) = %+v", tail)
	}
}

func TestMarkEventAsAgent(t *testing.T) {
	st := openTestStore(t)

	seq, _, err := st.InsertEvent(&Event{
		AuthorKind:        AuthorWebhook,
		AuthorName:        "poster-bot",
		Body:              "hello",
		ExternalMessageID: "2.0001",
		SourceChannelID:   "C123",
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	got, err := st.MarkEventAsAgent("C123", "2.0001", "agent-1", "scout")
	if err != nil {
		t.Fatalf("MarkEventAsAgent: %v", err)
	}
	if got != seq {
		t.Fatalf("rewrite returned seq %d, want %d", got, seq)
	}
	ev, err := st.EventBySeq(seq)
	if err != nil {
		t.Fatalf("EventBySeq: %v", err)
	}
	if ev.AuthorKind != AuthorAgent || ev.AuthorID != "agent-1" || ev.AuthorName != "scout" {
		t.Fatalf("rewrite incomplete: %+v", ev)
	}
}

func TestReceiptAdvanceCAS(t *testing.T) {
	st := openTestStore(t)
	if err := st.CreateAgent("a1", "scout", "", "hash1"); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	last, err := st.ReceiptGet("a1")
	if err != nil || last != 0 {
		t.Fatalf("ReceiptGet fresh = %d, %v", last, err)
	}

	if err := st.ReceiptAdvance("a1", 0, 5); err != nil {
		t.Fatalf("ReceiptAdvance 0->5: %v", err)
	}
	if err := st.ReceiptAdvance("a1", 0, 7); !errors.Is(err, ErrStaleCursor) {
		t.Fatalf("stale advance err = %v, want ErrStaleCursor", err)
	}
	if err := st.ReceiptAdvance("a1", 5, 7); err != nil {
		t.Fatalf("ReceiptAdvance 5->7: %v", err)
	}
	last, err = st.ReceiptGet("a1")
	if err != nil || last != 7 {
		t.Fatalf("ReceiptGet = %d, %v; want 7", last, err)
	}
}

func TestAgentLifecycle(t *testing.T) {
	st := openTestStore(t)
	if err := st.CreateAgent("a1", "scout", "http://a/x.png", "hash1"); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	agent, err := st.AgentByTokenHash("hash1")
	if err != nil {
		t.Fatalf("AgentByTokenHash: %v", err)
	}
	if agent.AgentID != "a1" || agent.Status != AgentActive {
		t.Fatalf("unexpected agent %+v", agent)
	}

	if err := st.UpdateAgentTokenHash("a1", "hash2"); err != nil {
		t.Fatalf("UpdateAgentTokenHash: %v", err)
	}
	if _, err := st.AgentByTokenHash("hash1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old hash still resolves: %v", err)
	}
	if _, err := st.AgentByTokenHash("hash2"); err != nil {
		t.Fatalf("new hash does not resolve: %v", err)
	}

	if err := st.RevokeAgent("a1"); err != nil {
		t.Fatalf("RevokeAgent: %v", err)
	}
	if _, err := st.AgentByTokenHash("hash2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoked agent still authenticates: %v", err)
	}
	agent, err = st.AgentByID("a1")
	if err != nil {
		t.Fatalf("AgentByID after revoke: %v", err)
	}
	if agent.Status != AgentRevoked || agent.RevokedAt == nil {
		t.Fatalf("revocation not recorded: %+v", agent)
	}
}

func TestInviteZeroMaxUsesIsUnlimited(t *testing.T) {
	st := openTestStore(t)
	if err := st.CreateInvite("inv0", "openhash", "standing", 0, nil); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("u%d", i)
		if err := st.CreateAgentWithInvite(id, id, "", "h"+id, "openhash"); err != nil {
			t.Fatalf("use %d: %v", i+1, err)
		}
	}
	invites, err := st.ListInvites()
	if err != nil {
		t.Fatalf("ListInvites: %v", err)
	}
	if len(invites) != 1 || invites[0].UsedCount != 5 {
		t.Fatalf("invite state = %+v", invites)
	}
}

func TestCreateAgentWithInvite(t *testing.T) {
	st := openTestStore(t)
	if err := st.CreateInvite("inv1", "codehash", "test batch", 2, nil); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	if err := st.CreateAgentWithInvite("a1", "one", "", "h1", "codehash"); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := st.CreateAgentWithInvite("a2", "two", "", "h2", "codehash"); err != nil {
		t.Fatalf("second use: %v", err)
	}
	if err := st.CreateAgentWithInvite("a3", "three", "", "h3", "codehash"); !errors.Is(err, ErrInviteExhausted) {
		t.Fatalf("third use err = %v, want ErrInviteExhausted", err)
	}
	// The exhausted attempt must not have created the agent.
	if _, err := st.AgentByID("a3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("agent created on exhausted invite: %v", err)
	}

	if err := st.CreateAgentWithInvite("a4", "four", "", "h4", "wronghash"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown code err = %v, want ErrNotFound", err)
	}

	invites, err := st.ListInvites()
	if err != nil {
		t.Fatalf("ListInvites: %v", err)
	}
	if len(invites) != 1 || invites[0].UsedCount != 2 {
		t.Fatalf("invite state after uses: %+v", invites)
	}
}

func TestInviteExpiryAndRevocation(t *testing.T) {
	st := openTestStore(t)

	past := time.Now().UTC().Add(-time.Hour)
	if err := st.CreateInvite("expired", "hash-exp", "", 0, &past); err != nil {
		t.Fatalf("CreateInvite expired: %v", err)
	}
	if err := st.CreateAgentWithInvite("a1", "one", "", "h1", "hash-exp"); !errors.Is(err, ErrInviteExhausted) {
		t.Fatalf("expired invite err = %v, want ErrInviteExhausted", err)
	}

	if err := st.CreateInvite("revoked", "hash-rev", "", 0, nil); err != nil {
		t.Fatalf("CreateInvite revoked: %v", err)
	}
	if err := st.RevokeInvite("revoked"); err != nil {
		t.Fatalf("RevokeInvite: %v", err)
	}
	if err := st.CreateAgentWithInvite("a2", "two", "", "h2", "hash-rev"); !errors.Is(err, ErrInviteExhausted) {
		t.Fatalf("revoked invite err = %v, want ErrInviteExhausted", err)
	}
}

func TestHighWaterMarkAdvancesForwardOnly(t *testing.T) {
	st := openTestStore(t)

	if _, ok, err := st.HighWaterMark("C123"); err != nil || ok {
		t.Fatalf("fresh HighWaterMark = ok=%v, err=%v", ok, err)
	}

	if err := st.AdvanceHighWaterMark("C123", "1700000000.000200"); err != nil {
		t.Fatalf("AdvanceHighWaterMark: %v", err)
	}
	// Replaying an older id must not move the mark backwards.
	if err := st.AdvanceHighWaterMark("C123", "1700000000.000100"); err != nil {
		t.Fatalf("older AdvanceHighWaterMark: %v", err)
	}
	mark, ok, err := st.HighWaterMark("C123")
	if err != nil || !ok {
		t.Fatalf("HighWaterMark: ok=%v err=%v", ok, err)
	}
	if mark != "1700000000.000200" {
		t.Fatalf("mark regressed to %s", mark)
	}

	if err := st.AdvanceHighWaterMark("C123", "1700000000.000300"); err != nil {
		t.Fatalf("newer AdvanceHighWaterMark: %v", err)
	}
	mark, _, _ = st.HighWaterMark("C123")
	if mark != "1700000000.000300" {
		t.Fatalf("mark = %s, want advanced", mark)
	}

	sources, err := st.KnownSources()
	if err != nil {
		t.Fatalf("KnownSources: %v", err)
	}
	if len(sources) != 1 || sources[0] != "C123" {
		t.Fatalf("KnownSources = %v", sources)
	}
}

func TestCompareExternalIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1700000000.000100", "1700000000.000200", -1},
		{"1700000000.000200", "1700000000.000100", 1},
		{"1700000000.000100", "1700000000.000100", 0},
		{"999.0", "1700000000.0", -1},
		{"1700000001.000100", "1700000000.999999", 1},
	}
	for _, c := range cases {
		if got := CompareExternalIDs(c.a, c.b); got != c.want {
			t.Errorf("CompareExternalIDs(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestProfileAndBinding(t *testing.T) {
	st := openTestStore(t)

	p, err := st.ProfileGet("Default Name", "Default mission")
	if err != nil {
		t.Fatalf("ProfileGet: %v", err)
	}
	if p.Name != "Default Name" || p.UpdatedAt != nil {
		t.Fatalf("fresh profile = %+v", p)
	}

	if _, err := st.ProfileSet("Ops Channel", "Coordinate the fleet"); err != nil {
		t.Fatalf("ProfileSet: %v", err)
	}
	p, err = st.ProfileGet("Default Name", "Default mission")
	if err != nil {
		t.Fatalf("ProfileGet after set: %v", err)
	}
	if p.Name != "Ops Channel" || p.Mission != "Coordinate the fleet" || p.UpdatedAt == nil {
		t.Fatalf("profile after set = %+v", p)
	}

	if _, err := st.BindingGet(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fresh BindingGet err = %v, want ErrNotFound", err)
	}
	if err := st.BindingSet("C123", "slack:channel:C123"); err != nil {
		t.Fatalf("BindingSet: %v", err)
	}
	b, err := st.BindingGet()
	if err != nil {
		t.Fatalf("BindingGet: %v", err)
	}
	if b.ChannelID != "C123" || b.Ref != "slack:channel:C123" {
		t.Fatalf("binding = %+v", b)
	}
	if err := st.BindingClear(); err != nil {
		t.Fatalf("BindingClear: %v", err)
	}
	if _, err := st.BindingGet(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cleared BindingGet err = %v", err)
	}
}

func TestAttachments(t *testing.T) {
	st := openTestStore(t)
	seq := insertTestEvent(t, st, "C123", "3.0001", "with file")

	att := &Attachment{
		AttachmentID:      "at1",
		EventSeq:          seq,
		ExternalMessageID: "3.0001",
		SourceChannelID:   "C123",
		Filename:          "report.pdf",
		ContentType:       "application/pdf",
		SizeBytes:         1234,
		DownloadHandle:    "https://files.slack.com/x/report.pdf",
	}
	if err := st.InsertAttachment(att); err != nil {
		t.Fatalf("InsertAttachment: %v", err)
	}
	// Re-ingestion replays the same descriptor.
	if err := st.InsertAttachment(att); err != nil {
		t.Fatalf("duplicate InsertAttachment: %v", err)
	}

	got, err := st.AttachmentByID("at1")
	if err != nil {
		t.Fatalf("AttachmentByID: %v", err)
	}
	if got.Filename != "report.pdf" || got.DownloadHandle != att.DownloadHandle {
		t.Fatalf("attachment = %+v", got)
	}

	grouped, err := st.AttachmentsForEvents([]int64{seq})
	if err != nil {
		t.Fatalf("AttachmentsForEvents: %v", err)
	}
	if len(grouped[seq]) != 1 {
		t.Fatalf("grouped = %+v", grouped)
	}
}
