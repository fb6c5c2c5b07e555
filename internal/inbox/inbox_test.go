package inbox

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/AgentGate/AgentGate/internal/apierr"
	"github.com/AgentGate/AgentGate/internal/store"
)

func testService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateAgent("a1", "scout", "", "h1"); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return NewService(st), st
}

func seed(t *testing.T, st *store.Store, n int) []int64 {
	t.Helper()
	seqs := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		seq, _, err := st.InsertEvent(&store.Event{
			AuthorKind:        store.AuthorHuman,
			AuthorID:          "U001",
			AuthorName:        "alice",
			Body:              "msg",
			ExternalMessageID: fmt.Sprintf("1700000000.%06d", i),
			SourceChannelID:   "C123",
		})
		if err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
		seqs = append(seqs, seq)
	}
	return seqs
}

func TestFetchResumesFromReceipt(t *testing.T) {
	svc, st := testService(t)
	seqs := seed(t, st, 5)

	page, err := svc.Fetch("a1", nil, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(page.Items) != 5 || page.Cursor != 0 || page.NextCursor != seqs[4] {
		t.Fatalf("page = cursor=%d next=%d items=%d", page.Cursor, page.NextCursor, len(page.Items))
	}

	if _, err := svc.Ack("a1", seqs[2]); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	page, err = svc.Fetch("a1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.Items[0].Seq != seqs[3] {
		t.Fatalf("resume after ack: items=%d first=%d", len(page.Items), page.Items[0].Seq)
	}
}

func TestFetchExplicitCursorOverridesReceipt(t *testing.T) {
	svc, st := testService(t)
	seqs := seed(t, st, 4)
	if _, err := svc.Ack("a1", seqs[3]); err != nil {
		t.Fatal(err)
	}

	cursor := seqs[1]
	page, err := svc.Fetch("a1", &cursor, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.Items[0].Seq != seqs[2] {
		t.Fatalf("explicit cursor ignored: %+v", page.Items)
	}
	// Re-reading never moved the receipt.
	last, _ := st.ReceiptGet("a1")
	if last != seqs[3] {
		t.Fatalf("fetch moved the receipt to %d", last)
	}
}

func TestFetchRejectsFutureCursor(t *testing.T) {
	svc, st := testService(t)
	seed(t, st, 2)

	future := int64(99)
	if _, err := svc.Fetch("a1", &future, 0); !apierr.Is(err, apierr.Validation) {
		t.Fatalf("future cursor err = %v, want Validation", err)
	}
	negative := int64(-1)
	if _, err := svc.Fetch("a1", &negative, 0); !apierr.Is(err, apierr.Validation) {
		t.Fatalf("negative cursor err = %v, want Validation", err)
	}
}

func TestFetchClampsLimit(t *testing.T) {
	svc, st := testService(t)
	seed(t, st, 3)

	page, err := svc.Fetch("a1", nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("limit ignored: %d items", len(page.Items))
	}
}

func TestFetchAnnotatesSelfAndHuman(t *testing.T) {
	svc, st := testService(t)

	if _, _, err := st.InsertEvent(&store.Event{
		AuthorKind: store.AuthorAgent, AuthorID: "a1", AuthorName: "scout",
		Body: "mine", ExternalMessageID: "1.1", SourceChannelID: "C123",
	}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.InsertEvent(&store.Event{
		AuthorKind: store.AuthorAgent, AuthorID: "a2", AuthorName: "other",
		Body: "theirs", ExternalMessageID: "1.2", SourceChannelID: "C123",
	}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.InsertEvent(&store.Event{
		AuthorKind: store.AuthorHuman, AuthorID: "U001", AuthorName: "alice",
		Body: "hi", ExternalMessageID: "1.3", SourceChannelID: "C123",
	}); err != nil {
		t.Fatal(err)
	}

	page, err := svc.Fetch("a1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("items = %d", len(page.Items))
	}
	if !page.Items[0].IsSelf || page.Items[1].IsSelf || page.Items[2].IsSelf {
		t.Fatalf("is_self wrong: %+v", page.Items)
	}
	if page.Items[0].IsHuman || !page.Items[2].IsHuman {
		t.Fatalf("is_human wrong: %+v", page.Items)
	}
}

func TestAckSemantics(t *testing.T) {
	svc, st := testService(t)
	seqs := seed(t, st, 3)

	// Fabricated future seq.
	if _, err := svc.Ack("a1", 99); !apierr.Is(err, apierr.InvariantViolation) {
		t.Fatalf("future ack err = %v, want InvariantViolation", err)
	}

	last, err := svc.Ack("a1", seqs[1])
	if err != nil || last != seqs[1] {
		t.Fatalf("ack = %d, %v", last, err)
	}

	// Idempotent re-ack.
	last, err = svc.Ack("a1", seqs[1])
	if err != nil || last != seqs[1] {
		t.Fatalf("re-ack = %d, %v", last, err)
	}

	// Regression.
	if _, err := svc.Ack("a1", seqs[0]); !apierr.Is(err, apierr.InvariantViolation) {
		t.Fatalf("regressing ack err = %v, want InvariantViolation", err)
	}

	// Forward again.
	if _, err := svc.Ack("a1", seqs[2]); err != nil {
		t.Fatalf("final ack: %v", err)
	}
	persisted, _ := st.ReceiptGet("a1")
	if persisted != seqs[2] {
		t.Fatalf("receipt = %d, want %d", persisted, seqs[2])
	}
}

func TestFetchIncludesAttachmentLinks(t *testing.T) {
	svc, st := testService(t)
	seq, _, err := st.InsertEvent(&store.Event{
		AuthorKind: store.AuthorHuman, AuthorID: "U001", AuthorName: "alice",
		Body: "file incoming", ExternalMessageID: "2.1", SourceChannelID: "C123",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.InsertAttachment(&store.Attachment{
		AttachmentID: "at1", EventSeq: seq, ExternalMessageID: "2.1",
		SourceChannelID: "C123", Filename: "x.bin", DownloadHandle: "h",
	}); err != nil {
		t.Fatal(err)
	}

	page, err := svc.Fetch("a1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || len(page.Items[0].Attachments) != 1 {
		t.Fatalf("page = %+v", page.Items)
	}
	at := page.Items[0].Attachments[0]
	if at.URL != "/v1/attachments/at1" {
		t.Fatalf("attachment URL = %q", at.URL)
	}
}
