package attachments

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/AgentGate/AgentGate/internal/adapter/adaptertest"
	"github.com/AgentGate/AgentGate/internal/apierr"
	"github.com/AgentGate/AgentGate/internal/store"
)

func testService(t *testing.T) (*Service, *store.Store, *adaptertest.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fake := adaptertest.New("C123")
	return NewService(st, fake, "C123"), st, fake
}

func seedAttachment(t *testing.T, st *store.Store, source string) {
	t.Helper()
	seq, _, err := st.InsertEvent(&store.Event{
		AuthorKind: store.AuthorHuman, AuthorName: "alice", Body: "file",
		ExternalMessageID: "1.1", SourceChannelID: source,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.InsertAttachment(&store.Attachment{
		AttachmentID: "at1", EventSeq: seq, ExternalMessageID: "1.1",
		SourceChannelID: source, Filename: "x.bin", ContentType: "application/octet-stream",
		SizeBytes: 5, DownloadHandle: "h1",
	}); err != nil {
		t.Fatal(err)
	}
}

func TestOpenStreamsContent(t *testing.T) {
	svc, st, fake := testService(t)
	seedAttachment(t, st, "C123")
	fake.AddFile("h1", []byte("hello"))

	stream, err := svc.Open(context.Background(), "at1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Body.Close()
	content, _ := io.ReadAll(stream.Body)
	if string(content) != "hello" || stream.Filename != "x.bin" {
		t.Fatalf("stream = %q %q", content, stream.Filename)
	}
}

func TestOpenThreadAttachment(t *testing.T) {
	svc, st, fake := testService(t)
	seedAttachment(t, st, "C123/1700000000.000100")
	fake.AddFile("h1", []byte("hello"))

	if _, err := svc.Open(context.Background(), "at1"); err != nil {
		t.Fatalf("thread attachment refused: %v", err)
	}
}

func TestOpenUnknownID(t *testing.T) {
	svc, _, _ := testService(t)
	if _, err := svc.Open(context.Background(), "nope"); !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestOpenRefusesUnservedChannel(t *testing.T) {
	svc, st, fake := testService(t)
	// A row left behind from before the gateway was re-pointed.
	seedAttachment(t, st, "C999")
	fake.AddFile("h1", []byte("hello"))

	if _, err := svc.Open(context.Background(), "at1"); !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}
