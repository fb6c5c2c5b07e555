// Package attachments streams file content from the external platform's
// CDN to agents, so tokens for that platform never leave the gateway.
package attachments

import (
	"context"
	"errors"
	"io"

	"github.com/AgentGate/AgentGate/internal/adapter"
	"github.com/AgentGate/AgentGate/internal/apierr"
	"github.com/AgentGate/AgentGate/internal/store"
)

// Service resolves attachment ids and opens authenticated CDN streams.
type Service struct {
	store   *store.Store
	adapter adapter.Adapter
	rootID  string
}

func NewService(st *store.Store, ad adapter.Adapter, rootChannelID string) *Service {
	return &Service{store: st, adapter: ad, rootID: rootChannelID}
}

// Stream is an open attachment download. Close it on every path.
type Stream struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
	SizeBytes   int64
}

// Open resolves an attachment id and opens its content stream. The
// attachment must belong to the configured channel or one of its
// threads; anything else means the row predates a reconfiguration and
// is treated as gone.
func (s *Service) Open(ctx context.Context, attachmentID string) (*Stream, error) {
	at, err := s.store.AttachmentByID(attachmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.NotFound, "no such attachment")
	}
	if err != nil {
		return nil, err
	}

	channelID, _ := adapter.SplitSource(at.SourceChannelID)
	if channelID != s.rootID {
		return nil, apierr.New(apierr.NotFound, "attachment belongs to an unserved channel")
	}

	body, contentType, err := s.adapter.Download(ctx, at.DownloadHandle)
	if err != nil {
		if _, limited := adapter.RetryAfterOf(err); limited {
			return nil, apierr.Wrap(apierr.RateLimited, "upstream is rate limiting downloads", err)
		}
		return nil, apierr.Wrap(apierr.UpstreamTransient, "attachment download failed", err)
	}
	if contentType == "" {
		contentType = at.ContentType
	}
	return &Stream{
		Body:        body,
		Filename:    at.Filename,
		ContentType: contentType,
		SizeBytes:   at.SizeBytes,
	}, nil
}
