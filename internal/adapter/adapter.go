// Package adapter defines the narrow interface the gateway core uses to
// talk to the external chat platform, plus the Slack implementation. The
// core never touches the native wire protocol directly.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Message is one externally observed channel message, normalized for the
// ingestion pipeline.
type Message struct {
	ExternalID      string
	SourceChannelID string
	AuthorKind      string // human | bot | webhook
	AuthorID        string
	AuthorName      string
	Body            string
	CreatedAt       time.Time
	Attachments     []File
}

// File describes one externally stored attachment.
type File struct {
	ID          string
	Filename    string
	ContentType string
	SizeBytes   int64
	// DownloadHandle is opaque to the core; only Download understands it.
	DownloadHandle string
}

// Adapter is everything the gateway needs from the external platform.
// All methods are blocking I/O against a remote, independently rate-limited
// service; implementations surface rate limiting as *RateLimitedError.
type Adapter interface {
	// Feed streams live messages for the root channel and its threads onto
	// out until ctx is done. A transient delivery error drops that single
	// message; the feed itself keeps running.
	Feed(ctx context.Context, out chan<- *Message) error

	// HistoryAfter fetches messages in source strictly after afterID,
	// oldest first.
	HistoryAfter(ctx context.Context, sourceChannelID, afterID string) ([]*Message, error)
	// RecentHistory fetches the newest limit messages, oldest first.
	RecentHistory(ctx context.Context, sourceChannelID string, limit int) ([]*Message, error)

	// ActiveThreads returns currently active thread source ids under the
	// root channel. ArchivedThreads returns recently archived ones, capped.
	ActiveThreads(ctx context.Context) ([]string, error)
	ArchivedThreads(ctx context.Context, limit int) ([]string, error)

	// ValidateBinding resolves a stored binding ref to the channel it
	// delivers to. CreateBinding establishes a fresh binding for the
	// configured destination channel, when permitted.
	ValidateBinding(ctx context.Context, ref string) (channelID string, err error)
	CreateBinding(ctx context.Context) (ref string, err error)

	// Post delivers one chunk through the binding with the given external
	// identity, returning the platform message id.
	Post(ctx context.Context, ref, body, username, avatarURL string) (externalID string, err error)

	// Download opens the byte stream for an attachment handle. The caller
	// owns the ReadCloser.
	Download(ctx context.Context, handle string) (rc io.ReadCloser, contentType string, err error)

	// ChannelInfo returns the external name and topic of a channel, used
	// for profile sync.
	ChannelInfo(ctx context.Context, channelID string) (name, topic string, err error)
}

// RateLimitedError is the platform's backpressure signal.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryAfterOf extracts the backoff hint from err, if it is a rate limit.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// WithRetry runs fn up to attempts times, honoring rate-limit hints and
// otherwise backing off exponentially from base. The last error is
// returned once the budget is exhausted; callers surface it as a
// transient upstream failure.
func WithRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		wait := delay
		if hint, ok := RetryAfterOf(err); ok && hint > wait {
			wait = hint
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
