package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/AgentGate/AgentGate/internal/config"
)

// bindingRefPrefix tags stored binding refs so a future credential scheme
// can coexist with channel-scoped bot bindings.
const bindingRefPrefix = "slack:channel:"

// threadSourceSep joins the root channel id and a thread timestamp into a
// thread source id ("C123/1700000000.000100").
const threadSourceSep = "/"

// SlackAdapter implements Adapter against a Slack workspace: socket-mode
// live feed, conversations history/replies for backfill, chat.postMessage
// with per-message username/icon for identity fan-out.
type SlackAdapter struct {
	api       *slack.Client
	sock      *socketmode.Client
	channelID string
	botToken  string
	http      *http.Client

	mu    sync.Mutex
	names map[string]string // user id -> display name
}

// NewSlackAdapter builds the adapter from config. The socket-mode client
// requires an app-level token; REST calls use the bot token.
func NewSlackAdapter(cfg config.SlackConfig) *SlackAdapter {
	opts := []slack.Option{}
	if strings.TrimSpace(cfg.AppToken) != "" {
		opts = append(opts, slack.OptionAppLevelToken(cfg.AppToken))
	}
	if strings.TrimSpace(cfg.APIBase) != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIBase))
	}
	api := slack.New(cfg.BotToken, opts...)
	return &SlackAdapter{
		api:       api,
		sock:      socketmode.New(api),
		channelID: cfg.ChannelID,
		botToken:  cfg.BotToken,
		http:      &http.Client{Timeout: 60 * time.Second},
		names:     make(map[string]string),
	}
}

// ThreadSource builds a thread source id under the root channel.
func ThreadSource(channelID, threadTS string) string {
	return channelID + threadSourceSep + threadTS
}

// SplitSource splits a source id into channel and thread timestamp.
// threadTS is empty for the root channel itself.
func SplitSource(source string) (channelID, threadTS string) {
	channelID, threadTS, _ = strings.Cut(source, threadSourceSep)
	return channelID, threadTS
}

func (s *SlackAdapter) Feed(ctx context.Context, out chan<- *Message) error {
	go func() {
		if err := s.sock.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Slack socket-mode run ended", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-s.sock.Events:
			if !ok {
				return errors.New("slack socket-mode event channel closed")
			}
			if err := s.dispatchEvent(ctx, &evt, out, func(req socketmode.Request) { s.sock.Ack(req) }); err != nil {
				return err
			}
		}
	}
}

// dispatchEvent acks any request-bearing envelope first, then forwards
// watched-channel messages. Slack redelivers unacked envelopes, so the
// ack cannot be conditional on the event type.
func (s *SlackAdapter) dispatchEvent(ctx context.Context, evt *socketmode.Event, out chan<- *Message, ack func(socketmode.Request)) error {
	if evt.Request != nil {
		ack(*evt.Request)
	}
	if evt.Type != socketmode.EventTypeEventsAPI {
		return nil
	}
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return nil
	}
	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return nil
	}
	msg := s.normalizeEvent(ctx, ev)
	if msg == nil {
		return nil
	}
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalizeEvent maps a live message event onto the adapter Message type.
// Edits, deletions and messages outside the watched channel are dropped:
// the log is append-only and single-rooted.
func (s *SlackAdapter) normalizeEvent(ctx context.Context, ev *slackevents.MessageEvent) *Message {
	switch ev.SubType {
	case "", "bot_message", "file_share", "thread_broadcast":
	default:
		return nil
	}
	if ev.Channel != s.channelID {
		return nil
	}
	if ev.TimeStamp == "" {
		return nil
	}

	source := s.channelID
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		source = ThreadSource(s.channelID, ev.ThreadTimeStamp)
	}

	msg := &Message{
		ExternalID:      ev.TimeStamp,
		SourceChannelID: source,
		Body:            ev.Text,
		CreatedAt:       parseSlackTS(ev.TimeStamp),
	}

	switch {
	case ev.BotID != "" && ev.Username != "":
		// Customized bot identity: how the gateway's own fan-out posts
		// come back through the feed.
		msg.AuthorKind = "webhook"
		msg.AuthorID = ev.BotID
		msg.AuthorName = ev.Username
	case ev.BotID != "":
		msg.AuthorKind = "bot"
		msg.AuthorID = ev.BotID
		msg.AuthorName = ev.Username
	default:
		msg.AuthorKind = "human"
		msg.AuthorID = ev.User
		msg.AuthorName = s.displayName(ctx, ev.User)
	}

	// The event's own struct carries no file list; the library's custom
	// unmarshaler normalizes message data, files included, into Message.
	if ev.Message != nil {
		for _, f := range ev.Message.Files {
			msg.Attachments = append(msg.Attachments, File{
				ID:             f.ID,
				Filename:       f.Name,
				ContentType:    f.Mimetype,
				SizeBytes:      int64(f.Size),
				DownloadHandle: f.URLPrivateDownload,
			})
		}
	}
	return msg
}

func (s *SlackAdapter) HistoryAfter(ctx context.Context, source, afterID string) ([]*Message, error) {
	channelID, threadTS := SplitSource(source)
	if threadTS != "" {
		return s.threadHistory(ctx, channelID, threadTS, afterID, 0)
	}
	return s.channelHistory(ctx, channelID, afterID, 0)
}

func (s *SlackAdapter) RecentHistory(ctx context.Context, source string, limit int) ([]*Message, error) {
	channelID, threadTS := SplitSource(source)
	var msgs []*Message
	var err error
	if threadTS != "" {
		msgs, err = s.threadHistory(ctx, channelID, threadTS, "", limit)
	} else {
		msgs, err = s.channelHistory(ctx, channelID, "", limit)
	}
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// channelHistory pages conversations.history. afterID limits results to
// messages strictly newer; max caps total results (0 = unbounded).
func (s *SlackAdapter) channelHistory(ctx context.Context, channelID, afterID string, max int) ([]*Message, error) {
	var out []*Message
	cursor := ""
	for {
		params := &slack.GetConversationHistoryParameters{
			ChannelID: channelID,
			Oldest:    afterID,
			Inclusive: false,
			Limit:     200,
			Cursor:    cursor,
		}
		resp, err := s.api.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, normalizeSlackErr(err)
		}
		for i := range resp.Messages {
			m := s.normalizeHistory(ctx, channelID, "", &resp.Messages[i])
			if m != nil {
				out = append(out, m)
			}
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		if max > 0 && len(out) >= max {
			break
		}
		cursor = resp.ResponseMetaData.NextCursor
	}
	sortByExternalID(out)
	return out, nil
}

func (s *SlackAdapter) threadHistory(ctx context.Context, channelID, threadTS, afterID string, max int) ([]*Message, error) {
	var out []*Message
	cursor := ""
	for {
		params := &slack.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Oldest:    afterID,
			Inclusive: false,
			Limit:     200,
			Cursor:    cursor,
		}
		msgs, hasMore, nextCursor, err := s.api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			return nil, normalizeSlackErr(err)
		}
		for i := range msgs {
			// The thread parent lives in the root channel's stream.
			if msgs[i].Timestamp == threadTS {
				continue
			}
			m := s.normalizeHistory(ctx, channelID, threadTS, &msgs[i])
			if m != nil {
				out = append(out, m)
			}
		}
		if !hasMore || nextCursor == "" {
			break
		}
		if max > 0 && len(out) >= max {
			break
		}
		cursor = nextCursor
	}
	sortByExternalID(out)
	return out, nil
}

func (s *SlackAdapter) normalizeHistory(ctx context.Context, channelID, threadTS string, m *slack.Message) *Message {
	switch m.SubType {
	case "", "bot_message", "file_share", "thread_broadcast":
	default:
		return nil
	}
	if m.Timestamp == "" {
		return nil
	}
	source := channelID
	if threadTS != "" {
		source = ThreadSource(channelID, threadTS)
	}
	msg := &Message{
		ExternalID:      m.Timestamp,
		SourceChannelID: source,
		Body:            m.Text,
		CreatedAt:       parseSlackTS(m.Timestamp),
	}
	switch {
	case m.BotID != "" && m.Username != "":
		msg.AuthorKind = "webhook"
		msg.AuthorID = m.BotID
		msg.AuthorName = m.Username
	case m.BotID != "":
		msg.AuthorKind = "bot"
		msg.AuthorID = m.BotID
		msg.AuthorName = m.Username
	default:
		msg.AuthorKind = "human"
		msg.AuthorID = m.User
		msg.AuthorName = s.displayName(ctx, m.User)
	}
	for _, f := range m.Files {
		msg.Attachments = append(msg.Attachments, File{
			ID:             f.ID,
			Filename:       f.Name,
			ContentType:    f.Mimetype,
			SizeBytes:      int64(f.Size),
			DownloadHandle: f.URLPrivateDownload,
		})
	}
	return msg
}

// ActiveThreads discovers thread sources from the most recent page of root
// channel history. Slack has no thread-listing API; replied-to messages
// are the thread roots.
func (s *SlackAdapter) ActiveThreads(ctx context.Context) ([]string, error) {
	return s.discoverThreads(ctx, 1, 0)
}

// ArchivedThreads walks further back in history for older thread roots,
// capped at limit.
func (s *SlackAdapter) ArchivedThreads(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.discoverThreads(ctx, 5, limit)
}

func (s *SlackAdapter) discoverThreads(ctx context.Context, maxPages, limit int) ([]string, error) {
	var threads []string
	seen := make(map[string]bool)
	cursor := ""
	for page := 0; page < maxPages; page++ {
		params := &slack.GetConversationHistoryParameters{
			ChannelID: s.channelID,
			Limit:     200,
			Cursor:    cursor,
		}
		resp, err := s.api.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, normalizeSlackErr(err)
		}
		for i := range resp.Messages {
			m := &resp.Messages[i]
			if m.ReplyCount == 0 {
				continue
			}
			src := ThreadSource(s.channelID, m.Timestamp)
			if seen[src] {
				continue
			}
			seen[src] = true
			threads = append(threads, src)
			if limit > 0 && len(threads) >= limit {
				return threads, nil
			}
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		cursor = resp.ResponseMetaData.NextCursor
	}
	return threads, nil
}

func (s *SlackAdapter) ValidateBinding(ctx context.Context, ref string) (string, error) {
	channelID, ok := strings.CutPrefix(ref, bindingRefPrefix)
	if !ok || channelID == "" {
		return "", fmt.Errorf("malformed binding ref %q", ref)
	}
	if _, err := s.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID}); err != nil {
		return "", normalizeSlackErr(err)
	}
	return channelID, nil
}

func (s *SlackAdapter) CreateBinding(ctx context.Context) (string, error) {
	if _, err := s.api.AuthTestContext(ctx); err != nil {
		return "", normalizeSlackErr(err)
	}
	if _, err := s.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: s.channelID}); err != nil {
		return "", normalizeSlackErr(err)
	}
	return bindingRefPrefix + s.channelID, nil
}

func (s *SlackAdapter) Post(ctx context.Context, ref, body, username, avatarURL string) (string, error) {
	channelID, ok := strings.CutPrefix(ref, bindingRefPrefix)
	if !ok || channelID == "" {
		return "", fmt.Errorf("malformed binding ref %q", ref)
	}
	opts := []slack.MsgOption{
		slack.MsgOptionText(body, false),
		slack.MsgOptionDisableLinkUnfurl(),
	}
	if username != "" {
		opts = append(opts, slack.MsgOptionUsername(username))
	}
	if avatarURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(avatarURL))
	}
	_, ts, err := s.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", normalizeSlackErr(err)
	}
	return ts, nil
}

// allowedDownloadHosts are the only upstream hosts the proxy will stream
// from. Anything else in a stored handle is refused.
var allowedDownloadHosts = []string{"files.slack.com", "slack-files.com"}

func (s *SlackAdapter) Download(ctx context.Context, handle string) (io.ReadCloser, string, error) {
	parsed, err := url.Parse(handle)
	if err != nil {
		return nil, "", fmt.Errorf("malformed download handle: %w", err)
	}
	if parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("download handle must be https, got %q", parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	allowed := false
	for _, h := range allowedDownloadHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, "", fmt.Errorf("refusing to proxy non-platform host %q", host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.botToken)
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retry := parseRetryAfter(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		return nil, "", &RateLimitedError{RetryAfter: retry}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (s *SlackAdapter) ChannelInfo(ctx context.Context, channelID string) (string, string, error) {
	ch, err := s.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		return "", "", normalizeSlackErr(err)
	}
	return ch.Name, ch.Topic.Value, nil
}

func (s *SlackAdapter) displayName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	s.mu.Lock()
	name, ok := s.names[userID]
	s.mu.Unlock()
	if ok {
		return name
	}
	user, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return userID
	}
	name = user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	s.mu.Lock()
	s.names[userID] = name
	s.mu.Unlock()
	return name
}

func normalizeSlackErr(err error) error {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return &RateLimitedError{RetryAfter: rle.RetryAfter}
	}
	return err
}

func parseSlackTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		if v, err := strconv.ParseInt(frac, 10, 64); err == nil {
			micros = v
		}
	}
	return time.Unix(sec, micros*1000).UTC()
}

func parseRetryAfter(header string) time.Duration {
	if v, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Second
}

func sortByExternalID(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return compareTS(msgs[i].ExternalID, msgs[j].ExternalID) < 0
	})
}

// compareTS orders Slack timestamps numerically.
func compareTS(a, b string) int {
	ai, af, _ := strings.Cut(a, ".")
	bi, bf, _ := strings.Cut(b, ".")
	ai = strings.TrimLeft(ai, "0")
	bi = strings.TrimLeft(bi, "0")
	if len(ai) != len(bi) {
		if len(ai) < len(bi) {
			return -1
		}
		return 1
	}
	if ai != bi {
		return strings.Compare(ai, bi)
	}
	return strings.Compare(af, bf)
}
