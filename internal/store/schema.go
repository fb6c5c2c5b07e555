package store

import (
	"time"
)

// Event is one immutable record in the merged channel log. Events are
// created by the ingestion pipeline or by the outbound poster's self-echo
// and are never mutated afterwards, with one exception: a webhook echo that
// raced ingestion may be rewritten to agent authorship (see MarkEventAsAgent).
type Event struct {
	Seq               int64     `json:"seq"`
	EventID           string    `json:"event_id"`
	AuthorKind        string    `json:"author_kind"` // agent | human | bot | webhook
	AuthorID          string    `json:"author_id"`
	AuthorName        string    `json:"author_name"`
	Body              string    `json:"body"`
	CreatedAt         time.Time `json:"created_at"`
	ExternalMessageID string    `json:"external_message_id"`
	SourceChannelID   string    `json:"source_channel_id"`
}

// Author kinds. Closed set; the gateway rejects anything else at ingest.
const (
	AuthorAgent   = "agent"
	AuthorHuman   = "human"
	AuthorBot     = "bot"
	AuthorWebhook = "webhook"
)

// Attachment describes one externally stored file on an Event.
type Attachment struct {
	AttachmentID      string `json:"attachment_id"`
	EventSeq          int64  `json:"event_seq"`
	ExternalMessageID string `json:"external_message_id"`
	SourceChannelID   string `json:"source_channel_id"`
	Filename          string `json:"filename"`
	ContentType       string `json:"content_type"`
	SizeBytes         int64  `json:"size_bytes"`
	// DownloadHandle is the adapter-opaque reference used to stream bytes.
	// It is never exposed to agents.
	DownloadHandle string `json:"-"`
}

// Agent is a registered bus participant. Agents are soft-revoked, never
// deleted, so cursor and audit history survive.
type Agent struct {
	AgentID   string     `json:"agent_id"`
	Name      string     `json:"name"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	Status    string     `json:"status"` // active | revoked
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Agent statuses.
const (
	AgentActive  = "active"
	AgentRevoked = "revoked"
)

// Invite gates self-registration in invite mode.
type Invite struct {
	InviteID  string     `json:"invite_id"`
	Label     string     `json:"label,omitempty"`
	MaxUses   int        `json:"max_uses"`
	UsedCount int        `json:"used_count"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// ChannelProfile is the mutable singleton agents read via /v1/context.
type ChannelProfile struct {
	Name      string     `json:"name"`
	Mission   string     `json:"mission"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// OutboundBinding is the recorded delivery credential for the destination
// channel. A binding is only valid while ChannelID matches the currently
// configured destination.
type OutboundBinding struct {
	ChannelID string    `json:"channel_id"`
	Ref       string    `json:"ref"` // adapter-opaque credential reference
	CreatedAt time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	author_kind TEXT NOT NULL,
	author_id TEXT NOT NULL,
	author_name TEXT,
	body TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	external_message_id TEXT NOT NULL,
	source_channel_id TEXT NOT NULL,
	UNIQUE(source_channel_id, external_message_id)
);
CREATE INDEX IF NOT EXISTS idx_events_seq ON events(seq);
CREATE INDEX IF NOT EXISTS idx_events_source_seq ON events(source_channel_id, seq);

CREATE TABLE IF NOT EXISTS attachments (
	attachment_id TEXT PRIMARY KEY,
	event_seq INTEGER NOT NULL,
	external_message_id TEXT NOT NULL,
	source_channel_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	content_type TEXT,
	size_bytes INTEGER,
	download_handle TEXT,
	FOREIGN KEY(event_seq) REFERENCES events(seq)
);
CREATE INDEX IF NOT EXISTS idx_attachments_event ON attachments(event_seq);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	avatar_url TEXT,
	token_sha256 TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	revoked_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_agents_token ON agents(token_sha256);

CREATE TABLE IF NOT EXISTS receipts (
	agent_id TEXT PRIMARY KEY,
	last_seq INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(agent_id) REFERENCES agents(agent_id)
);

CREATE TABLE IF NOT EXISTS invites (
	invite_id TEXT PRIMARY KEY,
	code_sha256 TEXT NOT NULL UNIQUE,
	label TEXT,
	max_uses INTEGER NOT NULL DEFAULT 1,
	used_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	expires_at DATETIME,
	revoked_at DATETIME
);

CREATE TABLE IF NOT EXISTS ingestion_state (
	source_channel_id TEXT PRIMARY KEY,
	last_external_message_id TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME
);
`
