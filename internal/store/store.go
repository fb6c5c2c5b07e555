// Package store is the durable source of truth: the append-only event log,
// per-source high-water marks, agent/invite records and gateway settings,
// all in a single sqlite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced to the service layer.
var (
	ErrNotFound        = errors.New("not found")
	ErrInviteExhausted = errors.New("invite exhausted, expired or revoked")
	ErrStaleCursor     = errors.New("receipt changed concurrently")
)

// Store wraps the sqlite database. All seq-assigning writes serialize on
// the single sqlite writer, which is what makes sequence assignment and
// the ingestion dedup check atomic.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the gateway database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open gateway db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Best-effort migration for databases created before soft revocation.
	_, _ = db.Exec(`ALTER TABLE agents ADD COLUMN status TEXT NOT NULL DEFAULT 'active'`)
	_, _ = db.Exec(`ALTER TABLE agents ADD COLUMN revoked_at DATETIME`)
	return &Store{db: db}, nil
}

// DB returns the underlying handle for shared access in tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// --- Events ---

// InsertEvent appends an event keyed by (source_channel_id,
// external_message_id). When that key already exists the insert is a no-op:
// no new seq is consumed and inserted is false. The returned seq is the
// event's position in the merged stream (existing position on dedup).
func (s *Store) InsertEvent(ev *Event) (seq int64, inserted bool, err error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO events (event_id, author_kind, author_id, author_name, body, created_at, external_message_id, source_channel_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_channel_id, external_message_id) DO NOTHING
	`, ev.EventID, ev.AuthorKind, ev.AuthorID, ev.AuthorName, ev.Body, ev.CreatedAt, ev.ExternalMessageID, ev.SourceChannelID)
	if err != nil {
		return 0, false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		existing, err := s.EventByExternalID(ev.SourceChannelID, ev.ExternalMessageID)
		if err != nil {
			return 0, false, err
		}
		return existing.Seq, false, nil
	}
	seq, err = res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	ev.Seq = seq
	return seq, true, nil
}

// EventByExternalID looks up an event by its dedup key.
func (s *Store) EventByExternalID(sourceChannelID, externalMessageID string) (*Event, error) {
	row := s.db.QueryRow(`
		SELECT seq, event_id, author_kind, author_id, COALESCE(author_name,''), body, created_at, external_message_id, source_channel_id
		FROM events WHERE source_channel_id = ? AND external_message_id = ?
	`, sourceChannelID, externalMessageID)
	return scanEvent(row)
}

// EventBySeq looks up an event by sequence number.
func (s *Store) EventBySeq(seq int64) (*Event, error) {
	row := s.db.QueryRow(`
		SELECT seq, event_id, author_kind, author_id, COALESCE(author_name,''), body, created_at, external_message_id, source_channel_id
		FROM events WHERE seq = ?
	`, seq)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	err := row.Scan(&e.Seq, &e.EventID, &e.AuthorKind, &e.AuthorID, &e.AuthorName, &e.Body, &e.CreatedAt, &e.ExternalMessageID, &e.SourceChannelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EventsAfter returns events with seq strictly greater than cursor,
// ascending, across all sources (the inbox is one interleaved stream).
func (s *Store) EventsAfter(cursor int64, limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT seq, event_id, author_kind, author_id, COALESCE(author_name,''), body, created_at, external_message_id, source_channel_id
		FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?
	`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Seq, &e.EventID, &e.AuthorKind, &e.AuthorID, &e.AuthorName, &e.Body, &e.CreatedAt, &e.ExternalMessageID, &e.SourceChannelID); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MaxSeq returns the highest assigned sequence number, 0 when the log is
// empty.
func (s *Store) MaxSeq() (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM events`).Scan(&max); err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// MarkEventAsAgent rewrites a webhook echo to agent authorship. When the
// live feed ingests the poster's own webhook message before the send-time
// insert lands, the row exists with author_kind=webhook; rewriting it
// preserves agent identity without consuming a new seq.
func (s *Store) MarkEventAsAgent(sourceChannelID, externalMessageID, agentID, agentName string) (int64, error) {
	_, err := s.db.Exec(`
		UPDATE events SET author_kind = ?, author_id = ?, author_name = ?
		WHERE source_channel_id = ? AND external_message_id = ?
	`, AuthorAgent, agentID, agentName, sourceChannelID, externalMessageID)
	if err != nil {
		return 0, err
	}
	ev, err := s.EventByExternalID(sourceChannelID, externalMessageID)
	if err != nil {
		return 0, err
	}
	return ev.Seq, nil
}

// --- Attachments ---

// InsertAttachment records an attachment descriptor for an event.
// Duplicate ids (re-ingestion) are ignored.
func (s *Store) InsertAttachment(a *Attachment) error {
	_, err := s.db.Exec(`
		INSERT INTO attachments (attachment_id, event_seq, external_message_id, source_channel_id, filename, content_type, size_bytes, download_handle)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(attachment_id) DO NOTHING
	`, a.AttachmentID, a.EventSeq, a.ExternalMessageID, a.SourceChannelID, a.Filename, a.ContentType, a.SizeBytes, a.DownloadHandle)
	return err
}

// AttachmentByID looks up one attachment.
func (s *Store) AttachmentByID(attachmentID string) (*Attachment, error) {
	var a Attachment
	err := s.db.QueryRow(`
		SELECT attachment_id, event_seq, external_message_id, source_channel_id, filename, COALESCE(content_type,''), COALESCE(size_bytes,0), COALESCE(download_handle,'')
		FROM attachments WHERE attachment_id = ?
	`, attachmentID).Scan(&a.AttachmentID, &a.EventSeq, &a.ExternalMessageID, &a.SourceChannelID, &a.Filename, &a.ContentType, &a.SizeBytes, &a.DownloadHandle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AttachmentsForEvents returns attachments grouped by event seq.
func (s *Store) AttachmentsForEvents(seqs []int64) (map[int64][]Attachment, error) {
	out := make(map[int64][]Attachment)
	if len(seqs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, len(seqs))
	for i, s := range seqs {
		args[i] = s
	}
	rows, err := s.db.Query(`
		SELECT attachment_id, event_seq, external_message_id, source_channel_id, filename, COALESCE(content_type,''), COALESCE(size_bytes,0), COALESCE(download_handle,'')
		FROM attachments WHERE event_seq IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.AttachmentID, &a.EventSeq, &a.ExternalMessageID, &a.SourceChannelID, &a.Filename, &a.ContentType, &a.SizeBytes, &a.DownloadHandle); err != nil {
			return nil, err
		}
		out[a.EventSeq] = append(out[a.EventSeq], a)
	}
	return out, rows.Err()
}

// --- Agents ---

// CreateAgent inserts a new active agent with its receipt row.
func (s *Store) CreateAgent(agentID, name, avatarURL, tokenHash string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertAgentTx(tx, agentID, name, avatarURL, tokenHash); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAgentTx(tx *sql.Tx, agentID, name, avatarURL, tokenHash string) error {
	if _, err := tx.Exec(`
		INSERT INTO agents (agent_id, name, avatar_url, token_sha256, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, agentID, name, avatarURL, tokenHash, AgentActive, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO receipts (agent_id, last_seq) VALUES (?, 0)`, agentID); err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

// CreateAgentWithInvite consumes one invite use and creates the agent in
// the same transaction. Either both happen or neither does.
func (s *Store) CreateAgentWithInvite(agentID, name, avatarURL, tokenHash, codeHash string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var inviteID string
	err = tx.QueryRow(`SELECT invite_id FROM invites WHERE code_sha256 = ?`, codeHash).Scan(&inviteID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	res, err := tx.Exec(`
		UPDATE invites SET used_count = used_count + 1
		WHERE invite_id = ?
		  AND revoked_at IS NULL
		  AND (max_uses <= 0 OR used_count < max_uses)
		  AND (expires_at IS NULL OR expires_at > ?)
	`, inviteID, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInviteExhausted
	}

	if err := insertAgentTx(tx, agentID, name, avatarURL, tokenHash); err != nil {
		return err
	}
	return tx.Commit()
}

// AgentByTokenHash returns the active agent holding the given token hash.
// Revoked agents are invisible here so their credentials fail exactly like
// unknown ones.
func (s *Store) AgentByTokenHash(tokenHash string) (*Agent, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, name, COALESCE(avatar_url,''), status, created_at, revoked_at
		FROM agents WHERE token_sha256 = ? AND status = ?
	`, tokenHash, AgentActive)
	return scanAgent(row)
}

// AgentByID returns an agent regardless of status.
func (s *Store) AgentByID(agentID string) (*Agent, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, name, COALESCE(avatar_url,''), status, created_at, revoked_at
		FROM agents WHERE agent_id = ?
	`, agentID)
	return scanAgent(row)
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var revokedAt sql.NullTime
	err := row.Scan(&a.AgentID, &a.Name, &a.AvatarURL, &a.Status, &a.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		a.RevokedAt = &t
	}
	return &a, nil
}

// ListAgents returns all agents, newest first.
func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, name, COALESCE(avatar_url,''), status, created_at, revoked_at
		FROM agents ORDER BY created_at DESC, agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var revokedAt sql.NullTime
		if err := rows.Scan(&a.AgentID, &a.Name, &a.AvatarURL, &a.Status, &a.CreatedAt, &revokedAt); err != nil {
			return nil, err
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			a.RevokedAt = &t
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// RevokeAgent soft-revokes an agent. Returns ErrNotFound when the agent
// does not exist or is already revoked. There is no un-revoke.
func (s *Store) RevokeAgent(agentID string) error {
	res, err := s.db.Exec(`
		UPDATE agents SET status = ?, revoked_at = ?
		WHERE agent_id = ? AND status = ?
	`, AgentRevoked, time.Now().UTC(), agentID, AgentActive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentTokenHash swaps in a new credential hash for an active agent,
// invalidating the old token. The receipt row (cursor) is untouched.
func (s *Store) UpdateAgentTokenHash(agentID, tokenHash string) error {
	res, err := s.db.Exec(`
		UPDATE agents SET token_sha256 = ? WHERE agent_id = ? AND status = ?
	`, tokenHash, agentID, AgentActive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Receipts (cursors) ---

// ReceiptGet returns the agent's persisted ack position, 0 when none.
func (s *Store) ReceiptGet(agentID string) (int64, error) {
	var last int64
	err := s.db.QueryRow(`SELECT last_seq FROM receipts WHERE agent_id = ?`, agentID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return last, err
}

// ReceiptAdvance moves the cursor from prev to next via compare-and-swap so
// two concurrent acks from the same agent cannot race to a stale value.
// Returns ErrStaleCursor when prev no longer matches.
func (s *Store) ReceiptAdvance(agentID string, prev, next int64) error {
	res, err := s.db.Exec(`
		INSERT INTO receipts (agent_id, last_seq) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET last_seq = excluded.last_seq
		WHERE receipts.last_seq = ?
	`, agentID, next, prev)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleCursor
	}
	return nil
}

// --- Invites ---

// CreateInvite stores a new invite keyed by the hash of its code.
func (s *Store) CreateInvite(inviteID, codeHash, label string, maxUses int, expiresAt *time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO invites (invite_id, code_sha256, label, max_uses, used_count, created_at, expires_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, inviteID, codeHash, label, maxUses, time.Now().UTC(), expiresAt)
	return err
}

// ListInvites returns all invites, newest first.
func (s *Store) ListInvites() ([]Invite, error) {
	rows, err := s.db.Query(`
		SELECT invite_id, COALESCE(label,''), max_uses, used_count, created_at, expires_at, revoked_at
		FROM invites ORDER BY created_at DESC, invite_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		var inv Invite
		var expiresAt, revokedAt sql.NullTime
		if err := rows.Scan(&inv.InviteID, &inv.Label, &inv.MaxUses, &inv.UsedCount, &inv.CreatedAt, &expiresAt, &revokedAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			inv.ExpiresAt = &t
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			inv.RevokedAt = &t
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

// RevokeInvite marks an invite revoked. Returns ErrNotFound when missing or
// already revoked.
func (s *Store) RevokeInvite(inviteID string) error {
	res, err := s.db.Exec(`
		UPDATE invites SET revoked_at = ? WHERE invite_id = ? AND revoked_at IS NULL
	`, time.Now().UTC(), inviteID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Ingestion state ---

// HighWaterMark returns the last ingested external message id for a source.
func (s *Store) HighWaterMark(sourceChannelID string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT last_external_message_id FROM ingestion_state WHERE source_channel_id = ?
	`, sourceChannelID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// AdvanceHighWaterMark moves a source's mark forward, never backward.
// External message ids compare by their numeric timestamp prefix so a
// backfilled old message cannot regress the mark.
func (s *Store) AdvanceHighWaterMark(sourceChannelID, externalMessageID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`
		SELECT last_external_message_id FROM ingestion_state WHERE source_channel_id = ?
	`, sourceChannelID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`
			INSERT INTO ingestion_state (source_channel_id, last_external_message_id, updated_at)
			VALUES (?, ?, ?)
		`, sourceChannelID, externalMessageID, time.Now().UTC()); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if CompareExternalIDs(externalMessageID, current) <= 0 {
			return tx.Commit()
		}
		if _, err := tx.Exec(`
			UPDATE ingestion_state SET last_external_message_id = ?, updated_at = ?
			WHERE source_channel_id = ?
		`, externalMessageID, time.Now().UTC(), sourceChannelID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// KnownSources returns every source channel id with ingestion state.
func (s *Store) KnownSources() ([]string, error) {
	rows, err := s.db.Query(`SELECT source_channel_id FROM ingestion_state ORDER BY source_channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sources = append(sources, id)
	}
	return sources, rows.Err()
}

// --- Settings ---

// SettingGet returns a setting value, ErrNotFound when absent.
func (s *Store) SettingGet(key string) (string, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return val, err
}

// SettingSet upserts a setting value.
func (s *Store) SettingSet(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}

// SettingDelete removes a setting.
func (s *Store) SettingDelete(key string) error {
	_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
	return err
}

// CompareExternalIDs orders external message ids. Slack ids are
// "seconds.suffix" timestamps; compare the numeric seconds first (shorter
// integer part means smaller), then the rest lexicographically.
func CompareExternalIDs(a, b string) int {
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
