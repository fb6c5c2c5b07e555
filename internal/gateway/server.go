// Package gateway exposes the HTTP surface: agent registration, the
// poll/ack inbox, outbound posting, attachment streaming, and the admin
// routes. It translates the internal error taxonomy to HTTP statuses.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AgentGate/AgentGate/internal/apierr"
	"github.com/AgentGate/AgentGate/internal/attachments"
	"github.com/AgentGate/AgentGate/internal/config"
	"github.com/AgentGate/AgentGate/internal/identity"
	"github.com/AgentGate/AgentGate/internal/inbox"
	"github.com/AgentGate/AgentGate/internal/poster"
	"github.com/AgentGate/AgentGate/internal/ratelimit"
	"github.com/AgentGate/AgentGate/internal/store"
)

// Server wires the HTTP handlers to the gateway services.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	identity    *identity.Service
	inbox       *inbox.Service
	poster      *poster.Poster
	attachments *attachments.Service
	limiter     *ratelimit.Limiter
	startedAt   time.Time
}

func NewServer(cfg *config.Config, st *store.Store, ident *identity.Service, inb *inbox.Service, post *poster.Poster, att *attachments.Service) *Server {
	return &Server{
		cfg:         cfg,
		store:       st,
		identity:    ident,
		inbox:       inb,
		poster:      post,
		attachments: att,
		limiter:     ratelimit.New(cfg.Registration.RateLimitCount, cfg.RateLimitWindow()),
		startedAt:   time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /skill.md", s.handleSkillDoc)
	mux.HandleFunc("GET /heartbeat.md", s.handleHeartbeatDoc)
	mux.HandleFunc("GET /messaging.md", s.handleMessagingDoc)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)

	mux.HandleFunc("POST /v1/agents/register", s.handleRegister)
	mux.HandleFunc("GET /v1/me", s.withAgent(s.handleMe))
	mux.HandleFunc("GET /v1/inbox", s.withAgent(s.handleInbox))
	mux.HandleFunc("POST /v1/post", s.withAgent(s.handlePost))
	mux.HandleFunc("POST /v1/ack", s.withAgent(s.handleAck))
	mux.HandleFunc("GET /v1/context", s.withAgent(s.handleContext))
	mux.HandleFunc("GET /v1/attachments/{id}", s.withAgent(s.handleAttachment))

	mux.HandleFunc("GET /v1/admin/config", s.withAdmin(s.handleAdminConfig))
	mux.HandleFunc("GET /v1/admin/profile", s.withAdmin(s.handleProfileGet))
	mux.HandleFunc("PUT /v1/admin/profile", s.withAdmin(s.handleProfilePut))
	mux.HandleFunc("POST /v1/admin/agents", s.withAdmin(s.handleAdminAgentCreate))
	mux.HandleFunc("GET /v1/admin/agents", s.withAdmin(s.handleAdminAgentList))
	mux.HandleFunc("POST /v1/admin/agents/{id}/revoke", s.withAdmin(s.handleAdminAgentRevoke))
	mux.HandleFunc("POST /v1/admin/agents/{id}/rotate-token", s.withAdmin(s.handleAdminAgentRotate))
	mux.HandleFunc("POST /v1/admin/invites", s.withAdmin(s.handleAdminInviteCreate))
	mux.HandleFunc("GET /v1/admin/invites", s.withAdmin(s.handleAdminInviteList))
	mux.HandleFunc("POST /v1/admin/invites/{id}/revoke", s.withAdmin(s.handleAdminInviteRevoke))

	return mux
}

// ListenAndServe runs the HTTP server until ctx ends, then drains with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// --- Response plumbing ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps the error taxonomy onto HTTP. Unclassified errors are
// internal faults and deliberately opaque to the client.
func statusOf(err error) int {
	kind, ok := apierr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case apierr.Unauthenticated:
		return http.StatusUnauthorized
	case apierr.Validation:
		return http.StatusBadRequest
	case apierr.RateLimited:
		return http.StatusTooManyRequests
	case apierr.Conflict:
		return http.StatusConflict
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.UpstreamTransient:
		return http.StatusBadGateway
	case apierr.InvariantViolation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	kind, classified := apierr.KindOf(err)
	msg := "internal error"
	code := "internal"
	if classified {
		code = kind.String()
		var e *apierr.Error
		if errors.As(err, &e) {
			msg = e.Msg
		}
	} else {
		slog.Error("Unclassified handler error", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.Validation, "invalid JSON body", err)
	}
	return nil
}

// --- Auth middleware ---

type agentHandler func(w http.ResponseWriter, r *http.Request, agent *store.Agent)

func (s *Server) withAgent(next agentHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		agent, err := s.identity.Authenticate(token)
		if err != nil {
			writeErr(w, err)
			return
		}
		next(w, r, agent)
	}
}

// withAdmin gates a route behind X-Admin-Token. With no token configured
// the whole admin surface answers 503 rather than silently allowing all.
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := s.cfg.Gateway.AdminToken
		if expected == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "admin surface disabled: no admin token configured",
				"code":  "admin_disabled",
			})
			return
		}
		got := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			writeErr(w, apierr.New(apierr.Unauthenticated, "invalid admin token"))
			return
		}
		next(w, r)
	}
}

// credentialPath suggests where a client should keep the issued token,
// namespaced by gateway host and port so an agent talking to several
// gateways does not clobber one credential with another.
func (s *Server) credentialPath(agentID string) string {
	u, err := url.Parse(s.cfg.BaseURL())
	if err != nil || u.Host == "" {
		return fmt.Sprintf("~/.config/agentgate/%s.json", agentID)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return fmt.Sprintf("~/.config/agentgate/%s_%s/%s.json", u.Hostname(), port, agentID)
}

func clientOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Public surface ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if _, err := s.store.SettingGet("__healthcheck__"); err != nil && !errors.Is(err, store.ErrNotFound) {
		status = "degraded"
	}
	resp := map[string]any{"status": status}
	if s.cfg.Gateway.HealthzVerbose {
		max, err := s.store.MaxSeq()
		if err != nil {
			writeErr(w, err)
			return
		}
		agents, err := s.store.ListAgents()
		if err != nil {
			writeErr(w, err)
			return
		}
		active := 0
		for _, a := range agents {
			if a.Status == store.AgentActive {
				active++
			}
		}
		resp["max_seq"] = max
		resp["agents_active"] = active
		resp["uptime_seconds"] = int(time.Since(s.startedAt).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"platform":            "slack",
		"single_channel":      true,
		"channel_id":          s.cfg.Slack.ChannelID,
		"registration_mode":   s.identity.Mode(),
		"gateway_split_limit": s.cfg.Slack.MaxMessageLen,
		"inbox_default_limit": inbox.DefaultLimit,
		"inbox_max_limit":     inbox.MaxLimit,
		"identity_fields":     []string{"author_kind", "author_id", "author_name", "is_self", "is_human"},
		"attachments": map[string]any{
			"supported":         true,
			"inbox_field":       "attachments",
			"download_endpoint": "/v1/attachments/{attachment_id}",
		},
		"threads": map[string]any{
			"supported":   true,
			"inbox_field": "source_channel_id",
		},
		"context": map[string]any{
			"supported": true,
			"endpoint":  "/v1/context",
			"fields":    []string{"name", "mission", "updated_at"},
		},
	})
}

type registerRequest struct {
	Name       string `json:"name"`
	AvatarURL  string `json:"avatar_url"`
	InviteCode string `json:"invite_code"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientOrigin(r)) {
		writeErr(w, apierr.New(apierr.RateLimited, "too many registration attempts; slow down"))
		return
	}
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	issued, err := s.identity.Register(req.Name, req.AvatarURL, req.InviteCode)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("Agent registered", "agent_id", issued.Agent.AgentID, "name", issued.Agent.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_id":         issued.Agent.AgentID,
		"name":             issued.Agent.Name,
		"avatar_url":       issued.Agent.AvatarURL,
		"token":            issued.Token,
		"gateway_base_url": s.cfg.BaseURL(),
		"credential_path":  s.credentialPath(issued.Agent.AgentID),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	last, err := s.store.ReceiptGet(agent.AgentID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":   agent.AgentID,
		"name":       agent.Name,
		"avatar_url": agent.AvatarURL,
		"status":     agent.Status,
		"created_at": agent.CreatedAt,
		"last_seq":   last,
	})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	q := r.URL.Query()
	var cursor *int64
	if raw := q.Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeErr(w, apierr.New(apierr.Validation, "cursor must be an integer"))
			return
		}
		cursor = &v
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeErr(w, apierr.New(apierr.Validation, "limit must be an integer"))
			return
		}
		limit = v
	}
	page, err := s.inbox.Fetch(agent.AgentID, cursor, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if page.Items == nil {
		page.Items = []inbox.Item{}
	}
	writeJSON(w, http.StatusOK, page)
}

type postRequest struct {
	Body string `json:"body"`
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	var req postRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.poster.Post(r.Context(), agent, req.Body)
	if err != nil {
		if res != nil {
			// Partial delivery: report what went out with the failure.
			code := "internal"
			if kind, classified := apierr.KindOf(err); classified {
				code = kind.String()
			} else {
				slog.Error("Unclassified partial-delivery error", "error", err)
			}
			writeJSON(w, statusOf(err), map[string]any{
				"error":        "partial delivery",
				"code":         code,
				"last_seq":     res.Seq,
				"chunks_total": res.ChunksTotal,
				"chunks_sent":  res.ChunksSent,
			})
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ackRequest struct {
	Cursor int64 `json:"cursor"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	var req ackRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	last, err := s.inbox.Ack(agent.AgentID, req.Cursor)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cursor": last})
}

// handleContext returns the channel profile plus a recent slice of the
// log, without touching the agent's cursor. New arrivals call this once
// to orient before starting to poll.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= inbox.MaxLimit {
			limit = v
		}
	}
	profile, err := s.store.ProfileGet(s.cfg.Profile.Name, s.cfg.Profile.Mission)
	if err != nil {
		writeErr(w, err)
		return
	}
	max, err := s.store.MaxSeq()
	if err != nil {
		writeErr(w, err)
		return
	}
	after := max - int64(limit)
	if after < 0 {
		after = 0
	}
	page, err := s.inbox.Fetch(agent.AgentID, &after, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	channelName, _ := s.store.SettingGet(store.SettingExternalChannelName)
	channelTopic, _ := s.store.SettingGet(store.SettingExternalChannelTopic)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          profile.Name,
		"mission":       profile.Mission,
		"updated_at":    profile.UpdatedAt,
		"channel_name":  channelName,
		"channel_topic": channelTopic,
		"recent":        page.Items,
		"max_seq":       max,
	})
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	stream, err := s.attachments.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	defer stream.Body.Close()

	if stream.ContentType != "" {
		w.Header().Set("Content-Type", stream.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if stream.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(stream.SizeBytes, 10))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sanitizeFilename(stream.Filename)))
	if _, err := io.Copy(w, stream.Body); err != nil {
		slog.Warn("Attachment stream interrupted", "error", err)
	}
}

// sanitizeFilename strips path separators and control characters so the
// header cannot smuggle a traversal or split.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		switch r {
		case '/', '\\', '"':
			return '_'
		}
		return r
	}, name)
	if name == "" {
		return "attachment"
	}
	return name
}

// --- Admin surface ---

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"registration_mode":     s.cfg.Registration.Mode,
		"channel_id":            s.cfg.Slack.ChannelID,
		"max_message_length":    s.cfg.Slack.MaxMessageLen,
		"backfill_enabled":      s.cfg.Backfill.Enabled,
		"backfill_seed_limit":   s.cfg.Backfill.SeedLimit,
		"rate_limit_count":      s.cfg.Registration.RateLimitCount,
		"rate_limit_window_sec": s.cfg.Registration.RateLimitWindowSeconds,
		"base_url":              s.cfg.BaseURL(),
	})
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	profile, err := s.store.ProfileGet(s.cfg.Profile.Name, s.cfg.Profile.Mission)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type profilePutRequest struct {
	Name    string `json:"name"`
	Mission string `json:"mission"`
}

func (s *Server) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	var req profilePutRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeErr(w, apierr.New(apierr.Validation, "profile name is required"))
		return
	}
	profile, err := s.store.ProfileSet(req.Name, req.Mission)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type adminAgentCreateRequest struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

func (s *Server) handleAdminAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req adminAgentCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	issued, err := s.identity.AdminCreate(req.Name, req.AvatarURL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_id":        issued.Agent.AgentID,
		"name":            issued.Agent.Name,
		"avatar_url":      issued.Agent.AvatarURL,
		"token":           issued.Token,
		"credential_path": s.credentialPath(issued.Agent.AgentID),
	})
}

func (s *Server) handleAdminAgentList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.identity.ListAgents()
	if err != nil {
		writeErr(w, err)
		return
	}
	if agents == nil {
		agents = []store.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAdminAgentRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.identity.Revoke(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleAdminAgentRotate(w http.ResponseWriter, r *http.Request) {
	issued, err := s.identity.Rotate(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": issued.Agent.AgentID,
		"token":    issued.Token,
	})
}

type inviteCreateRequest struct {
	Label      string `json:"label"`
	MaxUses    int    `json:"max_uses"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleAdminInviteCreate(w http.ResponseWriter, r *http.Request) {
	var req inviteCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	var expiresAt *time.Time
	if req.TTLSeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(req.TTLSeconds) * time.Second)
		expiresAt = &t
	}
	issued, err := s.identity.CreateInvite(req.Label, req.MaxUses, expiresAt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"invite_id":  issued.InviteID,
		"code":       issued.Code,
		"label":      issued.Label,
		"max_uses":   issued.MaxUses,
		"expires_at": issued.ExpiresAt,
	})
}

func (s *Server) handleAdminInviteList(w http.ResponseWriter, r *http.Request) {
	invites, err := s.identity.ListInvites()
	if err != nil {
		writeErr(w, err)
		return
	}
	if invites == nil {
		invites = []store.Invite{}
	}
	writeJSON(w, http.StatusOK, invites)
}

func (s *Server) handleAdminInviteRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.identity.RevokeInvite(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
