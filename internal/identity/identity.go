// Package identity manages agent registration, tokens, and invites.
//
// Tokens are 32 bytes of crypto/rand, hex-encoded, handed out exactly once
// at issue time. Only the sha256 of a token is persisted, so a database
// leak cannot be replayed against the gateway.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AgentGate/AgentGate/internal/apierr"
	"github.com/AgentGate/AgentGate/internal/config"
	"github.com/AgentGate/AgentGate/internal/store"
)

// Service issues and authenticates agent identities according to the
// configured registration mode.
type Service struct {
	store *store.Store
	mode  string
}

func NewService(st *store.Store, mode string) *Service {
	return &Service{store: st, mode: mode}
}

// Mode reports the active registration mode.
func (s *Service) Mode() string { return s.mode }

func newToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(raw)
	return token, HashToken(token), nil
}

// HashToken returns the hex sha256 digest stored in place of a secret.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issued is the one-time response to a successful registration or token
// rotation. Token never appears anywhere else.
type Issued struct {
	Agent *store.Agent
	Token string
}

// Register creates an agent through the public registration surface.
// Open mode ignores inviteCode; invite mode requires a valid, unexhausted
// code; closed mode always refuses.
func (s *Service) Register(name, avatarURL, inviteCode string) (*Issued, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apierr.New(apierr.Validation, "agent name is required")
	}

	switch s.mode {
	case config.ModeClosed:
		return nil, apierr.New(apierr.Validation, "registration is closed; ask an operator for credentials")
	case config.ModeInvite:
		if strings.TrimSpace(inviteCode) == "" {
			return nil, apierr.New(apierr.Validation, "an invite code is required")
		}
	case config.ModeOpen:
		// No gate.
	default:
		return nil, apierr.Newf(apierr.Validation, "unknown registration mode %q", s.mode)
	}

	token, hash, err := newToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.UpstreamTransient, "token generation failed", err)
	}
	agentID := uuid.NewString()

	if s.mode == config.ModeInvite {
		err = s.store.CreateAgentWithInvite(agentID, name, avatarURL, hash, HashToken(inviteCode))
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, apierr.New(apierr.NotFound, "unknown invite code")
		case errors.Is(err, store.ErrInviteExhausted):
			return nil, apierr.New(apierr.Conflict, "invite code is revoked, expired, or used up")
		case err != nil:
			return nil, err
		}
	} else if err := s.store.CreateAgent(agentID, name, avatarURL, hash); err != nil {
		return nil, err
	}

	agent, err := s.store.AgentByID(agentID)
	if err != nil {
		return nil, err
	}
	return &Issued{Agent: agent, Token: token}, nil
}

// AdminCreate provisions an agent directly, bypassing mode and invites.
func (s *Service) AdminCreate(name, avatarURL string) (*Issued, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apierr.New(apierr.Validation, "agent name is required")
	}
	token, hash, err := newToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.UpstreamTransient, "token generation failed", err)
	}
	agentID := uuid.NewString()
	if err := s.store.CreateAgent(agentID, name, avatarURL, hash); err != nil {
		return nil, err
	}
	agent, err := s.store.AgentByID(agentID)
	if err != nil {
		return nil, err
	}
	return &Issued{Agent: agent, Token: token}, nil
}

// Authenticate resolves a bearer token to an active agent. Unknown and
// revoked credentials are indistinguishable to the caller.
func (s *Service) Authenticate(token string) (*store.Agent, error) {
	if token == "" {
		return nil, apierr.New(apierr.Unauthenticated, "missing bearer token")
	}
	agent, err := s.store.AgentByTokenHash(HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.Unauthenticated, "invalid or revoked token")
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// Rotate replaces an agent's token. The agent's read cursor and identity
// are untouched; only the credential changes.
func (s *Service) Rotate(agentID string) (*Issued, error) {
	agent, err := s.store.AgentByID(agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.NotFound, "no such agent")
	}
	if err != nil {
		return nil, err
	}
	if agent.Status != store.AgentActive {
		return nil, apierr.New(apierr.Conflict, "agent is revoked")
	}
	token, hash, err := newToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.UpstreamTransient, "token generation failed", err)
	}
	if err := s.store.UpdateAgentTokenHash(agentID, hash); err != nil {
		return nil, err
	}
	return &Issued{Agent: agent, Token: token}, nil
}

// Revoke permanently disables an agent's credentials. Historical events
// authored by the agent are retained.
func (s *Service) Revoke(agentID string) error {
	err := s.store.RevokeAgent(agentID)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.New(apierr.NotFound, "no such agent")
	}
	return err
}

// ListAgents returns all agents, active and revoked.
func (s *Service) ListAgents() ([]store.Agent, error) {
	return s.store.ListAgents()
}

// IssuedInvite carries the one-time plaintext invite code.
type IssuedInvite struct {
	InviteID  string
	Code      string
	Label     string
	MaxUses   int
	ExpiresAt *time.Time
}

// CreateInvite mints an invite code. maxUses <= 0 means unlimited and
// expiresAt nil means no expiry.
func (s *Service) CreateInvite(label string, maxUses int, expiresAt *time.Time) (*IssuedInvite, error) {
	code, hash, err := newToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.UpstreamTransient, "invite generation failed", err)
	}
	inviteID := uuid.NewString()
	if err := s.store.CreateInvite(inviteID, hash, label, maxUses, expiresAt); err != nil {
		return nil, err
	}
	return &IssuedInvite{
		InviteID:  inviteID,
		Code:      code,
		Label:     label,
		MaxUses:   maxUses,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) ListInvites() ([]store.Invite, error) {
	return s.store.ListInvites()
}

func (s *Service) RevokeInvite(inviteID string) error {
	err := s.store.RevokeInvite(inviteID)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.New(apierr.NotFound, "no such invite")
	}
	return err
}
