// Package config provides configuration types and loading for agentgate.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Slack, Gateway, Registration, Backfill.
type Config struct {
	Paths        PathsConfig        `json:"paths"`
	Slack        SlackConfig        `json:"slack"`
	Gateway      GatewayConfig      `json:"gateway"`
	Registration RegistrationConfig `json:"registration"`
	Backfill     BackfillConfig     `json:"backfill"`
	Profile      ProfileConfig      `json:"profile"`
	LogLevel     string             `json:"logLevel" envconfig:"LOG_LEVEL"`
}

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	DBPath string `json:"dbPath" envconfig:"DB_PATH"`
}

// SlackConfig configures the external Slack workspace connection.
type SlackConfig struct {
	BotToken string `json:"botToken" envconfig:"SLACK_BOT_TOKEN"`
	AppToken string `json:"appToken" envconfig:"SLACK_APP_TOKEN"`
	// ChannelID is the root channel the gateway ingests and posts to.
	ChannelID string `json:"channelId" envconfig:"SLACK_CHANNEL_ID"`
	APIBase   string `json:"apiBase" envconfig:"SLACK_API_BASE"`
	// MaxMessageLen is the chunk-split limit for outbound posts.
	MaxMessageLen int `json:"maxMessageLen" envconfig:"SLACK_MAX_MESSAGE_LEN"`
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	Host           string `json:"host" envconfig:"GATEWAY_HOST"`
	Port           int    `json:"port" envconfig:"GATEWAY_PORT"`
	BaseURL        string `json:"baseUrl" envconfig:"GATEWAY_BASE_URL"`
	AdminToken     string `json:"adminToken" envconfig:"ADMIN_TOKEN"`
	HealthzVerbose bool   `json:"healthzVerbose" envconfig:"HEALTHZ_VERBOSE"`
}

// RegistrationConfig controls agent self-registration.
type RegistrationConfig struct {
	// Mode is one of "open", "invite", "closed".
	Mode string `json:"mode" envconfig:"REGISTRATION_MODE"`
	// RateLimitCount registrations per RateLimitWindowSeconds per origin.
	RateLimitCount         int `json:"rateLimitCount" envconfig:"REGISTER_RATE_LIMIT_COUNT"`
	RateLimitWindowSeconds int `json:"rateLimitWindowSeconds" envconfig:"REGISTER_RATE_LIMIT_WINDOW_SECONDS"`
}

// BackfillConfig controls the startup/interval reconciler.
type BackfillConfig struct {
	Enabled bool `json:"enabled" envconfig:"BACKFILL_ENABLED"`
	// SeedLimit is how many recent messages to seed for a source with no
	// high-water mark. 0 disables seeding: the source starts empty.
	SeedLimit int `json:"seedLimit" envconfig:"BACKFILL_SEED_LIMIT"`
	// ArchivedThreadLimit caps how many recently archived threads are
	// discovered per pass.
	ArchivedThreadLimit int `json:"archivedThreadLimit" envconfig:"BACKFILL_ARCHIVED_THREAD_LIMIT"`
	// IntervalSeconds > 0 re-runs reconciliation on a fixed interval.
	IntervalSeconds int `json:"intervalSeconds" envconfig:"BACKFILL_INTERVAL_SECONDS"`
	// Concurrency bounds how many sources reconcile in parallel.
	Concurrency int `json:"concurrency" envconfig:"BACKFILL_CONCURRENCY"`
}

// ProfileConfig seeds the channel profile when the store has none.
type ProfileConfig struct {
	Name    string `json:"name" envconfig:"PROFILE_NAME"`
	Mission string `json:"mission" envconfig:"PROFILE_MISSION"`
}

// Registration modes.
const (
	ModeOpen   = "open"
	ModeInvite = "invite"
	ModeClosed = "closed"
)

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DBPath: "data/agentgate.db",
		},
		Slack: SlackConfig{
			APIBase:       "https://slack.com/api/",
			MaxMessageLen: 3800,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Registration: RegistrationConfig{
			Mode:                   ModeOpen,
			RateLimitCount:         10,
			RateLimitWindowSeconds: 60,
		},
		Backfill: BackfillConfig{
			Enabled:             true,
			SeedLimit:           200,
			ArchivedThreadLimit: 25,
			Concurrency:         4,
		},
		Profile: ProfileConfig{
			Name:    "Agent Channel",
			Mission: "Shared channel for autonomous agents and humans.",
		},
		LogLevel: "info",
	}
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Slack.BotToken) == "" {
		errs = append(errs, "missing slack.botToken (SLACK_BOT_TOKEN)")
	}
	if strings.TrimSpace(c.Slack.ChannelID) == "" {
		errs = append(errs, "missing slack.channelId (SLACK_CHANNEL_ID)")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if c.Slack.MaxMessageLen < 1 || c.Slack.MaxMessageLen > 4000 {
		errs = append(errs, "slack.maxMessageLen must be between 1 and 4000")
	}
	switch c.Registration.Mode {
	case ModeOpen, ModeInvite, ModeClosed:
	default:
		errs = append(errs, fmt.Sprintf("registration.mode must be open, invite or closed (got %q)", c.Registration.Mode))
	}
	if c.Registration.RateLimitCount < 1 {
		errs = append(errs, "registration.rateLimitCount must be >= 1")
	}
	if c.Registration.RateLimitWindowSeconds < 1 {
		errs = append(errs, "registration.rateLimitWindowSeconds must be >= 1")
	}
	if c.Backfill.SeedLimit < 0 {
		errs = append(errs, "backfill.seedLimit must be >= 0")
	}
	if c.Backfill.ArchivedThreadLimit < 0 {
		errs = append(errs, "backfill.archivedThreadLimit must be >= 0")
	}
	if c.Backfill.Concurrency < 1 {
		errs = append(errs, "backfill.concurrency must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BaseURL returns the advertised gateway base URL, deriving one from
// host/port when not explicitly configured.
func (c *Config) BaseURL() string {
	if u := strings.TrimRight(strings.TrimSpace(c.Gateway.BaseURL), "/"); u != "" {
		return u
	}
	host := c.Gateway.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Gateway.Port)
}

// BackfillInterval returns the reconciliation interval, zero when disabled.
func (c *Config) BackfillInterval() time.Duration {
	if c.Backfill.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Backfill.IntervalSeconds) * time.Second
}

// RateLimitWindow returns the registration throttle window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Registration.RateLimitWindowSeconds) * time.Second
}
