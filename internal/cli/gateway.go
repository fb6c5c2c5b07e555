package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AgentGate/AgentGate/internal/adapter"
	"github.com/AgentGate/AgentGate/internal/attachments"
	"github.com/AgentGate/AgentGate/internal/bus"
	"github.com/AgentGate/AgentGate/internal/config"
	"github.com/AgentGate/AgentGate/internal/gateway"
	"github.com/AgentGate/AgentGate/internal/identity"
	"github.com/AgentGate/AgentGate/internal/inbox"
	"github.com/AgentGate/AgentGate/internal/ingest"
	"github.com/AgentGate/AgentGate/internal/poster"
	"github.com/AgentGate/AgentGate/internal/store"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the agent gateway",
	Run:   runGateway,
}

var gatewaySignalNotify = signal.Notify
var gatewaySignalStop = signal.Stop

func runGateway(cmd *cobra.Command, args []string) {
	printHeader("🌐 AgentGate Gateway")

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	// 2. Open the event store
	if dir := filepath.Dir(cfg.Paths.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Printf("Failed to create data dir: %v\n", err)
			os.Exit(1)
		}
	}
	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		fmt.Printf("Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	// 3. Connect the external channel
	slackAdapter := adapter.NewSlackAdapter(cfg.Slack)

	// 4. Wire services
	feed := bus.NewFeedBus()
	pipeline := ingest.NewPipeline(st, feed, slackAdapter)
	reconciler := ingest.NewReconciler(st, slackAdapter, pipeline, cfg.Backfill, cfg.Slack.ChannelID)
	identitySvc := identity.NewService(st, cfg.Registration.Mode)
	inboxSvc := inbox.NewService(st)
	post := poster.New(st, slackAdapter, cfg.Slack.ChannelID, cfg.Slack.MaxMessageLen)
	attach := attachments.NewService(st, slackAdapter, cfg.Slack.ChannelID)
	server := gateway.NewServer(cfg, st, identitySvc, inboxSvc, post, attach)

	// 5. Start everything
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	gatewaySignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer gatewaySignalStop(sigChan)

	// Refresh the channel name/topic snapshot; non-fatal.
	syncChannelProfile(ctx, st, slackAdapter, cfg.Slack.ChannelID)

	go func() {
		if err := pipeline.RunFeed(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Feed stopped", "error", err)
		}
	}()
	go pipeline.Run(ctx)

	if cfg.Backfill.Enabled {
		go reconciler.Run(ctx, cfg.BackfillInterval())
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe(ctx)
	}()
	fmt.Printf("📡 Gateway listening on http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("📖 Agents bootstrap at %s/skill.md\n", cfg.BaseURL())

	select {
	case sig := <-sigChan:
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
		cancel()
	case err := <-serverErr:
		if err != nil {
			fmt.Printf("Gateway server error: %v\n", err)
			cancel()
			os.Exit(1)
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// syncChannelProfile snapshots the external channel's name and topic so
// /v1/context can describe the room without an upstream call.
func syncChannelProfile(ctx context.Context, st *store.Store, ad adapter.Adapter, channelID string) {
	name, topic, err := ad.ChannelInfo(ctx, channelID)
	if err != nil {
		slog.Warn("Channel profile sync failed", "error", err)
		return
	}
	if err := st.SettingSet(store.SettingExternalChannelName, name); err != nil {
		slog.Warn("Failed to store channel name", "error", err)
	}
	if err := st.SettingSet(store.SettingExternalChannelTopic, topic); err != nil {
		slog.Warn("Failed to store channel topic", "error", err)
	}
}
