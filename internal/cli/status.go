package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AgentGate/AgentGate/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ AgentGate Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 AgentGate Status")
		fmt.Printf("Version: %s\n", version)

		if configPath, err := config.ConfigPath(); err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (using env vars and defaults)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Load:    ✗ %v\n", err)
			return
		}
		if cfg.Slack.BotToken != "" {
			fmt.Println("Slack Bot Token: ✓ Set")
		} else {
			fmt.Println("Slack Bot Token: ✗ Missing (SLACK_BOT_TOKEN)")
		}
		if cfg.Slack.AppToken != "" {
			fmt.Println("Slack App Token: ✓ Set")
		} else {
			fmt.Println("Slack App Token: ✗ Missing (SLACK_APP_TOKEN)")
		}
		if cfg.Slack.ChannelID != "" {
			fmt.Println("Channel: ✓ " + cfg.Slack.ChannelID)
		} else {
			fmt.Println("Channel: ✗ Missing (SLACK_CHANNEL_ID)")
		}
		fmt.Printf("Registration: %s\n", cfg.Registration.Mode)
		if cfg.Gateway.AdminToken != "" {
			fmt.Println("Admin:   ✓ Enabled")
		} else {
			fmt.Println("Admin:   ✗ Disabled (no ADMIN_TOKEN)")
		}
		fmt.Printf("Listen:  %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	},
}
