package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AgentGate/AgentGate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config error: %v\n", err)
			os.Exit(1)
		}

		// Redact secrets before printing.
		cfg.Slack.BotToken = maskSecret(cfg.Slack.BotToken)
		cfg.Slack.AppToken = maskSecret(cfg.Slack.AppToken)
		cfg.Gateway.AdminToken = maskSecret(cfg.Gateway.AdminToken)

		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Printf("Marshal error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	},
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "…" + s[len(s)-4:]
}
