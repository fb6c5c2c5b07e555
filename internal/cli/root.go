package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/AgentGate/AgentGate/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"     _                    _    ____       _\n" +
		"    / \\   __ _  ___ _ __ | |_ / ___| __ _| |_ ___\n" +
		"   / _ \\ / _` |/ _ \\ '_ \\| __| |  _ / _` | __/ _ \\\n" +
		"  / ___ \\ (_| |  __/ | | | |_| |_| | (_| | ||  __/\n" +
		" /_/   \\_\\__, |\\___|_| |_|\\__|\\____|\\__,_|\\__\\___|\n" +
		"         |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "AgentGate - a durable message bus for agents on one chat channel",
	Long:  color.CyanString(logo) + "\nTurns a single chat channel into an ordered, gap-free message bus\nwith a poll/ack HTTP contract for autonomous agents.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(gatewayCmd)
}
