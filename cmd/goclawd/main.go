// Command goclawd is the orchestration-core daemon: it serves the Relay
// message bus, the Pulse scheduler, the Mesh agent registry, and the
// session manager behind the HTTP+SSE API (spec.md §6), plus the MCP tool
// server over stdio for agent-callable access to the same subsystems.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "goclawd",
	Short: "goclawd — multi-agent workstation orchestration core",
	Long:  "goclawd runs the Relay message bus, Pulse scheduler, Mesh agent registry, and session manager behind an HTTP+SSE API and an MCP tool server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), resolveConfigPath())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $GOCLAW_CORE_HOME/config.json or ~/.goclaw-core/config.json)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(meshCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("goclawd dev")
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if home := os.Getenv("GOCLAW_CORE_HOME"); home != "" {
		return home + "/config.json"
	}
	return expandedDefaultConfigPath()
}

// Execute runs the root cobra command, following the teacher's
// cmd/root.go Execute wrapper (exit 1 on any error, matching spec.md §6's
// CLI exit-code contract).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
