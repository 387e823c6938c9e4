// Package cmd defines the nanoclaw command line: the gateway (host), the
// agent subprocess entry, and maintenance commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"

	// Builtin plugin registration.
	_ "github.com/nextlevelbuilder/nanoclaw/plugins/groups"
	_ "github.com/nextlevelbuilder/nanoclaw/plugins/messaging"
	_ "github.com/nextlevelbuilder/nanoclaw/plugins/scheduler"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "nanoclaw",
	Short: "Multi-channel personal assistant gateway",
	Long: `nanoclaw routes chat messages from Discord and the web dashboard into
per-chat agent subprocesses, runs scheduled tasks through the same
queues, and mediates every agent side effect through file-drop IPC.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	// Bare invocation runs the gateway.
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd, args)
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "nanoclaw.json5", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the nanoclaw version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("nanoclaw", Version)
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ExpandHome(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute runs the command line. Startup failures are the only errors that
// abort the process.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
