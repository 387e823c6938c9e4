package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/container"
)

var agentCmd = &cobra.Command{
	Use:    "agent",
	Short:  "Run as an agent subprocess (spawned by the gateway)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		inbox := os.Getenv("NANOCLAW_IPC_DIR")
		root := os.Getenv("NANOCLAW_IPC_ROOT")
		if inbox == "" || root == "" {
			return fmt.Errorf("agent: NANOCLAW_IPC_DIR and NANOCLAW_IPC_ROOT must be set by the gateway")
		}

		return container.Run(cmd.Context(), container.Options{
			IPCRoot:    root,
			InboxDir:   inbox,
			PluginDirs: cfg.Plugins.Dirs,
			Engine:     &container.CommandEngine{Argv: cfg.Agent.Engine},
		})
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
