package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/gateway"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the host gateway (channels, queues, scheduler)",
	RunE:  runGateway,
}

// runGateway is also the root command's default action.
func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config edits take effect on restart; a changed file is only
	// logged so an operator knows the running state is stale.
	go func() {
		err := config.Watch(ctx, config.ExpandHome(configPath), func(*config.Config) {
			slog.Info("config file changed; restart to apply")
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("config watch unavailable", "error", err)
		}
	}()

	g, err := gateway.New(cfg)
	if err != nil {
		return err
	}
	return g.Run(ctx)
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}
