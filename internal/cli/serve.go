package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"session-wallet/internal/app"
	"session-wallet/pkg/logger"

	"github.com/spf13/cobra"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session wallet HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
			log.Info().
				Str("mode", cfg.Server.Mode).
				Str("storage", cfg.Wallet.Storage).
				Int("port", cfg.Server.Port).
				Msg("Starting session wallet")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Run(ctx)
		},
	}
}
