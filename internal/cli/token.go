package cli

import (
	"errors"
	"fmt"
	"time"

	"session-wallet/internal/service"

	"github.com/spf13/cobra"
)

func newTokenCmd(load configLoader) *cobra.Command {
	var expiry time.Duration

	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Issue a bearer token for a caller identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.JWT.Secret == "" {
				return errors.New("jwt.secret must be set")
			}
			if expiry <= 0 {
				expiry = cfg.JWT.Expiry
			}

			token, expiresAt, err := service.NewJWTTokenService(cfg.JWT.Secret, expiry, cfg.JWT.Issuer).Generate(args[0])
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return err
		},
	}
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "token lifetime (default: jwt.expiry from config)")

	return cmd
}
