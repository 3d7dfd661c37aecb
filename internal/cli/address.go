package cli

import (
	"encoding/json"
	"fmt"

	"session-wallet/internal/adapter/http/dto"
	"session-wallet/internal/core/domain"

	"github.com/spf13/cobra"
)

func newAddressCmd(load configLoader) *cobra.Command {
	var (
		program string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "address <session_id>",
		Short: "Derive the wallet address for a session id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			if !dto.ValidSessionID(sessionID) {
				return fmt.Errorf("invalid session id %q", sessionID)
			}
			if program == "" {
				cfg, err := load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				program = cfg.Wallet.Program
			}

			addr, bump, err := domain.FindSessionAddress(domain.NewProgramID(program), sessionID)
			if err != nil {
				return fmt.Errorf("derive address: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(dto.AddressResponse{SessionID: sessionID, Address: addr.String(), Bump: bump})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nbump: %d\n", addr, bump)
			return err
		},
	}
	cmd.Flags().StringVar(&program, "program", "", "program name (default: wallet.program from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}
