package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/megbot-dev/megbot/pkg/vault"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random vault key",
		Long:  "Print a new base64 vault key suitable for vault.key or MEGBOT_VAULT_KEY.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := vault.NewKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), k.String())
			return nil
		},
	}
}
