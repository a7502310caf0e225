package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/megbot-dev/megbot/pkg/config"
)

func newModelsCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the server accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			keys := cfg.APIKeys.ByProvider()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tUPSTREAM\tSERVER KEY")
			for _, m := range cfg.Catalog().Models() {
				serverKey := "no"
				if keys[m.Provider] != "" {
					serverKey = "yes"
				}
				id := m.ID
				if m.ID == cfg.Chat.DefaultModel {
					id += " (default)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, m.Provider, m.Upstream, serverKey)
			}
			return w.Flush()
		},
	}
}
