package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stagecrawler/internal/config"
	"github.com/JakeFAU/stagecrawler/internal/recipe"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

// newValidateCmd checks configuration without connecting to any backend.
func newValidateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Checks the configuration and stage graph",
		// Validation must not start fetchers or open case connections.
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			reg := stage.NewRegistry()
			if err := recipe.Register(reg, cfg.Stages); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d stages, %d cases\n", len(cfg.Stages), len(cfg.Cases))
			return nil
		},
	}
}
