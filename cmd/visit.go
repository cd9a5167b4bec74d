package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stagecrawler/internal/stage"
)

func newVisitCmd() *cobra.Command {
	var entry string
	cmd := &cobra.Command{
		Use:   "visit [url]",
		Short: "Runs a pipeline from its entry stage",
		Long: `Visits the entry stage (pipeline.entry, or --entry) at the given URL
(pipeline.url when omitted) and follows its links through the configured
stages. A stop requested by a case ends the run normally; CONTROL-C
interrupts it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rawURL string
			if len(args) == 1 {
				rawURL = args[0]
			}
			return runVisit(cmd, entry, rawURL)
		},
	}
	cmd.Flags().StringVar(&entry, "entry", "", "entry stage (default pipeline.entry)")
	return cmd
}

func runVisit(cmd *cobra.Command, entry, rawURL string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appInstance.StartMetrics()

	result, err := appInstance.Visit(ctx, entry, rawURL)
	if err != nil {
		return fmt.Errorf("visit: %w", err)
	}
	if result == stage.Interrupted {
		fmt.Fprintln(cmd.ErrOrStderr(), "User pressed CONTROL-C")
	}
	fmt.Fprintln(cmd.OutOrStdout(), result)
	return nil
}
