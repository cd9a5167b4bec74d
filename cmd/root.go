// Package cmd defines and implements the CLI commands for the stagecrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/app"
	"github.com/JakeFAU/stagecrawler/internal/config"
	"github.com/JakeFAU/stagecrawler/internal/stage"
)

const shutdownTimeout = 10 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands use from the application container. Tests swap in
// a fake through newApp.
type App interface {
	Logger() *zap.Logger
	Visit(ctx context.Context, entry, rawURL string) (stage.Result, error)
	StartMetrics()
	Close(ctx context.Context) error
}

var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "stagecrawler",
		Short: "Runs multi-stage web extraction pipelines.",
		Long: `stagecrawler visits an entry page, follows links through a chain of
configured stages and saves the records each stage extracts to its case
(memory, file, Postgres, GCS or Pub/Sub).`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			zap.ReplaceGlobals(appInstance.Logger())
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
			defer cancel()
			return appInstance.Close(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newVisitCmd())
	cmd.AddCommand(newValidateCmd(&cfgFile))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Fatal("command execution failed", zap.Error(err))
	}
}
