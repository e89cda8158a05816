package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/capture"
	"github.com/JakeFAU/goalclip/internal/config"
	"github.com/JakeFAU/goalclip/internal/server"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// App is the surface the commands drive. Tests inject a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Capture(ctx context.Context, req capture.Request) capture.Outcome
	Close(ctx context.Context)
	Logger() *zap.Logger
}

type appKeyType string

const appKey appKeyType = "app"

var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg, version)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "goalclip",
		Short: "Watches live broadcasts and clips them when a goal completes.",
		Long: `goalclip polls a set of broadcasters, notifies subscribers when they go
live or offline and when a tip goal starts or completes, and records a short
clip the moment a goal completes.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env GOALCLIP_* overrides)")

	cmd.AddCommand(newServeCmd(), newCaptureCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
