package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/credstack/credd/internal/app"
	"github.com/credstack/credd/internal/config"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credd",
		Short: "credd - credential and session lifecycle service",
		Long: `credd verifies credentials, enforces account lockout, rotates
refresh tokens and manages email verification, password reset and OTP
artifacts over an HTTP API.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := app.Build(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			return a.Run(ctx)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
