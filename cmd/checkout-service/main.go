package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gozon/checkout-service/internal/app"
	"gozon/checkout-service/internal/config"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "checkout-service",
		Short:         "Payment webhook reconciliation for the storefront checkout",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (CHECKOUT_* env vars override it)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(migrateCmd(load))
	rootCmd.AddCommand(pruneCmd(load))
	rootCmd.AddCommand(auditCmd(load))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type loader func() (*config.Config, error)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox dispatcher and event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context(), cfg, app.NewLogger(cfg.Log, os.Stdout))
		},
	}
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return app.Migrate(cmd.Context(), cfg, app.NewLogger(cfg.Log, os.Stdout))
		},
	}
}

func pruneCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-ratelimit",
		Short: "Delete expired rate limit windows (postgres backend)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			n, err := app.PruneRateLimits(cmd.Context(), cfg, app.NewLogger(cfg.Log, os.Stderr))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d windows\n", n)
			return nil
		},
	}
}

func auditCmd(load loader) *cobra.Command {
	var (
		entity string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print recent audit log entries as JSON lines",
		Example: `  checkout-service audit --entity payment:1234567890
  checkout-service audit --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			entries, err := app.AuditTrail(cmd.Context(), cfg, app.NewLogger(cfg.Log, os.Stderr), entity, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "only entries for this entity, e.g. payment:<ref> or order:<id>")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	return cmd
}
