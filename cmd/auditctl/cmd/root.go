// Package cmd implements auditctl, the operator CLI for the audit trail.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"carenotes/internal/audit/service"
	pgstore "carenotes/internal/audit/store/postgres"
	"carenotes/internal/platform/config"
	"carenotes/internal/platform/logger"
	"carenotes/internal/platform/postgres"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "auditctl",
	Short: "Operate the care audit trail",
	Long: `auditctl runs maintenance against the audit store configured for the
service (CARENOTES_* environment or --config file).

Examples:
  # Check a retention policy before deploying it
  auditctl policy check configs/retention.yaml

  # Run one retention pass now
  auditctl retention run

  # Export a tenant's medication events for an inspector
  auditctl export --tenant care-home-12 --user dpo@example.org --resource Medication --format csv --out /tmp

  # Verify a tenant's hash chain
  auditctl verify --tenant care-home-12 --user dpo@example.org`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./carenotes.yaml if present)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// backend is what a command needs from the process wiring.
type backend struct {
	cfg    *config.Config
	log    *slog.Logger
	audit  *service.Service
	closer func() error
}

// openBackend connects to the configured Postgres store. Tests replace it.
var openBackend = func(ctx context.Context) (*backend, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required (set CARENOTES_DATABASE_URL)")
	}
	log := logger.New(cfg.Log)
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	store := pgstore.New(db,
		pgstore.WithTxTimeout(cfg.Database.TxTimeout),
		pgstore.WithOutbox(cfg.Streaming()),
	)
	audit := service.New(store,
		service.WithLogger(log),
		service.WithExportAuditing(cfg.Audit.ExportAuditing),
	)
	return &backend{cfg: cfg, log: log, audit: audit, closer: db.Close}, nil
}

func withBackend(cmd *cobra.Command, fn func(ctx context.Context, b *backend) error) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if b.closer != nil {
			_ = b.closer()
		}
	}()
	return fn(ctx, b)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
