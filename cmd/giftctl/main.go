package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"giftmarket.dev/internal/app"
	"giftmarket.dev/internal/config"
	"giftmarket.dev/internal/obs"
)

var version = "0.1.0"

// env is the configuration and logger shared by every subcommand.
type env struct {
	cfg config.Config
	log *zap.Logger
}

func main() {
	e := &env{}
	var dsn string

	root := &cobra.Command{
		Use:           "giftctl",
		Short:         "Operator tooling for the giftmarket gateways",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load("main")
			if err != nil {
				return err
			}
			if dsn != "" {
				cfg.PostgresDSN = dsn
			}
			log, err := obs.Init(cfg.Env, cfg.LogLevel, "console")
			if err != nil {
				return err
			}
			e.cfg, e.log = cfg, log
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to POSTGRES_DSN)")

	root.AddCommand(migrateCmd(e), adminCmd(e), sweepCmd(e), auditCmd(e), smokeCmd(e))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "giftctl:", err)
		os.Exit(1)
	}
	obs.Sync()
}

// stores opens the configured stores, insisting on Postgres unless memory is
// acceptable for the command.
func (e *env) stores(ctx context.Context, requireDB bool) (*app.Stores, error) {
	if requireDB && e.cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("missing DSN: provide --dsn or POSTGRES_DSN")
	}
	return app.OpenStores(ctx, e.cfg)
}
