package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"giftmarket.dev/internal/migrate"
	"giftmarket.dev/migrations"
)

const auditMigration = "0004_auth_audit.up.sql"

func migrateCmd(e *env) *cobra.Command {
	var seedsDir string
	var force bool

	manager := func(cmd *cobra.Command) (*migrate.Manager, func(), error) {
		st, err := e.stores(cmd.Context(), true)
		if err != nil {
			return nil, nil, err
		}
		var opts []migrate.Option
		if seedsDir != "" {
			opts = append(opts, migrate.WithSeeds(os.DirFS(seedsDir)))
		}
		return migrate.NewManager(st.DB, migrations.FS, opts...), func() { _ = st.Close() }, nil
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the database schema",
	}
	cmd.PersistentFlags().StringVar(&seedsDir, "seeds", "", "directory of seed .sql files")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, done, err := manager(cmd)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			applied, err := mgr.Up(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, done, err := manager(cmd)
			if err != nil {
				return err
			}
			defer done()
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			applied, err := mgr.Status(ctx)
			if err != nil {
				return err
			}
			if err := guardAuditWipe(applied, e.cfg.Audit.RetainOnWipe, force); err != nil {
				return err
			}
			name, err := mgr.Down(ctx)
			if errors.Is(err, migrate.ErrNothingApplied) {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
			return nil
		},
	}
	down.Flags().BoolVar(&force, "force", false, "drop the audit trail even when AUDIT_RETAIN_ON_WIPE is set")

	status := &cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, done, err := manager(cmd)
			if err != nil {
				return err
			}
			defer done()
			applied, err := mgr.Status(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := mgr.Pending(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied ", name)
			}
			for _, name := range pending {
				fmt.Fprintln(cmd.OutOrStdout(), "pending ", name)
			}
			return nil
		},
	}

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Apply seed files once each",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if seedsDir == "" {
				return fmt.Errorf("--seeds is required")
			}
			mgr, done, err := manager(cmd)
			if err != nil {
				return err
			}
			defer done()
			return mgr.Seed(cmd.Context())
		},
	}

	cmd.AddCommand(up, down, status, seed)
	return cmd
}

// guardAuditWipe refuses to roll back the audit table while retention on
// wipe is configured.
func guardAuditWipe(applied []string, retain, force bool) error {
	if len(applied) == 0 || force || !retain {
		return nil
	}
	if strings.EqualFold(applied[len(applied)-1], auditMigration) {
		return fmt.Errorf("rolling back %s would drop the audit trail; AUDIT_RETAIN_ON_WIPE is set (use --force)", auditMigration)
	}
	return nil
}
