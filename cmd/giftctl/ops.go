package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"giftmarket.dev/internal/app"
	"giftmarket.dev/internal/audit"
	"giftmarket.dev/internal/order"
)

func sweepCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel stale unpaid orders and close settled ones once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := e.stores(ctx, true)
			if err != nil {
				return err
			}
			defer st.Close()

			engine := order.NewEngine(st.Orders,
				order.WithReturnWindow(e.cfg.Orders.ReturnWindow),
				order.WithLogger(e.log),
			)
			rep, err := app.NewSweeper(e.cfg, st, engine, e.log).SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled=%d closed=%d skipped=%d\n", rep.Cancelled, rep.Closed, rep.Skipped)
			return nil
		},
	}
}

func auditCmd(e *env) *cobra.Command {
	var retention time.Duration

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("retention") {
				retention = e.cfg.Audit.Retention
			}
			if retention <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "audit retention is unlimited; nothing pruned")
				return nil
			}
			st, err := e.stores(ctx, true)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := audit.NewRecorder(st.Audit, audit.WithLogger(e.log)).Prune(ctx, retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d audit entries\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&retention, "retention", 0, "override AUDIT_RETENTION")

	cmd := &cobra.Command{Use: "audit", Short: "Maintain the authentication audit trail"}
	cmd.AddCommand(prune)
	return cmd
}
