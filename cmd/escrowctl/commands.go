package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Intellihackz/westland-marketplace/internal/app"
	"github.com/Intellihackz/westland-marketplace/internal/config"
)

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(ctx, *cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the escrow schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", a.DB.Driver())
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var (
		pendingAfter time.Duration
		staleAfter   time.Duration
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-verify stale pending payments with the gateway",
		Long: `Re-verify payments that stayed pending longer than --pending-after.

Payments the gateway reports as paid move to held, declined charges fail,
and charges the gateway still reports as in progress after --stale-after are
counted as stale and left pending for an operator to chase.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("pending-after") {
				pendingAfter = a.Config.ReconcilePendingAfter
			}
			if !cmd.Flags().Changed("stale-after") {
				staleAfter = a.Config.ReconcileStaleAfter
			}
			report, err := a.Coordinator.ReconcilePending(cmd.Context(), pendingAfter, staleAfter, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().DurationVar(&pendingAfter, "pending-after", 15*time.Minute, "only check payments pending at least this long")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 24*time.Hour, "report open charges pending at least this long as stale")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum payments to check")
	return cmd
}

func withdrawalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdrawal",
		Short: "Settle withdrawals whose gateway notification was lost",
	}

	complete := &cobra.Command{
		Use:   "complete [reference]",
		Short: "Mark a pending withdrawal completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			w, err := a.Withdrawals.CompleteWithdrawal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), w)
		},
	}

	var reason string
	fail := &cobra.Command{
		Use:   "fail [reference]",
		Short: "Mark a pending withdrawal failed and return its amount to the seller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			w, err := a.Withdrawals.FailWithdrawal(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), w)
		},
	}
	fail.Flags().StringVar(&reason, "reason", "failed by operator", "failure reason recorded on the withdrawal")

	cmd.AddCommand(complete, fail)
	return cmd
}
