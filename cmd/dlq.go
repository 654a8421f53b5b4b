package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/dlq"
	"github.com/sells-group/revenue-ledger/internal/model"
	"github.com/sells-group/revenue-ledger/internal/store"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and remediate dead letter records",
}

var (
	dlqTenant      string
	dlqForce       bool
	dlqStatus      string
	dlqErrorType   string
	dlqLimit       int
	dlqTenants     []string
	dlqConcurrency int
)

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry one dead letter record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("dlq"); err != nil {
			return err
		}
		ctx := cmd.Context()
		env, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.DLQ.Retry(ctx, dlqTenant, args[0], dlqForce)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter records for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("dlq"); err != nil {
			return err
		}
		ctx := cmd.Context()
		env, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		recs, err := env.DLQ.List(ctx, dlqTenant, store.DeadLetterFilter{
			Status:    model.RemediationStatus(dlqStatus),
			ErrorType: model.ErrorType(dlqErrorType),
			Limit:     dlqLimit,
		})
		if err != nil {
			return err
		}
		if recs == nil {
			recs = []model.DeadLetterRecord{}
		}
		return printJSON(cmd.OutOrStdout(), recs)
	},
}

var dlqSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Retry every due transient record, tenant by tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("dlq"); err != nil {
			return err
		}
		tenants := dlqTenants
		if len(tenants) == 0 {
			tenants = tenantIDs(cfg.Tenant.Keys)
		}
		if len(tenants) == 0 {
			return eris.New("dlq: no tenants to sweep (pass --tenant or configure tenant.keys)")
		}
		concurrency := dlqConcurrency
		if concurrency <= 0 {
			concurrency = cfg.DLQ.SweepConcurrency
		}

		ctx := cmd.Context()
		env, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sweeper := dlq.NewSweeper(env.DLQ, cfg.DLQ.SweepRatePerSec, cfg.DLQ.SweepBatch)
		stats, err := sweeper.RunTenants(ctx, tenants, concurrency)
		if err != nil {
			return err
		}
		zap.L().Info("dlq sweep complete",
			zap.Int("tenants", len(tenants)),
			zap.Int("resolved", stats.Resolved),
			zap.Int("failed", stats.Failed),
		)
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

func init() {
	dlqRetryCmd.Flags().StringVar(&dlqTenant, "tenant", "", "tenant id owning the record")
	dlqRetryCmd.Flags().BoolVar(&dlqForce, "force", false, "skip the retry ceiling, permanent refusal and backoff window")
	_ = dlqRetryCmd.MarkFlagRequired("tenant")

	dlqListCmd.Flags().StringVar(&dlqTenant, "tenant", "", "tenant id")
	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "", "filter by remediation status")
	dlqListCmd.Flags().StringVar(&dlqErrorType, "error-type", "", "filter by error type")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "maximum records to return")
	_ = dlqListCmd.MarkFlagRequired("tenant")

	dlqSweepCmd.Flags().StringSliceVar(&dlqTenants, "tenant", nil, "tenants to sweep (default: every tenant in tenant.keys)")
	dlqSweepCmd.Flags().IntVar(&dlqConcurrency, "concurrency", 0, "tenants swept in parallel (default from config)")

	dlqCmd.AddCommand(dlqRetryCmd, dlqListCmd, dlqSweepCmd)
	rootCmd.AddCommand(dlqCmd)
}
