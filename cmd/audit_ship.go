package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/store"
)

var (
	shipSince time.Duration
	shipBatch int
)

// budgetShipCmd copies the local SQLite audit trail into the central
// budget_audit table. Entries are appended, so re-running over the same
// window duplicates rows; pick --since to cover only the unshipped span.
var budgetShipCmd = &cobra.Command{
	Use:   "ship-audit",
	Short: "Copy local SQLite budget audit entries into Postgres",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		if cfg.Audit.SQLitePath == "" {
			return eris.New("budget: audit.sqlite_path is required to ship audit entries")
		}
		ctx := cmd.Context()

		local, err := store.NewSQLiteAudit(cfg.Audit.SQLitePath)
		if err != nil {
			return err
		}
		defer local.Close() //nolint:errcheck

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := local.ListSince(ctx, time.Now().Add(-shipSince), shipBatch)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			zap.L().Info("no audit entries to ship")
			return nil
		}
		n, err := store.CopyBudgetAudit(ctx, st.Pool(), entries)
		if err != nil {
			return err
		}
		zap.L().Info("budget audit shipped",
			zap.Int64("rows", n),
			zap.Time("first", entries[0].CreatedAt),
			zap.Time("last", entries[len(entries)-1].CreatedAt),
		)
		return printJSON(cmd.OutOrStdout(), map[string]int64{"rows_copied": n})
	},
}

func init() {
	budgetShipCmd.Flags().DurationVar(&shipSince, "since", 24*time.Hour, "ship entries recorded within this window")
	budgetShipCmd.Flags().IntVar(&shipBatch, "limit", 10000, "maximum entries to copy")
	budgetCmd.AddCommand(budgetShipCmd)
}
