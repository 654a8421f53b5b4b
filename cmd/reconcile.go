package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/revenue-ledger/internal/reconcile"
)

var (
	reconcileTenant string
	reconcileFile   string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile platform claims against verified revenue from a JSON file",
	Long:  "Reads a JSON array of {order_id, claims, verified} objects and upserts one reconciliation row per verified transaction.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("reconcile"); err != nil {
			return err
		}
		inputs, err := readReconcileInputs(reconcileFile)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(inputs) == 1 {
			in := inputs[0]
			res, err := env.Reconcile.Reconcile(ctx, reconcileTenant, in.OrderID, in.Claims, in.Verified)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}

		n, err := env.Reconcile.ReconcileBatch(ctx, reconcileTenant, inputs)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"orders": len(inputs), "rows_written": n})
	},
}

func readReconcileInputs(path string) ([]reconcile.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: read %s", path)
	}
	var inputs []reconcile.Input
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, eris.Wrapf(err, "reconcile: parse %s", path)
	}
	if len(inputs) == 0 {
		return nil, eris.Errorf("reconcile: %s contains no orders", path)
	}
	return inputs, nil
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileTenant, "tenant", "", "tenant id")
	reconcileCmd.Flags().StringVar(&reconcileFile, "file", "", "path to the JSON input file")
	_ = reconcileCmd.MarkFlagRequired("tenant")
	_ = reconcileCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(reconcileCmd)
}
