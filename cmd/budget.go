package main

import (
	"slices"

	"github.com/spf13/cobra"

	"github.com/sells-group/revenue-ledger/internal/budget"
	"github.com/sells-group/revenue-ledger/internal/db"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Cost cap policy tools",
}

var (
	budgetModel  string
	budgetInput  int64
	budgetOutput int64
	budgetTenant string
)

var budgetEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one model call against the cost cap and record the decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("budget"); err != nil {
			return err
		}
		ctx := cmd.Context()

		env := &ledgerEnv{}
		defer env.Close()

		var pool db.Pool
		if slices.Contains(cfg.Audit.Sinks, "postgres") {
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			env.closers = append(env.closers, st.Close)
			pool = st.Pool()
		}
		if err := initPolicy(ctx, env, pool); err != nil {
			return err
		}

		d, err := env.Policy.Evaluate(ctx, budget.Request{
			TenantID:   budgetTenant,
			Model:      budgetModel,
			InputSize:  budgetInput,
			OutputSize: budgetOutput,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), d)
	},
}

func init() {
	budgetEvaluateCmd.Flags().StringVar(&budgetModel, "model", "", "requested model")
	budgetEvaluateCmd.Flags().Int64Var(&budgetInput, "input", 0, "input size in tokens")
	budgetEvaluateCmd.Flags().Int64Var(&budgetOutput, "output", 0, "expected output size in tokens")
	budgetEvaluateCmd.Flags().StringVar(&budgetTenant, "tenant", "", "tenant id recorded in the audit entry")
	_ = budgetEvaluateCmd.MarkFlagRequired("model")

	budgetCmd.AddCommand(budgetEvaluateCmd)
	rootCmd.AddCommand(budgetCmd)
}
