package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "revenue-ledger",
	Short: "Multi-tenant revenue ledger consistency core",
	Long:  "Routes failed ingestions to a dead letter queue, reconciles attributed against verified revenue, serves a single-flight realtime revenue cache, and gates paid model calls behind a cost cap.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
