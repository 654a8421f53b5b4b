package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revenue-ledger/internal/dlq"
	"github.com/sells-group/revenue-ledger/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ledger HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initLedger(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		pool := env.Store.Pool()
		if err := initPolicy(ctx, env, pool); err != nil {
			return err
		}
		fetch, cacheKey, err := snapshotFetcher(pool)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		monitoring.Register(reg)
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		var audit monitoring.AuditCounter
		if env.AuditDB != nil {
			audit = env.AuditDB
		}
		collector := monitoring.NewCollector(pool, audit, cfg.Monitoring.HighDiscrepancyBps)
		var checkerOpts []monitoring.CheckerOption
		if sweep := serveSweep(env); sweep != nil {
			checkerOpts = append(checkerOpts, monitoring.WithSweep(sweep))
		}
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring, checkerOpts...)
		go checker.Run(ctx)

		a := &api{
			cache:     env.Cache,
			fetch:     fetch,
			cacheKey:  cacheKey,
			dlq:       env.DLQ,
			reconcile: env.Reconcile,
			budget:    env.Policy,
			receiver:  env.Receiver,
			ready:     env.Store.Ping,
			metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			now:       time.Now,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           a.routes(cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("upstream", cfg.Upstream.Mode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// serveSweep returns the dead letter sweep the checker runs, or nil when it
// is disabled or no tenants are configured.
func serveSweep(env *ledgerEnv) monitoring.SweepFunc {
	tenants := tenantIDs(cfg.Tenant.Keys)
	if !cfg.DLQ.SweepInServe || len(tenants) == 0 {
		return nil
	}
	sweeper := dlq.NewSweeper(env.DLQ, cfg.DLQ.SweepRatePerSec, cfg.DLQ.SweepBatch)
	return func(ctx context.Context) (int, error) {
		stats, err := sweeper.RunTenants(ctx, tenants, cfg.DLQ.SweepConcurrency)
		return stats.Resolved, err
	}
}
