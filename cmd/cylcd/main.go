// Command cylcd runs the cycling workflow scheduler daemon: it loads a
// workflow configuration, wires the task lifecycle engine, and drives the
// single-threaded main loop until stopped.
//
// Grounded on the teacher (mattcburns-shoal-provision)'s cmd/shoal/main.go
// for the overall shape (flag/logger/db setup, signal-driven graceful
// shutdown with a deadline context) and on ChuLiYu-raft-recovery's
// internal/cli.go for the cobra command-tree convention the rest of the
// pack uses for multi-subcommand CLIs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cylcd/internal/batchsys"
	"cylcd/internal/broadcast"
	"cylcd/internal/config"
	"cylcd/internal/cyclepoint"
	"cylcd/internal/events"
	"cylcd/internal/jobmanager"
	"cylcd/internal/logging"
	"cylcd/internal/metrics"
	"cylcd/internal/remote"
	"cylcd/internal/scheduler"
	"cylcd/internal/store"
	"cylcd/internal/subprocpool"
	"cylcd/internal/taskpool"
	"cylcd/internal/taskproxy"
	"cylcd/internal/taskstate"
	"cylcd/internal/xtrigger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var metricsAddr string

	root := &cobra.Command{
		Use:   "cylcd",
		Short: "Run the cycling workflow task-lifecycle scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, metricsAddr)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the workflow YAML config")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")
	return root
}

func run(ctx context.Context, configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, err := store.Open(runCtx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	pool := subprocpool.New(cfg.SubProcWorkers)
	defer pool.Close()

	queueLimits := make(map[string]int, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queueLimits[q.Name] = q.Limit
	}
	tp := taskpool.New(queueLimits)

	bc := broadcast.New()
	xt := xtrigger.New(pool)
	ev := events.New(events.Config{
		MailCoalesceInterval: time.Duration(cfg.MailCoalesceIntervalSeconds) * time.Second,
		SuiteURL:             cfg.SuiteURL,
	}, logger)

	registry := batchsys.NewRegistry()
	remoteMgr := remote.New(pool, cfg.Workflow, []string{"client.key", "contact"})
	hostSelect := func(pr *taskproxy.Proxy) (string, bool, error) {
		return pr.Def.Host, pr.Def.Host != "", nil
	}
	jm := jobmanager.New(pool, remoteMgr, registry, ev, cfg.RunDir, hostSelect, nil, jobmanager.SimConfig{Enabled: cfg.SimulationMode, FailProbability: cfg.SimFailProbability})

	sched := scheduler.New(tp, bc, xt, ev, jm, pool, db, logger, cfg.MainLoopInterval(),
		func(pr *taskproxy.Proxy, next cyclepoint.Point) *taskproxy.Proxy {
			return taskproxy.New(pr.Def, next, taskstate.Waiting, 0)
		},
		func() []cyclepoint.Point { return nil },
	)

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
	go func() {
		logger.Info("serving metrics", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutdown requested")
		sched.RequestStop(scheduler.StopCleanly)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("scheduler starting", "workflow", cfg.Workflow, "run_dir", cfg.RunDir)
	if err := sched.Run(runCtx); err != nil && err != context.Canceled {
		return fmt.Errorf("scheduler: %w", err)
	}
	return nil
}
