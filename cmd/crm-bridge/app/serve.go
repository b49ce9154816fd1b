package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/fieldops/crm-bridge/internal/api"
	"github.com/fieldops/crm-bridge/internal/config"
	"github.com/fieldops/crm-bridge/internal/mirror"
	"github.com/fieldops/crm-bridge/internal/orchestrator"
	"github.com/fieldops/crm-bridge/internal/stage"
)

type syncRunner interface {
	RunAll(ctx context.Context, mode string, since *time.Time) ([]orchestrator.Result, error)
}

type transitionRunner interface {
	Run(ctx context.Context) (stage.Summary, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine on a schedule with the status API",
	Long: `Run the sync engine continuously. Each scheduled cycle mirrors the
configured source entities, refreshes the opportunity mirror from the CRM,
and applies any justified stage transitions. A read-only status API reports
run history and mirror freshness.

The schedule is a cron expression (sync.schedule, default every 15 minutes).`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // must exceed serverRequestTimeout so the middleware answers first
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	serveCmd.Flags().String("address", "", "Address for the status API (overrides server.address)")

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	address := cfg.Server.Address
	if flagAddr, _ := cmd.Flags().GetString("address"); flagAddr != "" {
		address = flagAddr
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	src, err := buildSourceClient(cfg)
	if err != nil {
		return err
	}
	tgt, err := buildTargetClient(cfg)
	if err != nil {
		return err
	}

	orch, err := buildOrchestrator(cfg, src, st)
	if err != nil {
		return err
	}
	engine, err := buildEngine(cfg, st, tgt, false)
	if err != nil {
		return err
	}
	pipelineIDs, err := transitionPipelineIDs(cfg)
	if err != nil {
		return err
	}

	cycleCtx, cancelCycles := context.WithCancel(context.Background())
	defer cancelCycles()

	// Scheduled cycles never overlap: a long cycle makes the next tick a
	// no-op rather than a concurrent run.
	var cycleMu sync.Mutex
	cycle := func() {
		if !cycleMu.TryLock() {
			slog.Warn("previous sync cycle still running, skipping this tick")
			return
		}
		defer cycleMu.Unlock()
		runCycle(cycleCtx, orch, engine, st, tgt, pipelineIDs)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Sync.Schedule, cycle); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", cfg.Sync.Schedule, err)
	}

	slog.Info("starting crm-bridge",
		"address", address, "schedule", cfg.Sync.Schedule, "entities", cfg.Sync.Entities)

	// First cycle runs immediately; the scheduler handles the rest.
	go cycle()
	scheduler.Start()

	router := api.NewServer(st,
		api.WithMiddlewares(
			middleware.RealIP,
			middleware.Timeout(serverRequestTimeout),
		),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("status API listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status API failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	// Stop scheduling new cycles, wait for a running one, cancel stragglers.
	schedCtx := scheduler.Stop()
	cancelCycles()
	<-schedCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		return err
	}

	slog.Info("shutdown complete")
	return nil
}

// runCycle executes one complete reconciliation: mirror the source entities,
// refresh the opportunity mirror, then apply transitions. Failures are logged
// and the next scheduled cycle retries from the persisted cursors.
func runCycle(
	ctx context.Context,
	orch syncRunner,
	engine transitionRunner,
	st mirror.OpportunityStore,
	searcher mirror.OpportunitySearcher,
	pipelineIDs []string,
) {
	start := time.Now()

	if _, err := orch.RunAll(ctx, config.ModeIncremental, nil); err != nil {
		slog.Error("sync cycle had failing entities", "error", err)
	}

	if _, err := mirror.RefreshOpportunities(ctx, searcher, st, pipelineIDs, slog.Default()); err != nil {
		slog.Error("opportunity refresh failed", "error", err)
		// Detection would run against stale pipeline state; skip this cycle.
		return
	}

	sum, err := engine.Run(ctx)
	if err != nil {
		slog.Error("transition pass failed", "error", err)
		return
	}

	slog.Info("sync cycle complete",
		"duration", time.Since(start).Round(time.Millisecond).String(),
		"sold", sum.Sold,
		"install_started", sum.InstallStarted,
		"in_progress", sum.InProgress,
		"skipped", sum.Skipped,
		"failed", sum.Failed)
}
