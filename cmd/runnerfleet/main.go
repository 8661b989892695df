package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/terrpan/runnerfleet/internal/cleanup"
	"github.com/terrpan/runnerfleet/internal/cloud"
	"github.com/terrpan/runnerfleet/internal/config"
	"github.com/terrpan/runnerfleet/internal/health"
	"github.com/terrpan/runnerfleet/internal/metrics"
	"github.com/terrpan/runnerfleet/internal/otel"
	"github.com/terrpan/runnerfleet/internal/platform"
	"github.com/terrpan/runnerfleet/internal/reconciler"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// cleanupEveryNTicks is how often CloudPort.Cleanup runs, expressed
// as a multiple of the reconcile interval (spec.md §6's supplemented
// periodic-cleanup cadence).
const cleanupEveryNTicks = 10

var (
	cfgPath       string
	flagOverrides config.Config
	flushMode     bool
	flushBusy     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runnerfleet",
	Short: "CI runner fleet reconciler for OpenStack",
	Long: `runnerfleet reconciles a fleet of ephemeral CI runner VMs against an
OpenStack cloud and a CI platform (GitHub-style code host or a generic
job manager), prespawning a fixed pool or reacting to a job queue.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	f.StringVar(&flagOverrides.OpenStack.AuthURL, "auth-url", "", "OpenStack auth URL")
	f.StringVar(&flagOverrides.OpenStack.Prefix, "prefix", "", "Name prefix for spawned InstanceIDs")
	f.BoolVar(&flagOverrides.OpenStack.DevMode, "dev-mode", false, "Use the local Docker CloudPort instead of OpenStack")

	f.StringVar((*string)(&flagOverrides.Pool.Mode), "mode", "", "Pool mode (prespawn, reactive)")
	f.IntVar(&flagOverrides.Pool.BaseQuantity, "base-quantity", 0, "Pool base quantity")

	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	f.BoolVar(&flushMode, "flush", false, "Run a single flush tick (delete all idle and dangling runners) and exit")
	f.BoolVar(&flushBusy, "flush-busy", false, "With --flush, also delete busy runners")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.OpenStack.AuthURL != "" {
		cfg.OpenStack.AuthURL = flagOverrides.OpenStack.AuthURL
	}
	if flagOverrides.OpenStack.Prefix != "" {
		cfg.OpenStack.Prefix = flagOverrides.OpenStack.Prefix
	}
	if flagOverrides.OpenStack.DevMode {
		cfg.OpenStack.DevMode = true
	}
	if flagOverrides.Pool.Mode != "" {
		cfg.Pool.Mode = flagOverrides.Pool.Mode
	}
	if flagOverrides.Pool.BaseQuantity != 0 {
		cfg.Pool.BaseQuantity = flagOverrides.Pool.BaseQuantity
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("cloudBackend", cfg.CloudBackendName()),
		slog.String("platformBackend", cfg.PlatformBackendName()),
		slog.String("poolMode", string(cfg.Pool.Mode)),
		slog.Int("baseQuantity", cfg.Pool.BaseQuantity),
	)

	// ---------------------------------------------------------------
	// 3. OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "runnerfleet", otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: prometheusPort(cfg),
	})
	if err != nil {
		return fmt.Errorf("setting up otel sdk: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("otel shutdown failed", "error", err)
		}
	}()

	// ---------------------------------------------------------------
	// 4. Cloud + platform adapters
	// ---------------------------------------------------------------
	cloudPort, err := cfg.NewCloudPort(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing cloud port: %w", err)
	}
	defer func() {
		if err := cloudPort.Cleanup(context.WithoutCancel(ctx)); err != nil {
			logger.Error("final cloud cleanup failed", "error", err)
		}
	}()
	if err := cloudPort.Cleanup(ctx); err != nil {
		logger.Warn("startup cleanup failed", "error", err)
	}

	platformPort, err := cfg.NewPlatformPort(logger)
	if err != nil {
		return fmt.Errorf("initializing platform port: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. Reconciler
	// ---------------------------------------------------------------
	pipeline := metrics.NewPipeline(prometheus.DefaultRegisterer, logger.WithGroup("metrics"))
	extractor := metrics.Extractor{Cloud: cloudPort, Logger: logger.WithGroup("metrics")}

	// T_max: create timeout, plus the reactive spawn worker's
	// registration and job-pickup waits (10m each), plus a 2m margin.
	reconcilerCfg := reconciler.Config{
		TMax: cfg.OpenStack.CreateTimeout + 2*10*time.Minute + 2*time.Minute,
	}
	switch cfg.Pool.Mode {
	case config.PoolModeReactive:
		reconcilerCfg.Mode = reconciler.ModeReactive
		q, err := cfg.NewQueue()
		if err != nil {
			return fmt.Errorf("initializing queue: %w", err)
		}
		reconcilerCfg.Reactive = cfg.NewReactive(q, platformPort, logger.WithGroup("policy.reactive"))
	default:
		reconcilerCfg.Mode = reconciler.ModePrespawn
		reconcilerCfg.Prespawn = cfg.NewPrespawn()
	}

	rec := reconciler.New(cloudPort, platformPort, extractor, pipeline, reconcilerCfg, logger.WithGroup("reconciler"))

	// ---------------------------------------------------------------
	// 6. Health-check HTTP server
	// ---------------------------------------------------------------
	healthSrv := &http.Server{
		Addr:    ":8080",
		Handler: health.Handler(cfg.CloudBackendName(), cfg.PlatformBackendName()),
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("health server shutdown failed", "error", err)
		}
	}()

	// ---------------------------------------------------------------
	// 7. One-shot flush mode
	// ---------------------------------------------------------------
	if flushMode {
		return runFlush(ctx, cloudPort, platformPort, logger, flushBusy)
	}

	// ---------------------------------------------------------------
	// 8. Reconcile loop
	// ---------------------------------------------------------------
	logger.Info("starting reconcile loop", slog.Duration("interval", cfg.OpenStack.ReconcileInterval))

	ticker := time.NewTicker(cfg.OpenStack.ReconcileInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down gracefully")
			return nil
		case <-ticker.C:
			tick++
			if err := rec.Reconcile(ctx); err != nil {
				logger.Error("reconcile tick failed", "error", err)
			}
			if tick%cleanupEveryNTicks == 0 {
				if err := cloudPort.Cleanup(ctx); err != nil {
					logger.Warn("periodic cleanup failed", "error", err)
				}
			}
		}
	}
}

// runFlush performs a single drain tick per spec §6's supplemented
// flush mode: list the live inventory, plan a flush delete set, and
// delete it, then return without entering the reconcile loop.
func runFlush(ctx context.Context, cloudPort cloud.Port, platformPort platform.Port, logger *slog.Logger, flushBusy bool) error {
	vms, err := cloudPort.ListVMs(ctx)
	if err != nil {
		return fmt.Errorf("listing VMs: %w", err)
	}

	requested := make([]runner.RunnerIdentity, len(vms))
	for i, vm := range vms {
		requested[i] = vm.Identity
	}

	healthResp, err := platformPort.GetRunnersHealth(ctx, requested)
	if err != nil {
		return fmt.Errorf("fetching runner health: %w", err)
	}

	inv := runner.BuildInventory(vms, healthResp)
	plan := cleanup.PlanFlush(inv, flushBusy)

	platformIDs := make([]string, 0, len(plan.PlatformRunnerIDs))
	for id := range plan.PlatformRunnerIDs {
		platformIDs = append(platformIDs, id)
	}
	vmIDs := make([]runner.InstanceID, 0, len(plan.VMIDs))
	for id := range plan.VMIDs {
		vmIDs = append(vmIDs, id)
	}

	removedRunners, err := platformPort.DeleteRunners(ctx, platformIDs)
	if err != nil {
		logger.Warn("flush: deleting platform runners failed", "error", err)
	}
	removedVMs, err := cloudPort.DeleteVMs(ctx, vmIDs)
	if err != nil {
		logger.Warn("flush: deleting VMs failed", "error", err)
	}

	logger.Info("flush complete",
		slog.Int("platformRunnersRemoved", len(removedRunners)),
		slog.Int("vmsRemoved", len(removedVMs)),
		slog.Bool("flushBusy", flushBusy),
	)
	return nil
}

func prometheusPort(cfg *config.Config) int {
	if !cfg.Prometheus.Enable {
		return 0
	}
	return cfg.Prometheus.Port
}
