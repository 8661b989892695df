// Package reconciler implements the single Reconcile() tick (C9) that
// orchestrates inventory building, cleanup planning, metrics
// extraction, deletion, policy dispatch, and spawn-worker fan-out, per
// spec.md §4.9. It also holds the typed WaitFor primitive (spec.md §9)
// and the Spawn Worker (C6).
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/runnerfleet/internal/cleanup"
	"github.com/terrpan/runnerfleet/internal/cloud"
	"github.com/terrpan/runnerfleet/internal/metrics"
	"github.com/terrpan/runnerfleet/internal/platform"
	"github.com/terrpan/runnerfleet/internal/policy"
	"github.com/terrpan/runnerfleet/internal/runner"
)

var (
	tracer = otel.Tracer("github.com/terrpan/runnerfleet/internal/reconciler")
	meter  = otel.Meter("github.com/terrpan/runnerfleet/internal/reconciler")
)

// Mode selects which scheduling policy a Reconciler dispatches to.
type Mode int

const (
	ModePrespawn Mode = iota
	ModeReactive
)

// Config configures a Reconciler.
type Config struct {
	Mode     Mode
	Prespawn policy.Prespawn
	Reactive policy.Reactive
	// TMax is the wall-clock max creation time used by the cleanup
	// planner (spec.md §4.5): create-timeout + sum of health-check
	// waits + safety margin.
	TMax time.Duration
}

// Reconciler is the tick orchestrator (C9).
type Reconciler struct {
	cloud    cloud.Port
	platform platform.Port
	extract  metrics.Extractor
	pipeline *metrics.Pipeline
	cfg      Config
	logger   *slog.Logger

	ticksTotal   metric.Int64Counter
	tickDuration metric.Float64Histogram
}

// New builds a Reconciler. Prometheus/OTel instrument registration
// errors are logged and otherwise ignored, matching the teacher's
// scaler.New tolerance for duplicate registration.
func New(cloudPort cloud.Port, platformPort platform.Port, extractor metrics.Extractor, pipeline *metrics.Pipeline, cfg Config, logger *slog.Logger) *Reconciler {
	r := &Reconciler{
		cloud:    cloudPort,
		platform: platformPort,
		extract:  extractor,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger,
	}

	var err error
	r.ticksTotal, err = meter.Int64Counter("reconciler_ticks_total", metric.WithDescription("completed reconcile ticks"))
	if err != nil {
		logger.Warn("failed to create ticks counter", "error", err)
	}
	r.tickDuration, err = meter.Float64Histogram("reconciler_tick_duration_seconds", metric.WithDescription("wall-clock duration of one reconcile tick"))
	if err != nil {
		logger.Warn("failed to create tick duration histogram", "error", err)
	}

	return r
}

// Reconcile runs one tick: §4.9 steps 1-9. Errors from cloud/platform
// list calls abort the tick (they indicate an upstream outage worth
// surfacing); everything downstream is best-effort per the error
// taxonomy in spec.md §7.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Reconcile")
	defer span.End()
	start := time.Now()
	defer func() {
		d := time.Since(start).Seconds()
		if r.tickDuration != nil {
			r.tickDuration.Record(ctx, d)
		}
	}()

	vms, err := r.cloud.ListVMs(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	prefix := r.cfg.Prespawn.Prefix
	if r.cfg.Mode == ModeReactive {
		prefix = r.cfg.Reactive.Prefix
	}
	owned := make([]runner.VM, 0, len(vms))
	for _, vm := range vms {
		if vm.Identity.ID.HasPrefix(prefix) {
			owned = append(owned, vm)
		}
	}
	vms = owned

	identities := make([]runner.RunnerIdentity, len(vms))
	for i, vm := range vms {
		identities[i] = vm.Identity
	}

	health, err := r.platform.GetRunnersHealth(ctx, identities)
	if err != nil {
		span.RecordError(err)
		return err
	}

	inv := runner.BuildInventory(vms, health)

	plan := cleanup.Compute(inv, time.Now(), r.cfg.TMax)

	pulled := r.extract.Extract(ctx, toDeleteVMs(inv, plan))

	r.deleteAndObserve(ctx, plan, pulled)

	if ctx.Err() != nil {
		return ctx.Err()
	}

	surviving := runner.SurvivingVMs(inv, plan.VMIDs)

	action, err := r.dispatch(ctx, surviving)
	if err != nil {
		span.RecordError(err)
		r.logger.Error("policy dispatch failed", "error", err)
		return nil
	}

	r.act(ctx, inv, action)

	if r.ticksTotal != nil {
		r.ticksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", modeLabel(r.cfg.Mode))))
	}
	return nil
}

func toDeleteVMs(inv runner.Inventory, plan cleanup.Plan) []runner.VM {
	out := make([]runner.VM, 0, len(plan.VMIDs))
	for id := range plan.VMIDs {
		if vm, ok := inv.VMs[id]; ok {
			out = append(out, vm)
		}
	}
	return out
}

func (r *Reconciler) deleteAndObserve(ctx context.Context, plan cleanup.Plan, pulled []metrics.PulledMetrics) {
	runnerIDs := make([]string, 0, len(plan.PlatformRunnerIDs))
	for id := range plan.PlatformRunnerIDs {
		if id != "" {
			runnerIDs = append(runnerIDs, id)
		}
	}
	if len(runnerIDs) > 0 {
		if _, err := r.platform.DeleteRunners(ctx, runnerIDs); err != nil {
			r.logger.Warn("delete platform runners failed", "error", err)
		}
	}

	vmIDs := make([]runner.InstanceID, 0, len(plan.VMIDs))
	for id := range plan.VMIDs {
		vmIDs = append(vmIDs, id)
	}
	if len(vmIDs) > 0 {
		if _, err := r.cloud.DeleteVMs(ctx, vmIDs); err != nil {
			r.logger.Warn("delete VMs failed", "error", err)
		}
	}

	for _, pm := range pulled {
		r.pipeline.Observe(pm)
	}
}

func (r *Reconciler) dispatch(ctx context.Context, surviving []runner.VM) (policy.Action, error) {
	switch r.cfg.Mode {
	case ModePrespawn:
		return r.cfg.Prespawn.Decide(surviving), nil
	case ModeReactive:
		return r.cfg.Reactive.Decide(ctx, surviving)
	default:
		return policy.Action{Kind: policy.Noop}, nil
	}
}

func (r *Reconciler) act(ctx context.Context, inv runner.Inventory, action policy.Action) {
	switch action.Kind {
	case policy.Noop:
	case policy.Create:
		worker := SpawnWorker{Cloud: r.cloud, Platform: r.platform}
		for _, res := range worker.RunBatch(ctx, action.Configs) {
			if res.Err != nil {
				r.logger.Warn("spawn worker failed", "instance_id", res.Config.Identity.ID, "error", res.Err)
			}
		}
	case policy.Downscale:
		plan := cleanup.Downscale(cleanup.Plan{
			PlatformRunnerIDs: map[string]struct{}{},
			VMIDs:             map[runner.InstanceID]struct{}{},
		}, inv, action.DownscaleBy)
		r.deleteAndObserve(ctx, plan, nil)
	}
}

func modeLabel(m Mode) string {
	if m == ModeReactive {
		return "reactive"
	}
	return "prespawn"
}
