package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/terrpan/runnerfleet/internal/cloud"
	"github.com/terrpan/runnerfleet/internal/platform"
	"github.com/terrpan/runnerfleet/internal/runner"
)

const (
	registrationPollInterval = 60 * time.Second
	registrationPollCap      = 10 * time.Minute
	jobPollInterval          = 60 * time.Second
	jobPollCap               = 10 * time.Minute
)

// maxSpawnWorkers bounds the worker pool fanned out over a spawn batch
// (spec.md §5): at most 30 concurrent CreateVM/poll sequences.
const maxSpawnWorkers = 30

// SpawnWorker runs one SpawnRunnerConfig to completion: register (if
// not already), create the VM, and -- on the reactive path only --
// wait for platform registration and job pickup, rolling back on
// timeout (spec.md §4.6).
type SpawnWorker struct {
	Cloud    cloud.Port
	Platform platform.Port
}

// SpawnResult is what a worker produces for one config.
type SpawnResult struct {
	Config runner.SpawnRunnerConfig
	VM     *runner.VM
	Err    error
}

// RunBatch fans cfgs out over a bounded pool and returns one result
// per config, in unspecified order (spec.md §5).
func (w SpawnWorker) RunBatch(ctx context.Context, cfgs []runner.SpawnRunnerConfig) []SpawnResult {
	results := make([]SpawnResult, len(cfgs))
	sem := make(chan struct{}, min(maxSpawnWorkers, max(1, len(cfgs))))
	done := make(chan struct{})

	for i := range cfgs {
		i := i
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			results[i] = w.runOne(ctx, cfgs[i])
		}()
	}
	for range cfgs {
		<-done
	}
	return results
}

func (w SpawnWorker) runOne(ctx context.Context, cfg runner.SpawnRunnerConfig) SpawnResult {
	identity := cfg.Identity

	if identity.Metadata.RunnerID == "" {
		runnerCtx, registered, err := w.Platform.GetRunnerContext(ctx, identity, nil)
		if err != nil {
			return SpawnResult{Config: cfg, Err: err}
		}
		identity.Metadata.RunnerID = registered.Identity.Metadata.RunnerID
		cfg.Context = runnerCtx
	}

	vm, err := w.Cloud.CreateVM(ctx, identity, cloud.ServerConfig{
		Image:    cfg.Image,
		Flavor:   cfg.Flavor,
		UserData: cfg.Context,
	})
	if err != nil {
		var timeoutErr *cloud.TimeoutError
		if errors.As(err, &timeoutErr) {
			_, _ = w.Platform.DeleteRunners(ctx, []string{identity.Metadata.RunnerID})
		}
		return SpawnResult{Config: cfg, Err: err}
	}

	if cfg.Pool == runner.PoolPrespawn {
		return SpawnResult{Config: cfg, VM: &vm}
	}

	if err := w.waitForRegistration(ctx, identity); err != nil {
		if errors.Is(err, ErrTimeout) {
			_, _ = w.Platform.DeleteRunners(ctx, []string{identity.Metadata.RunnerID})
		}
		return SpawnResult{Config: cfg, VM: &vm, Err: err}
	}
	if err := w.waitForJobPickup(ctx, identity); err != nil {
		if errors.Is(err, ErrTimeout) {
			_, _ = w.Platform.DeleteRunners(ctx, []string{identity.Metadata.RunnerID})
		}
		return SpawnResult{Config: cfg, VM: &vm, Err: err}
	}

	return SpawnResult{Config: cfg, VM: &vm}
}

func (w SpawnWorker) waitForRegistration(ctx context.Context, identity runner.RunnerIdentity) error {
	pred := func(ctx context.Context) (*runner.PlatformRunner, error) {
		return w.Platform.GetRunner(ctx, identity)
	}
	_, err := WaitFor(ctx, registrationPollCap, registrationPollInterval, pred, func(err error) bool {
		var apiErr *platform.APIError
		return errors.As(err, &apiErr)
	})
	return err
}

func (w SpawnWorker) waitForJobPickup(ctx context.Context, identity runner.RunnerIdentity) error {
	pred := func(ctx context.Context) (*runner.JobInfo, error) {
		return w.Platform.GetJob(ctx, identity)
	}
	_, err := WaitFor(ctx, jobPollCap, jobPollInterval, pred, nil)
	return err
}
