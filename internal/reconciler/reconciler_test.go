package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerfleet/internal/cloud"
	"github.com/terrpan/runnerfleet/internal/metrics"
	"github.com/terrpan/runnerfleet/internal/platform"
	"github.com/terrpan/runnerfleet/internal/policy"
	"github.com/terrpan/runnerfleet/internal/queue/memqueue"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeCloud struct {
	mu      sync.Mutex
	vms     map[runner.InstanceID]runner.VM
	created int
	deleted []runner.InstanceID
	listErr error
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{vms: make(map[runner.InstanceID]runner.VM)}
}

func (f *fakeCloud) CreateVM(_ context.Context, identity runner.RunnerIdentity, _ cloud.ServerConfig) (runner.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	vm := runner.VM{Identity: identity, CreatedAt: time.Now(), State: runner.CloudStateActive}
	f.vms[identity.ID] = vm
	return vm, nil
}

func (f *fakeCloud) ListVMs(_ context.Context) ([]runner.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]runner.VM, 0, len(f.vms))
	for _, vm := range f.vms {
		out = append(out, vm)
	}
	return out, nil
}

func (f *fakeCloud) GetVM(_ context.Context, id runner.InstanceID) (*runner.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vm, ok := f.vms[id]; ok {
		return &vm, nil
	}
	return nil, nil
}

func (f *fakeCloud) DeleteVMs(_ context.Context, ids []runner.InstanceID) ([]runner.InstanceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []runner.InstanceID
	for _, id := range ids {
		if _, ok := f.vms[id]; ok {
			delete(f.vms, id)
			removed = append(removed, id)
			f.deleted = append(f.deleted, id)
		}
	}
	return removed, nil
}

func (f *fakeCloud) GetSSHConnection(context.Context, runner.VM) (cloud.SSHConn, error) {
	return nil, errors.New("fake cloud: no SSH in tests")
}

func (f *fakeCloud) Cleanup(context.Context) error { return nil }

var _ cloud.Port = (*fakeCloud)(nil)

type fakePlatform struct {
	mu          sync.Mutex
	nextID      int
	registered  map[runner.InstanceID]runner.PlatformRunner
	deletedIDs  []string
	health      runner.RunnersHealthResponse
	preRegister bool // GetRunner/GetJob respond truthy on first poll
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{registered: make(map[runner.InstanceID]runner.PlatformRunner), preRegister: true}
}

func (f *fakePlatform) ListRunners(context.Context) ([]runner.PlatformRunner, error) { return nil, nil }

func (f *fakePlatform) GetRunnersHealth(context.Context, []runner.RunnerIdentity) (runner.RunnersHealthResponse, error) {
	return f.health, nil
}

func (f *fakePlatform) GetRunnerContext(_ context.Context, identity runner.RunnerIdentity, labels []string) (runner.RunnerContext, runner.PlatformRunner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	identity.Metadata.RunnerID = fmt.Sprintf("%d", f.nextID)
	registered := runner.PlatformRunner{Identity: identity, Labels: labels}
	f.registered[identity.ID] = registered
	return runner.RunnerContext("boot-data"), registered, nil
}

func (f *fakePlatform) DeleteRunners(_ context.Context, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedIDs = append(f.deletedIDs, ids...)
	return ids, nil
}

func (f *fakePlatform) GetJob(context.Context, runner.RunnerIdentity) (*runner.JobInfo, error) {
	if !f.preRegister {
		return nil, nil
	}
	return &runner.JobInfo{Status: "in_progress"}, nil
}

func (f *fakePlatform) GetRunner(_ context.Context, identity runner.RunnerIdentity) (*runner.PlatformRunner, error) {
	if !f.preRegister {
		return nil, nil
	}
	r := runner.PlatformRunner{Identity: identity, Online: true}
	return &r, nil
}

var _ platform.Port = (*fakePlatform)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestReconcile_PrespawnCreatesUpToBaseQuantity(t *testing.T) {
	fc := newFakeCloud()
	fp := newFakePlatform()
	pipeline := metrics.NewPipeline(prometheus.NewRegistry(), testLogger())
	extractor := metrics.Extractor{Cloud: fc, Logger: testLogger()}

	r := New(fc, fp, extractor, pipeline, Config{
		Mode:     ModePrespawn,
		Prespawn: policy.Prespawn{Prefix: "fleet", BaseQuantity: 2},
		TMax:     time.Hour,
	}, testLogger())

	err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, fc.created)
}

func TestReconcile_PrespawnDownscalesExcessRunners(t *testing.T) {
	fc := newFakeCloud()
	fp := newFakePlatform()

	var identities []runner.RunnerIdentity
	var healthy []runner.PlatformRunner
	for i := 0; i < 3; i++ {
		identity := runner.RunnerIdentity{
			ID:       runner.NewInstanceID("fleet", runner.PoolPrespawn),
			Metadata: runner.RunnerMetadata{Platform: runner.PlatformCodeHost, RunnerID: fmt.Sprintf("rid-%d", i)},
		}
		vm := runner.VM{Identity: identity, CreatedAt: time.Now(), State: runner.CloudStateActive}
		fc.vms[identity.ID] = vm
		identities = append(identities, identity)
		healthy = append(healthy, runner.PlatformRunner{Identity: identity, Online: true, Busy: false})
	}
	fp.health = runner.RunnersHealthResponse{RequestedRunners: healthy}

	pipeline := metrics.NewPipeline(prometheus.NewRegistry(), testLogger())
	extractor := metrics.Extractor{Cloud: fc, Logger: testLogger()}

	r := New(fc, fp, extractor, pipeline, Config{
		Mode:     ModePrespawn,
		Prespawn: policy.Prespawn{Prefix: "fleet", BaseQuantity: 1},
		TMax:     time.Hour,
	}, testLogger())

	err := r.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, fc.deleted, 2)
	require.Len(t, fp.deletedIDs, 2)
	require.Len(t, identities, 3) // sanity: fixture built 3 VMs
}

func TestReconcile_ListVMsErrorAbortsTick(t *testing.T) {
	fc := newFakeCloud()
	fc.listErr = errors.New("openstack unreachable")
	fp := newFakePlatform()
	pipeline := metrics.NewPipeline(prometheus.NewRegistry(), testLogger())
	extractor := metrics.Extractor{Cloud: fc, Logger: testLogger()}

	r := New(fc, fp, extractor, pipeline, Config{
		Mode:     ModePrespawn,
		Prespawn: policy.Prespawn{Prefix: "fleet", BaseQuantity: 1},
		TMax:     time.Hour,
	}, testLogger())

	err := r.Reconcile(context.Background())
	require.Error(t, err)
	require.Equal(t, 0, fc.created)
}

func TestReconcile_ReactiveDrainsQueueAndSpawnsRunner(t *testing.T) {
	fc := newFakeCloud()
	fp := newFakePlatform()
	q := memqueue.New()
	q.Push([]byte(`{"labels":["x64"],"job_url":"https://github.com/org/repo/actions/runs/1/job/2"}`))

	pipeline := metrics.NewPipeline(prometheus.NewRegistry(), testLogger())
	extractor := metrics.Extractor{Cloud: fc, Logger: testLogger()}

	r := New(fc, fp, extractor, pipeline, Config{
		Mode: ModeReactive,
		Reactive: policy.Reactive{
			Prefix:          "fleet",
			BaseQuantity:    5,
			SupportedLabels: map[string]struct{}{"x64": {}},
			CodeHostHost:    "github.com",
			Queue:           q,
			Platform:        fp,
			Logger:          testLogger(),
			GetTimeout:      time.Second,
		},
		TMax: time.Hour,
	}, testLogger())

	err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fc.created)
	require.Len(t, q.Acked(), 1)
}

func TestReconcile_ReactiveEmptyQueueIsNoop(t *testing.T) {
	fc := newFakeCloud()
	fp := newFakePlatform()
	q := memqueue.New()

	pipeline := metrics.NewPipeline(prometheus.NewRegistry(), testLogger())
	extractor := metrics.Extractor{Cloud: fc, Logger: testLogger()}

	r := New(fc, fp, extractor, pipeline, Config{
		Mode: ModeReactive,
		Reactive: policy.Reactive{
			Prefix:       "fleet",
			BaseQuantity: 5,
			CodeHostHost: "github.com",
			Queue:        q,
			Platform:     fp,
			Logger:       testLogger(),
		},
		TMax: time.Hour,
	}, testLogger())

	err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, fc.created)
}
