package cleanup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerfleet/internal/runner"
)

const tMax = 10 * time.Minute

func identity(id, runnerID string) runner.RunnerIdentity {
	return runner.RunnerIdentity{
		ID:       runner.InstanceID(id),
		Metadata: runner.RunnerMetadata{Platform: runner.PlatformCodeHost, RunnerID: runnerID},
	}
}

// S1: dangling platform runner, no VMs.
func TestCompute_S1_DanglingPlatformRunner(t *testing.T) {
	health := runner.RunnersHealthResponse{
		NonRequestedRunners: []runner.PlatformRunner{{Identity: identity("x", "7")}},
	}
	inv := runner.BuildInventory(nil, health)

	p := Compute(inv, time.Now(), tMax)

	require.Contains(t, p.PlatformRunnerIDs, "7")
	require.Empty(t, p.VMIDs)
}

// S2: VM stuck past tMax, platform still offline/idle.
func TestCompute_S2_StuckCreation(t *testing.T) {
	now := time.Now()
	vm := runner.VM{Identity: identity("X", "7"), CreatedAt: now.Add(-(tMax + time.Second))}
	health := runner.RunnersHealthResponse{
		RequestedRunners: []runner.PlatformRunner{{Identity: identity("X", "7"), Online: false, Busy: false}},
	}
	inv := runner.BuildInventory([]runner.VM{vm}, health)

	p := Compute(inv, now, tMax)

	require.Contains(t, p.PlatformRunnerIDs, "7")
	require.Contains(t, p.VMIDs, runner.InstanceID("X"))
}

// S3: healthy steady state, nothing deletable, young VMs -> zero deletions.
func TestCompute_S3_SteadyStateNoDeletions(t *testing.T) {
	now := time.Now()
	vms := []runner.VM{
		{Identity: identity("v1", "1"), CreatedAt: now},
		{Identity: identity("v2", "2"), CreatedAt: now},
	}
	health := runner.RunnersHealthResponse{
		RequestedRunners: []runner.PlatformRunner{
			{Identity: identity("v1", "1"), Online: true, Busy: true},
			{Identity: identity("v2", "2"), Online: true, Busy: true},
		},
	}
	inv := runner.BuildInventory(vms, health)

	p := Compute(inv, now, tMax)

	require.Empty(t, p.PlatformRunnerIDs)
	require.Empty(t, p.VMIDs)
}

func TestCompute_VMWithoutRunnerIDIsDeleted(t *testing.T) {
	now := time.Now()
	vm := runner.VM{Identity: identity("orphan", ""), CreatedAt: now}
	inv := runner.BuildInventory([]runner.VM{vm}, runner.RunnersHealthResponse{})

	p := Compute(inv, now, tMax)

	require.Contains(t, p.VMIDs, runner.InstanceID("orphan"))
}

func TestCompute_YoungStuckVMIsNotDeleted(t *testing.T) {
	now := time.Now()
	vm := runner.VM{Identity: identity("X", "7"), CreatedAt: now}
	health := runner.RunnersHealthResponse{
		RequestedRunners: []runner.PlatformRunner{{Identity: identity("X", "7"), Online: false, Busy: false}},
	}
	inv := runner.BuildInventory([]runner.VM{vm}, health)

	p := Compute(inv, now, tMax)

	require.Empty(t, p.PlatformRunnerIDs)
	require.Empty(t, p.VMIDs)
}

func TestCompute_DeletableRunnerDeletesVMToo(t *testing.T) {
	now := time.Now()
	vm := runner.VM{Identity: identity("X", "7"), CreatedAt: now}
	health := runner.RunnersHealthResponse{
		RequestedRunners: []runner.PlatformRunner{{Identity: identity("X", "7"), Deletable: true}},
	}
	inv := runner.BuildInventory([]runner.VM{vm}, health)

	p := Compute(inv, now, tMax)

	require.Contains(t, p.PlatformRunnerIDs, "7")
	require.Contains(t, p.VMIDs, runner.InstanceID("X"))
}

func TestDownscale_PrefersDeletableThenIdleThenBusy(t *testing.T) {
	now := time.Now()
	vms := []runner.VM{
		{Identity: identity("busy", "1"), CreatedAt: now},
		{Identity: identity("idle", "2"), CreatedAt: now},
		{Identity: identity("del", "3"), CreatedAt: now},
	}
	health := runner.RunnersHealthResponse{
		RequestedRunners: []runner.PlatformRunner{
			{Identity: identity("busy", "1"), Online: true, Busy: true},
			{Identity: identity("idle", "2"), Online: true, Busy: false},
			{Identity: identity("del", "3"), Deletable: true},
		},
	}
	inv := runner.BuildInventory(vms, health)

	p := Compute(inv, now, tMax)
	require.Contains(t, p.PlatformRunnerIDs, "3") // already deletable

	p = Downscale(p, inv, 1)

	require.Contains(t, p.PlatformRunnerIDs, "2") // idle preferred over busy
	require.NotContains(t, p.PlatformRunnerIDs, "1")
}

// Property: cleanup monotonicity -- deletion is a union, so adding a
// platform-runner reason never removes an already-planned VM deletion.
func TestCompute_MonotoneUnion(t *testing.T) {
	now := time.Now()
	vm := runner.VM{Identity: identity("orphan", ""), CreatedAt: now}
	inv := runner.BuildInventory([]runner.VM{vm}, runner.RunnersHealthResponse{
		NonRequestedRunners: []runner.PlatformRunner{{Identity: identity("dangling", "9")}},
	})

	p := Compute(inv, now, tMax)

	require.Contains(t, p.VMIDs, runner.InstanceID("orphan"))
	require.Contains(t, p.PlatformRunnerIDs, "9")
}

func TestPlanFlush_OnlineIdleAlwaysIncluded(t *testing.T) {
	now := time.Now()
	vms := []runner.VM{{Identity: identity("idle", "1"), CreatedAt: now}, {Identity: identity("busy", "2"), CreatedAt: now}}
	health := runner.RunnersHealthResponse{
		RequestedRunners: []runner.PlatformRunner{
			{Identity: identity("idle", "1"), Online: true, Busy: false},
			{Identity: identity("busy", "2"), Online: true, Busy: true},
		},
	}
	inv := runner.BuildInventory(vms, health)

	p := PlanFlush(inv, false)
	require.Contains(t, p.PlatformRunnerIDs, "1")
	require.NotContains(t, p.PlatformRunnerIDs, "2")

	p = PlanFlush(inv, true)
	require.Contains(t, p.PlatformRunnerIDs, "1")
	require.Contains(t, p.PlatformRunnerIDs, "2")
}
