package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func identity(id string) RunnerIdentity {
	return RunnerIdentity{ID: InstanceID(id), Metadata: RunnerMetadata{Platform: PlatformCodeHost}}
}

func TestBuildInventory_DanglingPlatformRunner(t *testing.T) {
	health := RunnersHealthResponse{
		NonRequestedRunners: []PlatformRunner{{Identity: identity("x"), Online: false, Busy: false}},
	}

	inv := BuildInventory(nil, health)

	require.Empty(t, inv.VMs)
	require.Contains(t, inv.NonRequested, InstanceID("x"))
	require.Contains(t, inv.OfflineIdle, InstanceID("x"))
}

func TestBuildInventory_RequestedWhenVMPresent(t *testing.T) {
	vms := []VM{{Identity: identity("x"), CreatedAt: time.Now()}}
	health := RunnersHealthResponse{
		RequestedRunners: []PlatformRunner{{Identity: identity("x"), Online: true, Busy: true}},
	}

	inv := BuildInventory(vms, health)

	require.Contains(t, inv.Requested, InstanceID("x"))
	require.NotContains(t, inv.NonRequested, InstanceID("x"))
	require.Contains(t, inv.OnlineBusy, InstanceID("x"))
}

func TestBuildInventory_IsPure(t *testing.T) {
	vms := []VM{{Identity: identity("x"), CreatedAt: time.Now()}}
	health := RunnersHealthResponse{
		RequestedRunners: []PlatformRunner{{Identity: identity("x"), Deletable: true}},
	}

	first := BuildInventory(vms, health)
	second := BuildInventory(vms, health)

	require.Equal(t, first.Requested, second.Requested)
	require.Equal(t, first.Deletable, second.Deletable)
}

func TestBuildInventory_FailedRequested(t *testing.T) {
	health := RunnersHealthResponse{
		FailedRequestedRunners: []RunnerIdentity{identity("y")},
	}

	inv := BuildInventory(nil, health)

	require.Contains(t, inv.Failed, InstanceID("y"))
}

func TestSurvivingVMs_ExcludesDeleted(t *testing.T) {
	vms := []VM{{Identity: identity("a")}, {Identity: identity("b")}}
	inv := BuildInventory(vms, RunnersHealthResponse{})

	surv := SurvivingVMs(inv, map[InstanceID]struct{}{"a": {}})

	require.Len(t, surv, 1)
	require.Equal(t, InstanceID("b"), surv[0].Identity.ID)
}

func TestJobRequest_Validate(t *testing.T) {
	require.NoError(t, JobRequest{JobURL: "https://github.com/org/repo/actions/runs/1/job/2"}.Validate())
	require.Error(t, JobRequest{JobURL: "https://github.com"}.Validate())
	require.Error(t, JobRequest{JobURL: "{"}.Validate())
}

func TestInstanceID_HasPrefix(t *testing.T) {
	id := NewInstanceID("fleet", PoolReactive)
	require.True(t, id.HasPrefix("fleet"))
	require.False(t, id.HasPrefix("other"))
}
