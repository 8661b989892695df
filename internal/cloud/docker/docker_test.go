package docker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerfleet/internal/runner"
)

func TestContainerState_MapsDockerStatesToCloudStates(t *testing.T) {
	cases := map[string]runner.CloudState{
		"running":    runner.CloudStateActive,
		"created":    runner.CloudStateBuild,
		"restarting": runner.CloudStateBuild,
		"exited":     runner.CloudStateShutoff,
		"dead":       runner.CloudStateShutoff,
		"paused":     runner.CloudStateUnknown,
	}
	for in, want := range cases {
		require.Equal(t, want, containerState(in))
	}
}
