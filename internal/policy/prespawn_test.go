package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerfleet/internal/runner"
)

func TestPrespawn_S3_SteadyState(t *testing.T) {
	p := Prespawn{Prefix: "fleet", BaseQuantity: 2}
	action := p.Decide([]runner.VM{{}, {}})

	require.Equal(t, Noop, action.Kind)
}

func TestPrespawn_S4_ScaleUp(t *testing.T) {
	p := Prespawn{Prefix: "fleet", BaseQuantity: 3}
	action := p.Decide([]runner.VM{{}})

	require.Equal(t, Create, action.Kind)
	require.Len(t, action.Configs, 2)

	seen := map[runner.InstanceID]bool{}
	for _, cfg := range action.Configs {
		require.True(t, cfg.Identity.ID.HasPrefix("fleet"))
		require.False(t, seen[cfg.Identity.ID], "InstanceIDs must be distinct")
		seen[cfg.Identity.ID] = true
	}
}

func TestPrespawn_Downscale(t *testing.T) {
	p := Prespawn{Prefix: "fleet", BaseQuantity: 1}
	action := p.Decide([]runner.VM{{}, {}, {}})

	require.Equal(t, Downscale, action.Kind)
	require.Equal(t, 2, action.DownscaleBy)
}
