package openstack

import (
	"testing"

	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerfleet/internal/runner"
)

func TestMapServerStatus(t *testing.T) {
	cases := map[string]runner.CloudState{
		"ACTIVE":  runner.CloudStateActive,
		"BUILD":   runner.CloudStateBuild,
		"SHUTOFF": runner.CloudStateShutoff,
		"ERROR":   runner.CloudStateError,
		"PAUSED":  runner.CloudStateUnknown,
	}
	for in, want := range cases {
		require.Equal(t, want, mapServerStatus(in))
	}
}

func TestExtractAddresses_FlattensNetworkMap(t *testing.T) {
	s := &servers.Server{
		Addresses: map[string]interface{}{
			"runner-net": []interface{}{
				map[string]interface{}{"addr": "10.0.0.5", "version": float64(4)},
			},
		},
	}

	got := extractAddresses(s)

	require.Equal(t, []string{"10.0.0.5"}, got)
}

func TestExtractAddresses_EmptyWhenNoNetworks(t *testing.T) {
	s := &servers.Server{}
	require.Empty(t, extractAddresses(s))
}
