package codehost

import (
	"testing"

	"github.com/google/go-github/v74/github"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerfleet/internal/runner"
)

func TestToPlatformRunner_OfflineIdleIsDeletable(t *testing.T) {
	r := &github.Runner{
		ID:     github.Ptr(int64(42)),
		Name:   github.Ptr("job-reactive-abc123"),
		Status: github.Ptr("offline"),
		Busy:   github.Ptr(false),
	}

	got := toPlatformRunner(r)

	require.Equal(t, runner.InstanceID("job-reactive-abc123"), got.Identity.ID)
	require.Equal(t, "42", got.Identity.Metadata.RunnerID)
	require.False(t, got.Online)
	require.True(t, got.Deletable)
}

func TestToPlatformRunner_OnlineBusyIsNotDeletable(t *testing.T) {
	r := &github.Runner{
		ID:     github.Ptr(int64(7)),
		Name:   github.Ptr("job-reactive-xyz"),
		Status: github.Ptr("online"),
		Busy:   github.Ptr(true),
	}

	got := toPlatformRunner(r)

	require.True(t, got.Online)
	require.True(t, got.Busy)
	require.False(t, got.Deletable)
}

func TestParseRunnerID_RoundTrips(t *testing.T) {
	id, err := parseRunnerID("123")
	require.NoError(t, err)
	require.EqualValues(t, 123, id)
}

func TestParseRunnerID_RejectsNonNumeric(t *testing.T) {
	_, err := parseRunnerID("not-a-number")
	require.Error(t, err)
}
