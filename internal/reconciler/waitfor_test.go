package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitFor_ReturnsOnTruthyValue(t *testing.T) {
	calls := 0
	pred := func(context.Context) (*int, error) {
		calls++
		if calls < 3 {
			return nil, nil
		}
		v := 42
		return &v, nil
	}

	got, err := WaitFor(context.Background(), time.Second, time.Millisecond, pred, nil)

	require.NoError(t, err)
	require.Equal(t, 42, *got)
	require.Equal(t, 3, calls)
}

func TestWaitFor_TimesOutWithoutReproducingTheInvertedBug(t *testing.T) {
	pred := func(context.Context) (*int, error) { return nil, nil }

	_, err := WaitFor(context.Background(), 5*time.Millisecond, time.Millisecond, pred, nil)

	require.ErrorIs(t, err, ErrTimeout)
}

func TestWaitFor_AbsorbsIgnorableErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("transient")
	pred := func(context.Context) (*int, error) {
		calls++
		if calls < 2 {
			return nil, sentinel
		}
		v := 1
		return &v, nil
	}

	got, err := WaitFor(context.Background(), time.Second, time.Millisecond, pred, func(error) bool { return true })

	require.NoError(t, err)
	require.Equal(t, 1, *got)
}

func TestWaitFor_PropagatesNonIgnoredError(t *testing.T) {
	sentinel := errors.New("fatal")
	pred := func(context.Context) (*int, error) { return nil, sentinel }

	_, err := WaitFor(context.Background(), time.Second, time.Millisecond, pred, func(error) bool { return false })

	require.ErrorIs(t, err, sentinel)
}

func TestWaitFor_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pred := func(context.Context) (*int, error) { return nil, nil }

	_, err := WaitFor(ctx, time.Second, time.Millisecond, pred, nil)

	require.Error(t, err)
}
