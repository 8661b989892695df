// Package platform defines PlatformPort, the abstraction over the
// upstream CI platform (C1). Two variants implement it: codehost (a
// GitHub-style code-hosting service) and jobmanager (a generic job
// manager reached at one configured base URL; requests are not routed
// by the base URL derived from each job URL).
package platform

import (
	"context"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// Port is the abstraction over the CI platform.
type Port interface {
	ListRunners(ctx context.Context) ([]runner.PlatformRunner, error)
	GetRunnersHealth(ctx context.Context, requested []runner.RunnerIdentity) (runner.RunnersHealthResponse, error)
	GetRunnerContext(ctx context.Context, identity runner.RunnerIdentity, labels []string) (runner.RunnerContext, runner.PlatformRunner, error)
	DeleteRunners(ctx context.Context, ids []string) ([]string, error)
	GetJob(ctx context.Context, identity runner.RunnerIdentity) (*runner.JobInfo, error)
	// GetRunner confirms the platform has observed a single runner; used
	// by the reactive spawn path's registration-wait loop. A nil result
	// with a nil error means "not observed yet".
	GetRunner(ctx context.Context, identity runner.RunnerIdentity) (*runner.PlatformRunner, error)
}

// Errors surfaced by Port implementations, per spec.md §7.
type (
	// APIError wraps a transient transport or 5xx failure; retried only
	// in the explicit health-check loops inside the spawn worker.
	APIError struct{ Err error }
	// AuthError signals a credential problem; never recovered locally.
	AuthError struct{ Err error }
)

func (e *APIError) Error() string  { return "platform api error: " + e.Err.Error() }
func (e *APIError) Unwrap() error  { return e.Err }
func (e *AuthError) Error() string { return "platform auth error: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }
