// Package policy computes the per-tick ReconcileActionPlan: either a
// prespawn pool-maintenance decision (C7) or a reactive queue-draining
// decision (C8). Both policies consume the surviving inventory after
// cleanup and produce the same tagged-variant Action so the
// reconciler's dispatch (spec.md §4.9 step 8) stays exhaustive.
package policy

import "github.com/terrpan/runnerfleet/internal/runner"

// Kind tags which variant an Action holds.
type Kind int

const (
	Noop Kind = iota
	Create
	Downscale
)

// Action is the tagged-variant ReconcileActionPlan (spec.md §9 design
// note): exactly one of Configs (Create) or DownscaleBy (Downscale) is
// meaningful, selected by Kind.
type Action struct {
	Kind        Kind
	Configs     []runner.SpawnRunnerConfig
	DownscaleBy int
}
