// Package cleanup computes, from a runner.Inventory, the sets of
// platform runners and VMs that should be deleted this tick. The rules
// are a union of independent conditions (spec.md §4.5): adding a
// reason to delete a platform runner never removes a VM from the
// delete set and vice versa (spec.md §8 property 6).
package cleanup

import (
	"sort"
	"time"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// Plan is the output of Compute/Downscale/PlanFlush: the sets of platform
// runner IDs and VM InstanceIDs to delete this tick.
type Plan struct {
	PlatformRunnerIDs map[string]struct{}
	VMIDs             map[runner.InstanceID]struct{}
}

func newPlan() Plan {
	return Plan{
		PlatformRunnerIDs: make(map[string]struct{}),
		VMIDs:             make(map[runner.InstanceID]struct{}),
	}
}

// Compute returns the base delete set for inv: dangling platform
// runners, platform-deletable runners, and platform runners whose VM
// has lived longer than tMax while still offline-and-idle. VMs are
// added to the delete set when they have no registered runner_id, or
// when their runner_id is in the platform delete set.
//
// A VM younger than tMax is never deleted purely because the platform
// hasn't observed it yet -- creation is given time to complete.
func Compute(inv runner.Inventory, now time.Time, tMax time.Duration) Plan {
	p := newPlan()

	for id, r := range inv.NonRequested {
		p.PlatformRunnerIDs[r.Identity.Metadata.RunnerID] = struct{}{}
		_ = id
	}

	for id, r := range inv.Requested {
		if r.Deletable {
			p.PlatformRunnerIDs[r.Identity.Metadata.RunnerID] = struct{}{}
			continue
		}
		vm, ok := inv.VMs[id]
		if !ok {
			continue
		}
		if _, offlineIdle := inv.OfflineIdle[id]; offlineIdle && now.Sub(vm.CreatedAt) > tMax {
			p.PlatformRunnerIDs[r.Identity.Metadata.RunnerID] = struct{}{}
		}
	}

	for id, vm := range inv.VMs {
		if vm.Identity.Metadata.RunnerID == "" {
			p.VMIDs[id] = struct{}{}
			continue
		}
		if _, deleted := p.PlatformRunnerIDs[vm.Identity.Metadata.RunnerID]; deleted {
			p.VMIDs[id] = struct{}{}
		}
	}

	return p
}

// Downscale extends p with n additional platform runners drawn from
// inv.Requested, preferring deletable, then idle, then busy runners
// (never exceeding the pool size), and deletes their VMs too. Runners
// already in p are not counted twice.
func Downscale(p Plan, inv runner.Inventory, n int) Plan {
	if n <= 0 {
		return p
	}

	type candidate struct {
		id       runner.InstanceID
		priority int
	}

	var candidates []candidate
	for id, r := range inv.Requested {
		if r.Identity.Metadata.RunnerID == "" {
			continue
		}
		if _, already := p.PlatformRunnerIDs[r.Identity.Metadata.RunnerID]; already {
			continue
		}
		priority := 2 // busy
		if _, ok := inv.Deletable[id]; ok {
			priority = 0
		} else if _, ok := inv.OnlineIdle[id]; ok {
			priority = 1
		} else if _, ok := inv.OfflineIdle[id]; ok {
			priority = 1
		}
		candidates = append(candidates, candidate{id: id, priority: priority})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority < candidates[j].priority
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	for _, c := range candidates[:n] {
		r := inv.Requested[c.id]
		p.PlatformRunnerIDs[r.Identity.Metadata.RunnerID] = struct{}{}
		p.VMIDs[c.id] = struct{}{}
	}

	return p
}

// PlanFlush deletes every idle runner (online or offline) that has a
// VM, together with that VM, and every dangling platform runner; when
// flushBusy is set it also deletes every remaining runner that has a
// VM (including busy ones). It is
// the operator drain-before-maintenance mode supplemented from
// runner_manager.py's flush semantics; it does not alter Compute's
// rules and is a separate entry point over the same Inventory.
func PlanFlush(inv runner.Inventory, flushBusy bool) Plan {
	p := newPlan()

	for id := range inv.OnlineIdle {
		if r, ok := inv.Requested[id]; ok {
			p.PlatformRunnerIDs[r.Identity.Metadata.RunnerID] = struct{}{}
			p.VMIDs[id] = struct{}{}
		}
	}
	for id := range inv.OfflineIdle {
		if r, ok := inv.Requested[id]; ok {
			p.PlatformRunnerIDs[r.Identity.Metadata.RunnerID] = struct{}{}
			p.VMIDs[id] = struct{}{}
		}
	}

	if flushBusy {
		for id, r := range inv.Requested {
			p.PlatformRunnerIDs[r.Identity.Metadata.RunnerID] = struct{}{}
			p.VMIDs[id] = struct{}{}
		}
	}

	for id, r := range inv.NonRequested {
		p.PlatformRunnerIDs[r.Identity.Metadata.RunnerID] = struct{}{}
		_ = id
	}

	return p
}
