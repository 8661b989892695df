package runner

// Inventory is the result of joining the cloud's VM set with the
// platform's runner-health response by InstanceID. Building one is a
// pure function: same inputs always yield identical maps (spec.md §8
// property 4).
type Inventory struct {
	// VMs holds every VM passed in, keyed by InstanceID.
	VMs map[InstanceID]VM

	// Requested holds platform runners whose InstanceID also has a VM.
	Requested map[InstanceID]PlatformRunner

	// NonRequested holds platform runners with no matching VM (dangling
	// on the platform side).
	NonRequested map[InstanceID]PlatformRunner

	// Failed holds identities that were requested but the platform
	// returned no data for (transient).
	Failed map[InstanceID]RunnerIdentity

	// Deletable, OfflineIdle, OnlineIdle, OnlineBusy are convenience
	// sets of platform-runner InstanceIDs classified from every platform
	// runner, Requested and NonRequested alike.
	Deletable   map[InstanceID]struct{}
	OfflineIdle map[InstanceID]struct{}
	OnlineIdle  map[InstanceID]struct{}
	OnlineBusy  map[InstanceID]struct{}
}

// BuildInventory joins vms and health into an Inventory. It never
// mutates its arguments and never performs I/O.
func BuildInventory(vms []VM, health RunnersHealthResponse) Inventory {
	inv := Inventory{
		VMs:          make(map[InstanceID]VM, len(vms)),
		Requested:    make(map[InstanceID]PlatformRunner),
		NonRequested: make(map[InstanceID]PlatformRunner),
		Failed:       make(map[InstanceID]RunnerIdentity, len(health.FailedRequestedRunners)),
		Deletable:    make(map[InstanceID]struct{}),
		OfflineIdle:  make(map[InstanceID]struct{}),
		OnlineIdle:   make(map[InstanceID]struct{}),
		OnlineBusy:   make(map[InstanceID]struct{}),
	}

	for _, vm := range vms {
		inv.VMs[vm.Identity.ID] = vm
	}

	for _, r := range health.RequestedRunners {
		id := r.Identity.ID
		if _, ok := inv.VMs[id]; ok {
			inv.Requested[id] = r
		} else {
			inv.NonRequested[id] = r
		}
		classify(inv, id, r)
	}

	for _, r := range health.NonRequestedRunners {
		inv.NonRequested[r.Identity.ID] = r
		classify(inv, r.Identity.ID, r)
	}

	for _, id := range health.FailedRequestedRunners {
		inv.Failed[id.ID] = id
	}

	return inv
}

func classify(inv Inventory, id InstanceID, r PlatformRunner) {
	if r.Deletable {
		inv.Deletable[id] = struct{}{}
	}
	switch {
	case !r.Online && !r.Busy:
		inv.OfflineIdle[id] = struct{}{}
	case r.Online && !r.Busy:
		inv.OnlineIdle[id] = struct{}{}
	case r.Busy:
		inv.OnlineBusy[id] = struct{}{}
	}
}

// SurvivingVMs returns the VMs in inv.VMs whose InstanceID is not in
// deletedVMs.
func SurvivingVMs(inv Inventory, deletedVMs map[InstanceID]struct{}) []VM {
	out := make([]VM, 0, len(inv.VMs))
	for id, vm := range inv.VMs {
		if _, deleted := deletedVMs[id]; !deleted {
			out = append(out, vm)
		}
	}
	return out
}
