package policy

import "github.com/terrpan/runnerfleet/internal/runner"

// Prespawn maintains a constant pool of BaseQuantity runners.
type Prespawn struct {
	// Prefix names new InstanceIDs.
	Prefix string
	// BaseQuantity is the configured pool size Q.
	BaseQuantity int
	Image        string
	Flavor       string
}

// Decide computes diff = Q - |surviving| and returns NOOP, CREATE diff,
// or DOWNSCALE |diff| (spec.md §4.7). Created configs carry an
// unregistered RunnerIdentity -- the Spawn Worker registers each one
// with the platform before creating its VM.
func (p Prespawn) Decide(surviving []runner.VM) Action {
	diff := p.BaseQuantity - len(surviving)

	switch {
	case diff == 0:
		return Action{Kind: Noop}
	case diff < 0:
		return Action{Kind: Downscale, DownscaleBy: -diff}
	default:
		configs := make([]runner.SpawnRunnerConfig, diff)
		for i := range configs {
			configs[i] = runner.SpawnRunnerConfig{
				Identity: runner.RunnerIdentity{
					ID:       runner.NewInstanceID(p.Prefix, runner.PoolPrespawn),
					Metadata: runner.RunnerMetadata{Platform: runner.PlatformCodeHost},
				},
				Image:  p.Image,
				Flavor: p.Flavor,
				Pool:   runner.PoolPrespawn,
			}
		}
		return Action{Kind: Create, Configs: configs}
	}
}
