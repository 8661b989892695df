// Package metrics implements MetricsExtractor (C3) -- bounded-parallel
// SSH pull and parse of per-VM metric files -- and the Metrics
// Pipeline (C10) that turns pulled metrics into Prometheus
// observations and lifecycle event records.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"github.com/terrpan/runnerfleet/internal/cloud"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// Remote paths pulled from every VM, grounded on
// metrics/runner.py's well-known file layout.
const (
	installTimestampPath = "/var/lib/runnerfleet/install-timestamp"
	preJobPath           = "/var/lib/runnerfleet/pre-job.json"
	postJobPath          = "/var/lib/runnerfleet/post-job.json"

	maxFileBytes = 1024
)

// JobEvent is the parsed shape of pre-job.json / post-job.json.
type JobEvent struct {
	Timestamp     float64  `json:"timestamp"`
	WorkflowRunID *int64   `json:"workflow_run_id,omitempty"`
	QueueDuration *float64 `json:"queue_duration,omitempty"`
}

// PulledMetrics is the per-VM output of the extractor; only fields
// that were actually pulled and parsed are non-nil.
type PulledMetrics struct {
	VM          runner.VM
	InstalledTS *float64
	PreJob      *JobEvent
	PostJob     *JobEvent
}

const maxExtractWorkers = 30

// Extractor pulls and parses metric files from a set of VMs via SSH.
// It never mutates cloud or platform state.
type Extractor struct {
	Cloud  cloud.Port
	Logger *slog.Logger
}

// Extract runs the pull+parse sequence for each vm in parallel, bounded
// at min(len(vms), 30). The result contains one entry per VM that
// produced at least one field; it is empty iff no VM produced any
// field.
func (e Extractor) Extract(ctx context.Context, vms []runner.VM) []PulledMetrics {
	if len(vms) == 0 {
		return nil
	}

	results := make([]*PulledMetrics, len(vms))
	sem := make(chan struct{}, clampWorkers(len(vms)))
	var wg sync.WaitGroup

	for i, vm := range vms {
		i, vm := i, vm
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.extractOne(ctx, vm)
		}()
	}
	wg.Wait()

	out := make([]PulledMetrics, 0, len(vms))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func clampWorkers(n int) int {
	if n > maxExtractWorkers {
		return maxExtractWorkers
	}
	return n
}

func (e Extractor) extractOne(ctx context.Context, vm runner.VM) *PulledMetrics {
	conn, err := e.Cloud.GetSSHConnection(ctx, vm)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("ssh connection failed, skipping metrics", "instance_id", vm.Identity.ID, "error", err)
		}
		return nil
	}
	defer conn.Close()

	pm := &PulledMetrics{VM: vm}
	gotAny := false

	if raw, ok := e.pull(ctx, conn, installTimestampPath); ok {
		if ts, err := strconv.ParseFloat(string(raw), 64); err != nil {
			e.logParseError(installTimestampPath, err)
		} else {
			pm.InstalledTS = &ts
			gotAny = true
		}
	}
	if raw, ok := e.pull(ctx, conn, preJobPath); ok {
		var ev JobEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			e.logParseError(preJobPath, err)
		} else {
			pm.PreJob = &ev
			gotAny = true
		}
	}
	if raw, ok := e.pull(ctx, conn, postJobPath); ok {
		var ev JobEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			e.logParseError(postJobPath, err)
		} else {
			pm.PostJob = &ev
			gotAny = true
		}
	}

	if !gotAny {
		return nil
	}
	return pm
}

func (e Extractor) pull(ctx context.Context, conn cloud.SSHConn, path string) ([]byte, bool) {
	size, err := conn.StatSize(ctx, path)
	if err != nil {
		return nil, false
	}
	if size > maxFileBytes {
		if e.Logger != nil {
			e.Logger.Warn("remote metric file exceeds size cap, skipping", "path", path, "size", size)
		}
		return nil, false
	}
	data, err := conn.Pull(ctx, path, maxFileBytes)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("pulling remote metric file failed", "path", path, "error", err)
		}
		return nil, false
	}
	return data, true
}

func (e Extractor) logParseError(path string, err error) {
	if e.Logger != nil {
		e.Logger.Warn("parsing metric file failed, field treated as absent", "path", path, "error", err)
	}
}
