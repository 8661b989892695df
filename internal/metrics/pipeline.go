package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// Pipeline maps PulledMetrics into Prometheus observations and
// lifecycle event log lines (C10). Bucket boundaries are grounded on
// metrics/runner.py's histogram definitions.
type Pipeline struct {
	logger *slog.Logger

	spawnDuration   prometheus.Histogram
	idleDuration    prometheus.Histogram
	jobDuration     prometheus.Histogram
	lifecycleEvents *prometheus.CounterVec
}

// NewPipeline registers the pipeline's Prometheus collectors.
// Registration errors (e.g. duplicate registration against a shared
// registry) are logged and otherwise ignored, matching the teacher's
// tolerance for re-entrant instrument creation.
func NewPipeline(reg prometheus.Registerer, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		logger: logger,
		spawnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runner_spawn_duration_seconds",
			Help:    "Time from VM creation to the runner install marker appearing.",
			Buckets: []float64{5, 10, 20, 30, 60, 120, 240, 480, 960},
		}),
		idleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runner_idle_duration_seconds",
			Help:    "Time a runner spent idle before picking up a job.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runner_job_duration_seconds",
			Help:    "Time a runner spent executing its one job.",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400},
		}),
		lifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_lifecycle_events_total",
			Help: "Count of runner lifecycle events by kind.",
		}, []string{"event"}),
	}

	for _, c := range []prometheus.Collector{p.spawnDuration, p.idleDuration, p.jobDuration, p.lifecycleEvents} {
		if err := reg.Register(c); err != nil {
			if logger != nil {
				logger.Warn("metrics collector registration failed", "error", err)
			}
		}
	}

	return p
}

// Observe maps one PulledMetrics into the events described in
// spec.md §4.10.
func (p *Pipeline) Observe(pm PulledMetrics) {
	if pm.InstalledTS != nil {
		d := clamp(*pm.InstalledTS - float64(pm.VM.CreatedAt.UTC().Unix()))
		p.spawnDuration.Observe(d)
		p.lifecycleEvents.WithLabelValues("runner_installed").Inc()
		p.logEvent("runner_installed", pm.VM, d)
	}

	if pm.PreJob != nil {
		idle := 0.0
		if pm.InstalledTS != nil {
			idle = clamp(pm.PreJob.Timestamp - *pm.InstalledTS)
		}
		p.idleDuration.Observe(idle)
		p.lifecycleEvents.WithLabelValues("runner_start").Inc()
		p.logEvent("runner_start", pm.VM, idle)
	}

	// Missing post_job when pre_job exists is a valid terminal state
	// (the runner crashed mid-job); never fabricate a stop event.
	if pm.PreJob != nil && pm.PostJob != nil {
		jobDur := clamp(pm.PostJob.Timestamp - pm.PreJob.Timestamp)
		p.jobDuration.Observe(jobDur)
		p.lifecycleEvents.WithLabelValues("runner_stop").Inc()
		p.logEvent("runner_stop", pm.VM, jobDur)
	}
}

func clamp(d float64) float64 {
	if d < 0 {
		return 0
	}
	return d
}

func (p *Pipeline) logEvent(event string, vm runner.VM, duration float64) {
	if p.logger == nil {
		return
	}
	p.logger.WithGroup("metrics_event").Info(event, "duration_seconds", duration, "instance_id", vm.Identity.ID.String())
}
