package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/terrpan/runnerfleet/internal/platform"
	"github.com/terrpan/runnerfleet/internal/queue"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// jobManagerPath matches a job-manager job URL's path, capturing the
// base-URL prefix that precedes "/v1/jobs/<n>" (grounded on
// reconciler.py's host/path-based platform-variant derivation).
var jobManagerPath = regexp.MustCompile(`^(.*)/v1/jobs/(\d+)$`)

// Reactive drains a bounded number of queue messages per tick and
// turns valid ones into SpawnRunnerConfigs (spec.md §4.8).
type Reactive struct {
	Prefix          string
	BaseQuantity    int
	SupportedLabels map[string]struct{}
	Image           string
	Flavor          string
	CodeHostHost    string // e.g. "github.com"

	Queue    queue.Port
	Platform platform.Port
	Logger   *slog.Logger

	// GetTimeout bounds each blocking Get call. Defaults to 30s when zero.
	GetTimeout time.Duration
}

// Decide implements the reactive algorithm: NOOP on an empty queue,
// bounded drain up to want = min(Q-surviving, queue_len), emitting one
// SpawnRunnerConfig per valid message.
func (r Reactive) Decide(ctx context.Context, surviving []runner.VM) (Action, error) {
	queueLen, err := r.Queue.Size(ctx)
	if err != nil {
		return Action{}, err
	}
	if queueLen == 0 {
		return Action{Kind: Noop}, nil
	}

	want := r.BaseQuantity - len(surviving)
	if want > queueLen {
		want = queueLen
	}
	if want == 0 {
		return Action{Kind: Noop}, nil
	}
	if want < 0 {
		return Action{Kind: Downscale, DownscaleBy: -want}, nil
	}

	timeout := r.GetTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var configs []runner.SpawnRunnerConfig
	for i := 0; i < want; i++ {
		msg, err := r.Queue.Get(ctx, timeout)
		if err != nil {
			return Action{}, err
		}
		if msg == nil {
			break
		}
		if string(msg.Payload) == queue.EndOfStream {
			_ = r.Queue.Ack(ctx, msg)
			break
		}

		cfg, ok := r.consume(ctx, msg)
		if !ok {
			continue
		}
		configs = append(configs, cfg)
	}

	return Action{Kind: Create, Configs: configs}, nil
}

// consume parses and validates one message, registers the runner on
// the platform, and returns a ready SpawnRunnerConfig. A false return
// means the message was rejected (and the caller should continue the
// drain loop); errors during rejection itself are logged, not
// propagated, since rejection is best-effort per spec.md §7.
func (r Reactive) consume(ctx context.Context, msg *queue.Message) (runner.SpawnRunnerConfig, bool) {
	var job runner.JobRequest
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		r.reject(ctx, msg, "malformed job request", err)
		return runner.SpawnRunnerConfig{}, false
	}
	if err := job.Validate(); err != nil {
		r.reject(ctx, msg, "invalid job request", err)
		return runner.SpawnRunnerConfig{}, false
	}
	for _, l := range job.Labels {
		if _, ok := r.SupportedLabels[l]; !ok {
			r.reject(ctx, msg, "unsupported label", fmt.Errorf("label %q not supported", l))
			return runner.SpawnRunnerConfig{}, false
		}
	}

	metadata, err := r.deriveMetadata(job.JobURL)
	if err != nil {
		r.reject(ctx, msg, "cannot derive platform metadata", err)
		return runner.SpawnRunnerConfig{}, false
	}

	identity := runner.RunnerIdentity{
		ID:       runner.NewInstanceID(r.Prefix, runner.PoolReactive),
		Metadata: metadata,
	}

	runnerCtx, registered, err := r.Platform.GetRunnerContext(ctx, identity, job.Labels)
	if err != nil {
		r.reject(ctx, msg, "registration failed", err)
		return runner.SpawnRunnerConfig{}, false
	}
	identity.Metadata.RunnerID = registered.Identity.Metadata.RunnerID

	if err := r.Queue.Ack(ctx, msg); err != nil && r.Logger != nil {
		r.Logger.Warn("ack failed", "error", err)
	}

	return runner.SpawnRunnerConfig{
		Identity: identity,
		Image:    r.Image,
		Flavor:   r.Flavor,
		Context:  runnerCtx,
		Pool:     runner.PoolReactive,
	}, true
}

func (r Reactive) reject(ctx context.Context, msg *queue.Message, reason string, err error) {
	if r.Logger != nil {
		r.Logger.Warn("rejecting queue message", "reason", reason, "error", err)
	}
	if rejErr := r.Queue.Reject(ctx, msg, false); rejErr != nil && r.Logger != nil {
		r.Logger.Warn("reject failed", "error", rejErr)
	}
}

// deriveMetadata derives RunnerMetadata from the job URL's host: the
// configured code-host host maps to PlatformCodeHost with no base URL;
// any other host is treated as a job-manager whose base URL is the job
// URL with its "/v1/jobs/<n>" suffix stripped.
func (r Reactive) deriveMetadata(jobURL string) (runner.RunnerMetadata, error) {
	u, err := url.Parse(jobURL)
	if err != nil {
		return runner.RunnerMetadata{}, err
	}
	if strings.EqualFold(u.Host, r.CodeHostHost) {
		return runner.RunnerMetadata{Platform: runner.PlatformCodeHost}, nil
	}

	m := jobManagerPath.FindStringSubmatch(jobURL)
	if m == nil {
		return runner.RunnerMetadata{}, fmt.Errorf("job_url %q does not match a known platform", jobURL)
	}
	return runner.RunnerMetadata{Platform: runner.PlatformJobManager, BaseURL: m[1]}, nil
}
