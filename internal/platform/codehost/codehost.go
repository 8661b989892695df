// Package codehost implements PlatformPort (C1) against a GitHub-style
// code-hosting service via google/go-github, grounded on the
// authenticated-client/ActionsService pattern used by GitHub Actions
// runner-fleet managers (cf. cloudbase/garm's go-github dependency).
package codehost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v74/github"

	"github.com/terrpan/runnerfleet/internal/platform"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// Config configures the code-host backend.
type Config struct {
	// Owner/Repo identify the repository (or Owner alone for an org-level
	// runner pool) the fleet registers against.
	Owner string
	Repo  string

	// Token is a PAT or GitHub App installation token with admin:org /
	// repo scope for runner management.
	Token string

	// BaseURL overrides the API host for GitHub Enterprise Server; empty
	// means github.com.
	BaseURL string
}

// PlatformPort implements platform.Port against GitHub Actions.
type PlatformPort struct {
	client *github.Client
	owner  string
	repo   string
	logger *slog.Logger
}

var _ platform.Port = (*PlatformPort)(nil)

// New builds an authenticated github.Client.
func New(cfg Config, logger *slog.Logger) (*PlatformPort, error) {
	client := github.NewClient(nil).WithAuthToken(cfg.Token)
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("enterprise base url %s: %w", cfg.BaseURL, err)
		}
	}
	return &PlatformPort{client: client, owner: cfg.Owner, repo: cfg.Repo, logger: logger}, nil
}

// ListRunners returns every self-hosted runner registered on the
// repository.
func (p *PlatformPort) ListRunners(ctx context.Context) ([]runner.PlatformRunner, error) {
	var out []runner.PlatformRunner
	opts := &github.ListRunnersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		runners, resp, err := p.client.Actions.ListRunners(ctx, p.owner, p.repo, opts)
		if err != nil {
			return nil, wrapErr(err)
		}
		for _, r := range runners.Runners {
			out = append(out, toPlatformRunner(r))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetRunnersHealth partitions the live runner set against requested,
// per spec.md §4.1.
func (p *PlatformPort) GetRunnersHealth(ctx context.Context, requested []runner.RunnerIdentity) (runner.RunnersHealthResponse, error) {
	live, err := p.ListRunners(ctx)
	if err != nil {
		return runner.RunnersHealthResponse{}, err
	}

	byName := make(map[string]runner.PlatformRunner, len(live))
	for _, r := range live {
		byName[r.Identity.ID.String()] = r
	}

	var resp runner.RunnersHealthResponse
	seen := make(map[string]struct{}, len(requested))
	for _, id := range requested {
		seen[id.ID.String()] = struct{}{}
		if r, ok := byName[id.ID.String()]; ok {
			resp.RequestedRunners = append(resp.RequestedRunners, r)
		} else {
			resp.FailedRequestedRunners = append(resp.FailedRequestedRunners, id)
		}
	}
	for name, r := range byName {
		if _, ok := seen[name]; !ok {
			resp.NonRequestedRunners = append(resp.NonRequestedRunners, r)
		}
	}
	return resp, nil
}

// GetRunnerContext registers identity.ID as a new JIT runner and
// returns its encoded JIT configuration as the RunnerContext.
func (p *PlatformPort) GetRunnerContext(ctx context.Context, identity runner.RunnerIdentity, labels []string) (runner.RunnerContext, runner.PlatformRunner, error) {
	req := github.GenerateJITConfigRequest{
		Name:          identity.ID.String(),
		RunnerGroupID: 1,
		Labels:        labels,
	}
	jit, _, err := p.client.Actions.GenerateRepoJITConfig(ctx, p.owner, p.repo, &req)
	if err != nil {
		return nil, runner.PlatformRunner{}, wrapErr(err)
	}

	registered := runner.PlatformRunner{
		Identity: runner.RunnerIdentity{
			ID: identity.ID,
			Metadata: runner.RunnerMetadata{
				Platform: runner.PlatformCodeHost,
				RunnerID: fmt.Sprintf("%d", jit.Runner.GetID()),
			},
		},
		Labels: labels,
	}
	return runner.RunnerContext(jit.GetEncodedJITConfig()), registered, nil
}

// DeleteRunners removes runners by their platform runner ID, returning
// the IDs it actually removed. A 404 is treated as already-removed.
func (p *PlatformPort) DeleteRunners(ctx context.Context, ids []string) ([]string, error) {
	var removed []string
	for _, id := range ids {
		runnerID, err := parseRunnerID(id)
		if err != nil {
			p.logger.Warn("skipping non-numeric runner id", "id", id, "error", err)
			continue
		}
		_, err = p.client.Actions.RemoveRunner(ctx, p.owner, p.repo, runnerID)
		if err != nil && !isNotFound(err) {
			p.logger.Warn("remove runner failed", "id", id, "error", err)
			continue
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// GetJob reports the status of the single job assigned to identity's
// runner, if any.
func (p *PlatformPort) GetJob(ctx context.Context, identity runner.RunnerIdentity) (*runner.JobInfo, error) {
	runnerID, err := parseRunnerID(identity.Metadata.RunnerID)
	if err != nil {
		return nil, fmt.Errorf("runner_id: %w", err)
	}
	r, _, err := p.client.Actions.GetRunner(ctx, p.owner, p.repo, runnerID)
	if err != nil {
		return nil, wrapErr(err)
	}
	if !r.GetBusy() {
		return nil, nil
	}
	return &runner.JobInfo{Status: "in_progress"}, nil
}

// GetRunner confirms identity has been observed by GitHub Actions.
func (p *PlatformPort) GetRunner(ctx context.Context, identity runner.RunnerIdentity) (*runner.PlatformRunner, error) {
	live, err := p.ListRunners(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range live {
		if r.Identity.ID == identity.ID {
			return &r, nil
		}
	}
	return nil, nil
}

func toPlatformRunner(r *github.Runner) runner.PlatformRunner {
	return runner.PlatformRunner{
		Identity: runner.RunnerIdentity{
			ID: runner.InstanceID(r.GetName()),
			Metadata: runner.RunnerMetadata{
				Platform: runner.PlatformCodeHost,
				RunnerID: fmt.Sprintf("%d", r.GetID()),
			},
		},
		Online:    r.GetStatus() == "online",
		Busy:      r.GetBusy(),
		Deletable: r.GetStatus() == "offline" && !r.GetBusy(),
	}
}

func parseRunnerID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("parse runner id %q: %w", s, err)
	}
	return id, nil
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		return ghErr.Response != nil && ghErr.Response.StatusCode == 404
	}
	return false
}

func wrapErr(err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == 401 {
		return &platform.AuthError{Err: err}
	}
	return &platform.APIError{Err: err}
}
