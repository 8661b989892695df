// Package jobmanager implements PlatformPort (C1) for the generic
// job-manager variant: a REST API reached at the single API root given
// in Config.BaseURL. The per-runner BaseURL that the reactive policy
// derives from a job URL (spec.md §4.1) is carried in RunnerMetadata
// but is not used to route requests.
package jobmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/terrpan/runnerfleet/internal/platform"
	"github.com/terrpan/runnerfleet/internal/runner"
)

var errNotFound = errors.New("job manager: resource not found")

// Config configures the job-manager backend.
type Config struct {
	// BaseURL is the job manager's API root, e.g. derived from a job
	// URL by stripping its "/v1/jobs/<n>" suffix.
	BaseURL string
	Token   string

	HTTPClient *http.Client
}

// PlatformPort implements platform.Port against a job-manager REST API.
type PlatformPort struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

var _ platform.Port = (*PlatformPort)(nil)

// New builds a PlatformPort bound to cfg.BaseURL.
func New(cfg Config, logger *slog.Logger) *PlatformPort {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PlatformPort{baseURL: cfg.BaseURL, token: cfg.Token, client: client, logger: logger}
}

type runnerDTO struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Online bool     `json:"online"`
	Busy   bool     `json:"busy"`
	Labels []string `json:"labels,omitempty"`
}

func (d runnerDTO) toPlatformRunner(baseURL string) runner.PlatformRunner {
	return runner.PlatformRunner{
		Identity: runner.RunnerIdentity{
			ID: runner.InstanceID(d.Name),
			Metadata: runner.RunnerMetadata{
				Platform: runner.PlatformJobManager,
				RunnerID: d.ID,
				BaseURL:  baseURL,
			},
		},
		Online:    d.Online,
		Busy:      d.Busy,
		Deletable: !d.Online && !d.Busy,
		Labels:    d.Labels,
	}
}

// ListRunners lists every runner registered with this job manager.
func (p *PlatformPort) ListRunners(ctx context.Context) ([]runner.PlatformRunner, error) {
	var dtos []runnerDTO
	if err := p.do(ctx, http.MethodGet, "/v1/runners", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]runner.PlatformRunner, len(dtos))
	for i, d := range dtos {
		out[i] = d.toPlatformRunner(p.baseURL)
	}
	return out, nil
}

// GetRunnersHealth partitions the live runner set against requested.
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

type registerRequest struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels,omitempty"`
}

type registerResponse struct {
	RunnerID      string `json:"runner_id"`
	EncodedConfig string `json:"encoded_config"`
}

// GetRunnerContext registers identity.ID with the job manager and
// returns its encoded runner configuration.
func (p *PlatformPort) GetRunnerContext(ctx context.Context, identity runner.RunnerIdentity, labels []string) (runner.RunnerContext, runner.PlatformRunner, error) {
	var resp registerResponse
	req := registerRequest{Name: identity.ID.String(), Labels: labels}
	if err := p.do(ctx, http.MethodPost, "/v1/runners", req, &resp); err != nil {
		return nil, runner.PlatformRunner{}, err
	}

	registered := runner.PlatformRunner{
		Identity: runner.RunnerIdentity{
			ID: identity.ID,
			Metadata: runner.RunnerMetadata{
				Platform: runner.PlatformJobManager,
				RunnerID: resp.RunnerID,
				BaseURL:  p.baseURL,
			},
		},
		Labels: labels,
	}
	return runner.RunnerContext(resp.EncodedConfig), registered, nil
}

// DeleteRunners removes runners by ID, returning the IDs it actually
// removed. A 404 is treated as already-removed.
func (p *PlatformPort) DeleteRunners(ctx context.Context, ids []string) ([]string, error) {
	var removed []string
	for _, id := range ids {
		err := p.do(ctx, http.MethodDelete, "/v1/runners/"+id, nil, nil)
		if err != nil && !errors.Is(err, errNotFound) {
			p.logger.Warn("remove runner failed", "id", id, "error", err)
			continue
		}
		removed = append(removed, id)
	}
	return removed, nil
}

type jobDTO struct {
	Status            string `json:"status"`
	QueueDurationSecs *int64 `json:"queue_duration_seconds,omitempty"`
}

// GetJob reports the status of the job assigned to identity's runner.
func (p *PlatformPort) GetJob(ctx context.Context, identity runner.RunnerIdentity) (*runner.JobInfo, error) {
	var dto jobDTO
	if err := p.do(ctx, http.MethodGet, "/v1/jobs/"+identity.Metadata.RunnerID, nil, &dto); err != nil {
		return nil, err
	}
	if dto.Status == "" {
		return nil, nil
	}
	info := &runner.JobInfo{Status: dto.Status}
	if dto.QueueDurationSecs != nil {
		d := time.Duration(*dto.QueueDurationSecs) * time.Second
		info.QueueDuration = &d
	}
	return info, nil
}

// GetRunner confirms identity has been observed by the job manager.
func (p *PlatformPort) GetRunner(ctx context.Context, identity runner.RunnerIdentity) (*runner.PlatformRunner, error) {
	var dto runnerDTO
	if err := p.do(ctx, http.MethodGet, "/v1/runners/"+identity.Metadata.RunnerID, nil, &dto); err != nil {
		return nil, err
	}
	if dto.ID == "" {
		return nil, nil
	}
	r := dto.toPlatformRunner(p.baseURL)
	return &r, nil
}

func (p *PlatformPort) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &platform.APIError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &platform.AuthError{Err: fmt.Errorf("job manager returned %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return &platform.APIError{Err: fmt.Errorf("%w: %s %s", errNotFound, method, path)}
	}
	if resp.StatusCode >= 300 {
		return &platform.APIError{Err: fmt.Errorf("job manager returned %d for %s %s", resp.StatusCode, method, path)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
