// Package docker is the local-development CloudPort (C2) backend: it
// runs runner "VMs" as Docker containers, adapted from the scale-set
// engine's docker.Engine to the spec's create/list/delete/SSH contract.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/runnerfleet/internal/cloud"
	"github.com/terrpan/runnerfleet/internal/runner"
)

const labelKey = "runnerfleet.instance-id"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image used for every runner.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string

	// Dind bind-mounts the host Docker socket into each container so
	// workflows can run docker commands. Only useful for local dev.
	Dind bool
}

// CloudPort runs runner VMs as Docker containers.
type CloudPort struct {
	client *dockerclient.Client
	image  string
	dind   bool
	logger *slog.Logger

	mu      sync.Mutex
	created map[runner.InstanceID]time.Time
}

var _ cloud.Port = (*CloudPort)(nil)

// New connects to the Docker daemon and pulls the runner image.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*CloudPort, error) {
	if cfg.Image == "" {
		cfg.Image = "ghcr.io/actions/actions-runner:latest"
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling runner image", slog.String("image", cfg.Image))
	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	if _, err := io.ReadAll(pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	return &CloudPort{
		client:  client,
		image:   cfg.Image,
		dind:    cfg.Dind,
		logger:  logger,
		created: make(map[runner.InstanceID]time.Time),
	}, nil
}

// CreateVM starts a container named after identity.ID, injecting cfg.UserData
// (the JIT runner config) as the runner's env var.
func (c *CloudPort) CreateVM(ctx context.Context, identity runner.RunnerIdentity, cfg cloud.ServerConfig) (runner.VM, error) {
	name := identity.ID.String()
	env := []string{fmt.Sprintf("ACTIONS_RUNNER_INPUT_JITCONFIG=%s", string(cfg.UserData))}

	user := "runner"
	var hostCfg *container.HostConfig
	if c.dind {
		user = "root"
		env = append(env, "DOCKER_HOST=unix:///var/run/docker.sock", "RUNNER_ALLOW_RUNASROOT=1")
		hostCfg = &container.HostConfig{Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"}}
	}

	resp, err := c.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  c.image,
			User:   user,
			Cmd:    []string{"/home/runner/run.sh"},
			Env:    env,
			Labels: map[string]string{labelKey: name},
		},
		hostCfg,
		nil, nil,
		name,
	)
	if err != nil {
		return runner.VM{}, &cloud.SDKError{Err: fmt.Errorf("container create %s: %w", name, err)}
	}

	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return runner.VM{}, &cloud.SDKError{Err: fmt.Errorf("container start %s: %w", name, err)}
	}

	now := time.Now()
	c.mu.Lock()
	c.created[identity.ID] = now
	c.mu.Unlock()

	return runner.VM{
		Identity:    identity,
		CreatedAt:   now,
		State:       runner.CloudStateActive,
		CloudServer: resp.ID,
	}, nil
}

// ListVMs returns every container this backend has labeled as a runner.
func (c *CloudPort) ListVMs(ctx context.Context) ([]runner.VM, error) {
	args := filters.NewArgs(filters.Arg("label", labelKey))
	containers, err := c.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, &cloud.SDKError{Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]runner.VM, 0, len(containers))
	for _, ctr := range containers {
		id := runner.InstanceID(ctr.Labels[labelKey])
		out = append(out, runner.VM{
			Identity:    runner.RunnerIdentity{ID: id},
			CreatedAt:   c.created[id],
			State:       containerState(ctr.State),
			CloudServer: ctr.ID,
		})
	}
	return out, nil
}

// GetVM looks up a single VM by its InstanceID.
func (c *CloudPort) GetVM(ctx context.Context, id runner.InstanceID) (*runner.VM, error) {
	vms, err := c.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	for _, vm := range vms {
		if vm.Identity.ID == id {
			return &vm, nil
		}
	}
	return nil, nil
}

// DeleteVMs force-removes the named containers, returning only the
// IDs it actually removed.
func (c *CloudPort) DeleteVMs(ctx context.Context, ids []runner.InstanceID) ([]runner.InstanceID, error) {
	vms, err := c.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[runner.InstanceID]string, len(vms))
	for _, vm := range vms {
		byID[vm.Identity.ID] = vm.CloudServer
	}

	removed := make([]runner.InstanceID, 0, len(ids))
	for _, id := range ids {
		cid, ok := byID[id]
		if !ok {
			continue
		}
		if err := c.client.ContainerRemove(ctx, cid, container.RemoveOptions{Force: true}); err != nil {
			c.logger.Warn("container remove failed", "instance_id", id, "error", err)
			continue
		}
		c.mu.Lock()
		delete(c.created, id)
		c.mu.Unlock()
		removed = append(removed, id)
	}
	return removed, nil
}

// GetSSHConnection returns a docker-exec-backed SSHConn: local
// development never has real SSH reachability into a container, so
// `docker exec` fills the same role the extractor needs.
func (c *CloudPort) GetSSHConnection(ctx context.Context, vm runner.VM) (cloud.SSHConn, error) {
	if vm.CloudServer == "" {
		return nil, &cloud.SDKError{Err: fmt.Errorf("vm %s has no container id", vm.Identity.ID)}
	}
	return &execConn{client: c.client, containerID: vm.CloudServer}, nil
}

// Cleanup is a no-op for the Docker backend: there are no keypairs or
// key files to reap.
func (c *CloudPort) Cleanup(context.Context) error { return nil }

func containerState(s string) runner.CloudState {
	switch s {
	case "running":
		return runner.CloudStateActive
	case "created", "restarting":
		return runner.CloudStateBuild
	case "exited", "dead":
		return runner.CloudStateShutoff
	default:
		return runner.CloudStateUnknown
	}
}

// execConn implements cloud.SSHConn via `docker exec`, so the metrics
// extractor can run unmodified against either backend.
type execConn struct {
	client      *dockerclient.Client
	containerID string
}

func (e *execConn) Run(ctx context.Context, cmd string) ([]byte, error) {
	exec, err := e.client.ContainerExecCreate(ctx, e.containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	var resp types.HijackedResponse
	resp, err = e.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	var out bytes.Buffer
	if _, err := io.Copy(&out, resp.Reader); err != nil {
		return nil, fmt.Errorf("exec read: %w", err)
	}
	return out.Bytes(), nil
}

func (e *execConn) StatSize(ctx context.Context, path string) (int64, error) {
	out, err := e.Run(ctx, fmt.Sprintf("stat -c %%s %s", path))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
}

func (e *execConn) Pull(ctx context.Context, path string, maxBytes int64) ([]byte, error) {
	out, err := e.Run(ctx, fmt.Sprintf("head -c %d %s", maxBytes+1, path))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > maxBytes {
		return nil, fmt.Errorf("remote file %s exceeds %d byte cap", path, maxBytes)
	}
	return out, nil
}

func (e *execConn) Close() error { return nil }
