// Package openstack implements CloudPort (C2) against an OpenStack
// cloud using gophercloud/v2: Nova for VM lifecycle, Neutron for the
// shared runner security group, and a local keypair/key-file store for
// SSH access. Structured after the scale-set engine's gcp.Engine:
// mutex-guarded tracking map, idempotent delete, OTel span around
// CreateVM.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/images"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/groups"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerfleet/internal/cloud"
	"github.com/terrpan/runnerfleet/internal/cloud/sshconn"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// securityGroupName is the single shared security group every runner
// VM is attached to: ICMP and SSH ingress for operator access, plus
// the metrics-pull side channel on 10022.
const securityGroupName = "runner-v1"

const (
	createPollInterval = 5 * time.Second
	createPollCap      = 10 * time.Minute
	keyFileMode        = 0o400
)

// Config holds the OpenStack connection and launch settings.
// Authentication uses the standard OS_* environment variables via
// gophercloud's AuthOptionsFromEnv; AuthURL etc. here are explicit
// overrides for deployments that don't source an OpenStack RC file.
type Config struct {
	AuthURL    string
	Username   string
	Password   string
	ProjectID  string
	DomainName string
	Region     string

	Network string // network name or ID attached to every VM

	// KeyDir stores one 0400 private-key file per live VM, named
	// <instance-id>.pem.
	KeyDir string
}

// CloudPort runs runner VMs as OpenStack (Nova) servers.
type CloudPort struct {
	compute *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	created map[runner.InstanceID]time.Time
}

var _ cloud.Port = (*CloudPort)(nil)

// New authenticates against OpenStack, resolves the compute and
// networking service clients, and ensures the shared security group
// exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*CloudPort, error) {
	if cfg.KeyDir == "" {
		cfg.KeyDir = "/var/lib/runnerfleet/keys"
	}
	if err := os.MkdirAll(cfg.KeyDir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir %s: %w", cfg.KeyDir, err)
	}

	authOpts := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		Username:         cfg.Username,
		Password:         cfg.Password,
		TenantID:         cfg.ProjectID,
		DomainName:       cfg.DomainName,
	}
	if authOpts.IdentityEndpoint == "" {
		if env, err := openstack.AuthOptionsFromEnv(); err == nil {
			authOpts = env
		}
	}

	provider, err := openstack.NewClient(authOpts.IdentityEndpoint)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	if err := openstack.Authenticate(ctx, provider, authOpts); err != nil {
		return nil, &cloud.SDKError{Err: fmt.Errorf("authenticate: %w", err)}
	}

	endpointOpts := gophercloud.EndpointOpts{Region: cfg.Region}

	compute, err := openstack.NewComputeV2(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("compute client: %w", err)
	}
	network, err := openstack.NewNetworkV2(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("network client: %w", err)
	}

	c := &CloudPort{
		compute: compute,
		network: network,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("github.com/terrpan/runnerfleet/internal/cloud/openstack"),
		created: make(map[runner.InstanceID]time.Time),
	}

	if err := c.ensureSecurityGroup(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// ensureSecurityGroup creates the runner-v1 group, with its ingress
// and egress rules, if it does not already exist. Safe to call
// repeatedly: a concurrent create racing this one surfaces as a
// conflict that is treated as success (ensure-once semantics).
func (c *CloudPort) ensureSecurityGroup(ctx context.Context) error {
	pages, err := groups.List(c.network, groups.ListOpts{Name: securityGroupName}).AllPages(ctx)
	if err != nil {
		return &cloud.SDKError{Err: fmt.Errorf("list security groups: %w", err)}
	}
	existing, err := groups.ExtractGroups(pages)
	if err != nil {
		return &cloud.SDKError{Err: err}
	}
	if len(existing) > 0 {
		return nil
	}

	group, err := groups.Create(ctx, c.network, groups.CreateOpts{
		Name:        securityGroupName,
		Description: "runnerfleet: shared runner VM security group",
	}).Extract()
	if err != nil {
		if isConflict(err) {
			c.logger.Info("security group already exists (race), continuing")
			return nil
		}
		return &cloud.SDKError{Err: fmt.Errorf("create security group: %w", err)}
	}

	ruleSpecs := []rules.CreateOpts{
		{Direction: rules.DirIngress, Protocol: rules.ProtocolICMP, SecGroupID: group.ID},
		{Direction: rules.DirIngress, Protocol: rules.ProtocolTCP, PortRangeMin: 22, PortRangeMax: 22, SecGroupID: group.ID},
		{Direction: rules.DirEgress, Protocol: rules.ProtocolTCP, PortRangeMin: 10022, PortRangeMax: 10022, SecGroupID: group.ID},
	}
	for _, spec := range ruleSpecs {
		if _, err := rules.Create(ctx, c.network, spec).Extract(); err != nil && !isConflict(err) {
			return &cloud.SDKError{Err: fmt.Errorf("create security group rule: %w", err)}
		}
	}

	c.logger.Info("created shared runner security group", "name", securityGroupName)
	return nil
}

// CreateVM creates a keypair named after identity.ID, boots a server
// from cfg.Image/cfg.Flavor with cfg.UserData as boot script, and
// blocks until the server reaches ACTIVE or createPollCap elapses.
func (c *CloudPort) CreateVM(ctx context.Context, identity runner.RunnerIdentity, cfg cloud.ServerConfig) (runner.VM, error) {
	ctx, span := c.tracer.Start(ctx, "openstack.CreateVM")
	defer span.End()
	span.SetAttributes(attribute.String("instance_id", identity.ID.String()))

	name := identity.ID.String()

	kp, err := keypairs.Create(ctx, c.compute, keypairs.CreateOpts{Name: name}).Extract()
	if err != nil {
		span.RecordError(err)
		return runner.VM{}, &cloud.SDKError{Err: fmt.Errorf("create keypair %s: %w", name, err)}
	}
	if err := c.writeKeyFile(name, kp.PrivateKey); err != nil {
		_, _ = keypairs.Delete(ctx, c.compute, name, keypairs.DeleteOpts{}).Extract()
		return runner.VM{}, &cloud.KeyfileError{Err: err}
	}

	imageID, err := images.IDFromName(ctx, c.compute, cfg.Image)
	if err != nil {
		return runner.VM{}, &cloud.SDKError{Err: fmt.Errorf("resolve image %s: %w", cfg.Image, err)}
	}
	flavorID, err := flavors.IDFromName(ctx, c.compute, cfg.Flavor)
	if err != nil {
		return runner.VM{}, &cloud.SDKError{Err: fmt.Errorf("resolve flavor %s: %w", cfg.Flavor, err)}
	}

	createOpts := servers.CreateOpts{
		Name:           name,
		ImageRef:       imageID,
		FlavorRef:      flavorID,
		Networks:       []servers.Network{{UUID: c.cfg.Network}},
		SecurityGroups: []string{securityGroupName},
		UserData:       cfg.UserData,
	}

	server, err := servers.Create(ctx, c.compute, keypairs.CreateOptsExt{
		CreateOptsBuilder: createOpts,
		KeyName:           name,
	}, nil).Extract()
	if err != nil {
		span.RecordError(err)
		return runner.VM{}, &cloud.SDKError{Err: fmt.Errorf("create server %s: %w", name, err)}
	}

	active, err := c.waitForActive(ctx, server.ID)
	if err != nil {
		return runner.VM{}, &cloud.TimeoutError{Err: fmt.Errorf("waiting for %s to become ACTIVE: %w", name, err)}
	}

	now := time.Now()
	c.mu.Lock()
	c.created[identity.ID] = now
	c.mu.Unlock()

	return runner.VM{
		Identity:    identity,
		CreatedAt:   now,
		State:       runner.CloudStateActive,
		Addresses:   extractAddresses(active),
		CloudServer: active.ID,
	}, nil
}

func (c *CloudPort) waitForActive(ctx context.Context, serverID string) (*servers.Server, error) {
	deadline := time.Now().Add(createPollCap)
	ticker := time.NewTicker(createPollInterval)
	defer ticker.Stop()

	for {
		server, err := servers.Get(ctx, c.compute, serverID).Extract()
		if err != nil {
			return nil, err
		}
		switch server.Status {
		case "ACTIVE":
			return server, nil
		case "ERROR":
			return nil, fmt.Errorf("server %s entered ERROR state", serverID)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for server %s (last status %s)", serverID, server.Status)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListVMs lists every server visible in the project. It does not filter
// by name prefix, so servers this backend did not create are included;
// the reconciler drops those whose name lacks its prefix.
func (c *CloudPort) ListVMs(ctx context.Context) ([]runner.VM, error) {
	pages, err := servers.List(c.compute, servers.ListOpts{}).AllPages(ctx)
	if err != nil {
		return nil, &cloud.SDKError{Err: err}
	}
	list, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, &cloud.SDKError{Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]runner.VM, 0, len(list))
	for _, s := range list {
		id := runner.InstanceID(s.Name)
		out = append(out, runner.VM{
			Identity:    runner.RunnerIdentity{ID: id},
			CreatedAt:   c.created[id],
			State:       mapServerStatus(s.Status),
			Addresses:   extractAddresses(&s),
			CloudServer: s.ID,
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

// DeleteVMs deletes the named servers and their keypairs, returning
// only the IDs it actually removed. Deleting an already-gone server is
// treated as success (idempotent).
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
		name := id.String()
		if serverID, ok := byID[id]; ok {
			if err := servers.Delete(ctx, c.compute, serverID).ExtractErr(); err != nil && !isNotFound(err) {
				c.logger.Warn("server delete failed", "instance_id", id, "error", err)
				continue
			}
		}
		if err := keypairs.Delete(ctx, c.compute, name, keypairs.DeleteOpts{}).ExtractErr(); err != nil && !isNotFound(err) {
			c.logger.Warn("keypair delete failed", "instance_id", id, "error", err)
		}
		c.removeKeyFile(name)

		c.mu.Lock()
		delete(c.created, id)
		c.mu.Unlock()
		removed = append(removed, id)
	}
	return removed, nil
}

// GetSSHConnection tries each of the VM's addresses in turn with its
// stored private key and returns the first connection that echoes back
// a probe string.
func (c *CloudPort) GetSSHConnection(ctx context.Context, vm runner.VM) (cloud.SSHConn, error) {
	if len(vm.Addresses) == 0 {
		return nil, &cloud.SDKError{Err: fmt.Errorf("vm %s has no addresses", vm.Identity.ID)}
	}
	key, err := os.ReadFile(c.keyFilePath(vm.Identity.ID.String()))
	if err != nil {
		return nil, &cloud.KeyfileError{Err: err}
	}
	const probe = "runnerfleet-probe"
	var lastErr error
	for _, addr := range vm.Addresses {
		conn, err := sshconn.Dial(ctx, addr+":22", key)
		if err != nil {
			lastErr = err
			continue
		}
		out, err := conn.Run(ctx, "echo "+probe)
		if err != nil || strings.TrimSpace(string(out)) != probe {
			_ = conn.Close()
			lastErr = fmt.Errorf("ssh probe on %s failed: %v", addr, err)
			continue
		}
		return conn, nil
	}
	return nil, &cloud.SDKError{Err: lastErr}
}

// Cleanup reaps key files whose owning VM no longer exists. Idempotent
// and safe to call on every reconcile tick.
func (c *CloudPort) Cleanup(ctx context.Context) error {
	vms, err := c.ListVMs(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(vms))
	for _, vm := range vms {
		live[vm.Identity.ID.String()] = struct{}{}
	}

	entries, err := os.ReadDir(c.cfg.KeyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading key dir %s: %w", c.cfg.KeyDir, err)
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".pem")
		if _, ok := live[name]; !ok {
			if err := os.Remove(filepath.Join(c.cfg.KeyDir, e.Name())); err != nil {
				c.logger.Warn("removing orphaned key file failed", "file", e.Name(), "error", err)
			}
		}
	}
	return nil
}

func (c *CloudPort) keyFilePath(name string) string {
	return filepath.Join(c.cfg.KeyDir, name+".pem")
}

func (c *CloudPort) writeKeyFile(name, privateKey string) error {
	return os.WriteFile(c.keyFilePath(name), []byte(privateKey), keyFileMode)
}

func (c *CloudPort) removeKeyFile(name string) {
	_ = os.Remove(c.keyFilePath(name))
}

func extractAddresses(s *servers.Server) []string {
	var out []string
	for _, net := range s.Addresses {
		addrs, ok := net.([]interface{})
		if !ok {
			continue
		}
		for _, a := range addrs {
			entry, ok := a.(map[string]interface{})
			if !ok {
				continue
			}
			if ip, ok := entry["addr"].(string); ok {
				out = append(out, ip)
			}
		}
	}
	return out
}

func mapServerStatus(status string) runner.CloudState {
	switch status {
	case "ACTIVE":
		return runner.CloudStateActive
	case "BUILD", "REBUILD":
		return runner.CloudStateBuild
	case "SHUTOFF", "STOPPED", "SUSPENDED":
		return runner.CloudStateShutoff
	case "ERROR":
		return runner.CloudStateError
	default:
		return runner.CloudStateUnknown
	}
}

func isNotFound(err error) bool {
	var e gophercloud.ErrDefault404
	return errors.As(err, &e)
}

func isConflict(err error) bool {
	var e gophercloud.ErrDefault409
	return errors.As(err, &e)
}
