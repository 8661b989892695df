// Package config handles loading, validating, and applying
// configuration for the runner fleet reconciler. Configuration is read
// from a YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/runnerfleet/internal/cloud"
	"github.com/terrpan/runnerfleet/internal/cloud/docker"
	"github.com/terrpan/runnerfleet/internal/cloud/openstack"
	"github.com/terrpan/runnerfleet/internal/platform"
	"github.com/terrpan/runnerfleet/internal/platform/codehost"
	"github.com/terrpan/runnerfleet/internal/platform/jobmanager"
	"github.com/terrpan/runnerfleet/internal/policy"
	"github.com/terrpan/runnerfleet/internal/queue"
	"github.com/terrpan/runnerfleet/internal/queue/redisqueue"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	OpenStack  OpenStackConfig  `yaml:"openstack"`
	Platform   PlatformConfig   `yaml:"platform"`
	Pool       PoolConfig       `yaml:"pool"`
	Queue      QueueConfig      `yaml:"queue"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// OpenStack / cloud
// ---------------------------------------------------------------------------

// OpenStackConfig describes the OpenStack cloud and launch template
// runner VMs are created from.
type OpenStackConfig struct {
	AuthURL    string `yaml:"auth_url"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	ProjectID  string `yaml:"project_id"`
	DomainName string `yaml:"domain_name"`
	Region     string `yaml:"region"`

	Image   string `yaml:"image"`
	Flavor  string `yaml:"flavor"`
	Network string `yaml:"network"`

	// Prefix names every InstanceID this process mints.
	Prefix string `yaml:"prefix"`

	// ReconcileInterval is the tick period between Reconcile() calls.
	// Default: 30s.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// CreateTimeout is the VM-create allowance counted into the
	// reconciler's T_max. The OpenStack backend does not read it: its
	// wait for ACTIVE uses a fixed 10-minute cap. Default: 10m.
	CreateTimeout time.Duration `yaml:"create_timeout"`

	// KeyDir stores per-VM SSH private key files. Default:
	// /var/lib/runnerfleet/keys.
	KeyDir string `yaml:"key_dir"`

	// DevMode switches the CloudPort to the local Docker backend
	// instead of OpenStack -- for development only.
	DevMode bool `yaml:"dev_mode"`

	// Docker holds settings used only when DevMode is set.
	Docker DockerConfig `yaml:"docker"`
}

// DockerConfig holds local-development CloudPort settings.
type DockerConfig struct {
	Image string `yaml:"image"`
	Dind  bool   `yaml:"dind"`
}

// ---------------------------------------------------------------------------
// Platform
// ---------------------------------------------------------------------------

// PlatformConfig selects and configures the upstream CI platform.
// Exactly one of CodeHost or JobManager must be enabled.
type PlatformConfig struct {
	CodeHost   CodeHostConfig   `yaml:"code_host"`
	JobManager JobManagerConfig `yaml:"job_manager"`
}

// CodeHostConfig configures the GitHub-style PlatformPort variant.
type CodeHostConfig struct {
	Enable  bool   `yaml:"enable"`
	BaseURL string `yaml:"base_url"` // empty: github.com
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
	Token   string `yaml:"token"`

	App CodeHostAppConfig `yaml:"app"`
}

// CodeHostAppConfig holds GitHub App credentials (alternative to Token).
type CodeHostAppConfig struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// JobManagerConfig configures the generic job-manager PlatformPort
// variant.
type JobManagerConfig struct {
	Enable  bool   `yaml:"enable"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// EnabledPlatform returns "code_host" or "job_manager", or "" if
// neither is enabled.
func (p *PlatformConfig) EnabledPlatform() string {
	if p.CodeHost.Enable {
		return "code_host"
	}
	if p.JobManager.Enable {
		return "job_manager"
	}
	return ""
}

// ---------------------------------------------------------------------------
// Pool / scheduling policy
// ---------------------------------------------------------------------------

// PoolMode selects the scheduling policy.
type PoolMode string

const (
	PoolModePrespawn PoolMode = "prespawn"
	PoolModeReactive PoolMode = "reactive"
)

// PoolConfig configures the scheduling policy.
type PoolConfig struct {
	Mode         PoolMode `yaml:"mode"`
	BaseQuantity int      `yaml:"base_quantity"`
	// SupportedLabels is consulted only in reactive mode.
	SupportedLabels []string `yaml:"supported_labels"`
}

// ---------------------------------------------------------------------------
// Queue
// ---------------------------------------------------------------------------

// QueueConfig configures the reactive-mode job queue.
type QueueConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default:
	// true when OTel is disabled and no endpoint is set, else false.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Prometheus
// ---------------------------------------------------------------------------

// PrometheusConfig controls the Prometheus /metrics scrape endpoint.
type PrometheusConfig struct {
	Enable bool `yaml:"enable"`
	Port   int  `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.OpenStack.ReconcileInterval == 0 {
		c.OpenStack.ReconcileInterval = 30 * time.Second
	}
	if c.OpenStack.CreateTimeout == 0 {
		c.OpenStack.CreateTimeout = 10 * time.Minute
	}
	if c.OpenStack.KeyDir == "" {
		c.OpenStack.KeyDir = "/var/lib/runnerfleet/keys"
	}
	if c.OpenStack.Docker.Image == "" {
		c.OpenStack.Docker.Image = "ghcr.io/actions/actions-runner:latest"
	}
	if c.Pool.Mode == "" {
		c.Pool.Mode = PoolModePrespawn
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && !c.OTel.Insecure && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
	if c.Prometheus.Port == 0 {
		c.Prometheus.Port = 9090
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := url.ParseRequestURI(c.OpenStack.AuthURL); err != nil && !c.OpenStack.DevMode {
		return fmt.Errorf("openstack.auth_url: invalid URL %q: %w", c.OpenStack.AuthURL, err)
	}
	if c.OpenStack.Prefix == "" {
		return fmt.Errorf("openstack.prefix is required")
	}

	platforms := []string{}
	if c.Platform.CodeHost.Enable {
		platforms = append(platforms, "code_host")
	}
	if c.Platform.JobManager.Enable {
		platforms = append(platforms, "job_manager")
	}
	if len(platforms) == 0 {
		return fmt.Errorf("exactly one platform must have enable: true (code_host, job_manager)")
	}
	if len(platforms) > 1 {
		return fmt.Errorf("only one platform can be enabled at a time, but %d are enabled: %v", len(platforms), platforms)
	}

	switch c.Pool.Mode {
	case PoolModePrespawn, PoolModeReactive:
	default:
		return fmt.Errorf("pool.mode must be %q or %q, got %q", PoolModePrespawn, PoolModeReactive, c.Pool.Mode)
	}
	if c.Pool.BaseQuantity <= 0 {
		return fmt.Errorf("pool.base_quantity must be positive")
	}

	if c.Pool.Mode == PoolModeReactive && c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required when pool.mode is %q", PoolModeReactive)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Logging factory
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ---------------------------------------------------------------------------
// Port factories
// ---------------------------------------------------------------------------

// NewCloudPort builds the OpenStack CloudPort, or the Docker backend
// when OpenStack.DevMode is set.
func (c *Config) NewCloudPort(ctx context.Context, logger *slog.Logger) (cloud.Port, error) {
	if c.OpenStack.DevMode {
		return docker.New(ctx, docker.Config{
			Image: c.OpenStack.Docker.Image,
			Dind:  c.OpenStack.Docker.Dind,
		}, logger.WithGroup("cloud.docker"))
	}
	return openstack.New(ctx, openstack.Config{
		AuthURL:    c.OpenStack.AuthURL,
		Username:   c.OpenStack.Username,
		Password:   c.OpenStack.Password,
		ProjectID:  c.OpenStack.ProjectID,
		DomainName: c.OpenStack.DomainName,
		Region:     c.OpenStack.Region,
		Network:    c.OpenStack.Network,
		KeyDir:     c.OpenStack.KeyDir,
	}, logger.WithGroup("cloud.openstack"))
}

// CloudBackendName reports which CloudPort backend is active, for
// health reporting.
func (c *Config) CloudBackendName() string {
	if c.OpenStack.DevMode {
		return "docker"
	}
	return "openstack"
}

// NewPlatformPort builds the code-host or job-manager PlatformPort,
// whichever is enabled.
func (c *Config) NewPlatformPort(logger *slog.Logger) (platform.Port, error) {
	switch {
	case c.Platform.CodeHost.Enable:
		token, err := c.resolveCodeHostToken()
		if err != nil {
			return nil, err
		}
		return codehost.New(codehost.Config{
			Owner:   c.Platform.CodeHost.Owner,
			Repo:    c.Platform.CodeHost.Repo,
			Token:   token,
			BaseURL: c.Platform.CodeHost.BaseURL,
		}, logger.WithGroup("platform.codehost"))
	case c.Platform.JobManager.Enable:
		return jobmanager.New(jobmanager.Config{
			BaseURL: c.Platform.JobManager.BaseURL,
			Token:   c.Platform.JobManager.Token,
		}, logger.WithGroup("platform.jobmanager")), nil
	default:
		return nil, fmt.Errorf("no platform is enabled")
	}
}

func (c *Config) resolveCodeHostToken() (string, error) {
	if c.Platform.CodeHost.Token != "" {
		return c.Platform.CodeHost.Token, nil
	}
	if c.Platform.CodeHost.App.PrivateKeyPath == "" {
		return "", fmt.Errorf("platform.code_host.token or platform.code_host.app.private_key_path is required")
	}
	// GitHub App installation-token minting is out of scope for this
	// adapter; operators running with App auth supply a pre-minted
	// installation token via Token until that flow is added.
	return "", fmt.Errorf("platform.code_host.app auth is not yet implemented, use platform.code_host.token")
}

// PlatformBackendName reports which PlatformPort backend is active,
// for health reporting.
func (c *Config) PlatformBackendName() string {
	return c.Platform.EnabledPlatform()
}

// NewQueue builds the Redis-backed Queue for reactive mode.
func (c *Config) NewQueue() (queue.Port, error) {
	return redisqueue.New(redisqueue.Config{URL: c.Queue.URL, Key: c.Queue.Key})
}

// ---------------------------------------------------------------------------
// Policy factories
// ---------------------------------------------------------------------------

// NewPrespawn builds the prespawn policy from Pool/OpenStack config.
func (c *Config) NewPrespawn() policy.Prespawn {
	return policy.Prespawn{
		Prefix:       c.OpenStack.Prefix,
		BaseQuantity: c.Pool.BaseQuantity,
		Image:        c.OpenStack.Image,
		Flavor:       c.OpenStack.Flavor,
	}
}

// NewReactive builds the reactive policy from Pool/OpenStack/Platform
// config plus the already-constructed Queue/PlatformPort.
func (c *Config) NewReactive(q queue.Port, p platform.Port, logger *slog.Logger) policy.Reactive {
	supported := make(map[string]struct{}, len(c.Pool.SupportedLabels))
	for _, l := range c.Pool.SupportedLabels {
		supported[strings.TrimSpace(l)] = struct{}{}
	}

	codeHostHost := "github.com"
	if c.Platform.CodeHost.BaseURL != "" {
		if u, err := url.Parse(c.Platform.CodeHost.BaseURL); err == nil && u.Host != "" {
			codeHostHost = u.Host
		}
	}

	return policy.Reactive{
		Prefix:          c.OpenStack.Prefix,
		BaseQuantity:    c.Pool.BaseQuantity,
		SupportedLabels: supported,
		Image:           c.OpenStack.Image,
		Flavor:          c.OpenStack.Flavor,
		CodeHostHost:    codeHostHost,
		Queue:           q,
		Platform:        p,
		Logger:          logger,
	}
}
