package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validPrespawnConfig returns a minimal Config that passes Validate() in
// prespawn mode against a code-host platform.
func validPrespawnConfig() *Config {
	return &Config{
		OpenStack: OpenStackConfig{
			AuthURL: "https://openstack.example.com:5000/v3",
			Prefix:  "ci-runner",
		},
		Platform: PlatformConfig{
			CodeHost: CodeHostConfig{
				Enable: true,
				Owner:  "my-org",
				Repo:   "my-repo",
				Token:  "ghp_test_token",
			},
		},
		Pool: PoolConfig{
			Mode:         PoolModePrespawn,
			BaseQuantity: 5,
		},
	}
}

// validReactiveConfig returns a minimal Config that passes Validate() in
// reactive mode against a job-manager platform.
func validReactiveConfig() *Config {
	return &Config{
		OpenStack: OpenStackConfig{
			AuthURL: "https://openstack.example.com:5000/v3",
			Prefix:  "ci-runner",
		},
		Platform: PlatformConfig{
			JobManager: JobManagerConfig{
				Enable:  true,
				BaseURL: "https://jobs.example.com",
				Token:   "token",
			},
		},
		Pool: PoolConfig{
			Mode:            PoolModeReactive,
			BaseQuantity:    5,
			SupportedLabels: []string{"self-hosted"},
		},
		Queue: QueueConfig{
			URL: "redis://localhost:6379/0",
			Key: "runnerfleet:jobs",
		},
	}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidPrespawnConfig() {
	cfg := validPrespawnConfig()
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

func (s *ConfigValidationSuite) TestValidate_ValidReactiveConfig() {
	cfg := validReactiveConfig()
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

func (s *ConfigValidationSuite) TestValidate_DevModeSkipsAuthURLCheck() {
	cfg := validPrespawnConfig()
	cfg.OpenStack.AuthURL = ""
	cfg.OpenStack.DevMode = true
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

// ---------------------------------------------------------------------------
// OpenStack validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_InvalidAuthURL() {
	cfg := validPrespawnConfig()
	cfg.OpenStack.AuthURL = "not-a-url"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "openstack.auth_url")
}

func (s *ConfigValidationSuite) TestValidate_MissingPrefix() {
	cfg := validPrespawnConfig()
	cfg.OpenStack.Prefix = ""
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "prefix")
}

// ---------------------------------------------------------------------------
// Platform validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_NoPlatformEnabled() {
	cfg := validPrespawnConfig()
	cfg.Platform.CodeHost.Enable = false
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "exactly one platform")
}

func (s *ConfigValidationSuite) TestValidate_BothPlatformsEnabled() {
	cfg := validPrespawnConfig()
	cfg.Platform.JobManager.Enable = true
	cfg.Platform.JobManager.BaseURL = "https://jobs.example.com"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "only one platform")
}

func (s *ConfigValidationSuite) TestEnabledPlatform_ReportsCodeHost() {
	cfg := validPrespawnConfig()
	assert.Equal(s.T(), "code_host", cfg.Platform.EnabledPlatform())
}

func (s *ConfigValidationSuite) TestEnabledPlatform_ReportsJobManager() {
	cfg := validReactiveConfig()
	assert.Equal(s.T(), "job_manager", cfg.Platform.EnabledPlatform())
}

func (s *ConfigValidationSuite) TestEnabledPlatform_EmptyWhenNeitherEnabled() {
	cfg := &PlatformConfig{}
	assert.Equal(s.T(), "", cfg.EnabledPlatform())
}

// ---------------------------------------------------------------------------
// Pool validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_InvalidPoolMode() {
	cfg := validPrespawnConfig()
	cfg.Pool.Mode = "bogus"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "pool.mode")
}

func (s *ConfigValidationSuite) TestValidate_NonPositiveBaseQuantity() {
	cfg := validPrespawnConfig()
	cfg.Pool.BaseQuantity = 0
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "base_quantity")
}

// ---------------------------------------------------------------------------
// Queue validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ReactiveRequiresQueueURL() {
	cfg := validReactiveConfig()
	cfg.Queue.URL = ""
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "queue.url")
}

func (s *ConfigValidationSuite) TestValidate_PrespawnDoesNotRequireQueueURL() {
	cfg := validPrespawnConfig()
	err := cfg.Validate()
	require.NoError(s.T(), err)
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), PoolModePrespawn, cfg.Pool.Mode)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	assert.NotZero(s.T(), cfg.OpenStack.ReconcileInterval)
	assert.NotZero(s.T(), cfg.OpenStack.CreateTimeout)
	assert.NotEmpty(s.T(), cfg.OpenStack.KeyDir)
	assert.NotEmpty(s.T(), cfg.OpenStack.Docker.Image)
	assert.NotZero(s.T(), cfg.Prometheus.Port)
}

func (s *ConfigValidationSuite) TestApplyDefaults_DoesNotOverrideExplicitValues() {
	cfg := &Config{Pool: PoolConfig{Mode: PoolModeReactive}, Logging: LoggingConfig{Level: "debug"}}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), PoolModeReactive, cfg.Pool.Mode)
	assert.Equal(s.T(), "debug", cfg.Logging.Level)
}

// ---------------------------------------------------------------------------
// slogLevel
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestSlogLevel_DefaultsToInfo() {
	cfg := &Config{}
	assert.Equal(s.T(), "INFO", cfg.slogLevel().String())
}

func (s *ConfigValidationSuite) TestSlogLevel_RecognizesDebug() {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	assert.Equal(s.T(), "DEBUG", cfg.slogLevel().String())
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_MissingFileReturnsZeroValueConfig() {
	cfg, err := Load("/nonexistent/path/to/runnerfleet.yaml")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "", cfg.OpenStack.AuthURL)
}
