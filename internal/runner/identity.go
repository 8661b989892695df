// Package runner holds the value types shared by every port and policy:
// InstanceID, RunnerMetadata, RunnerIdentity, VM, PlatformRunner, the
// reactive JobRequest, and SpawnRunnerConfig. Nothing in this package
// performs I/O.
package runner

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform tags which upstream CI platform a runner is registered with.
type Platform string

const (
	PlatformCodeHost   Platform = "code-host"
	PlatformJobManager Platform = "job-manager"
)

// PoolTag marks whether an InstanceID was minted by the prespawn or the
// reactive policy.
type PoolTag string

const (
	PoolPrespawn PoolTag = "prespawn"
	PoolReactive PoolTag = "reactive"
)

// InstanceID is the single join key between the cloud and the platform:
// it is both the VM name and the runner name. Names never repeat within
// a process lifetime (invariant 6).
type InstanceID string

// NewInstanceID synthesizes a name of the form "<prefix>-<tag>-<suffix>"
// where suffix is a random UUID segment, giving process-wide uniqueness
// without a shared counter.
func NewInstanceID(prefix string, tag PoolTag) InstanceID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return InstanceID(fmt.Sprintf("%s-%s-%s", prefix, tag, suffix))
}

// HasPrefix reports whether the instance ID was minted under prefix
// (invariant 2: prefix isolation).
func (id InstanceID) HasPrefix(prefix string) bool {
	return strings.HasPrefix(string(id), prefix+"-")
}

func (id InstanceID) String() string { return string(id) }

// RunnerMetadata is the small tuple carried alongside an InstanceID so
// each port can look the runner up in its own namespace.
type RunnerMetadata struct {
	Platform Platform
	// RunnerID is the platform-assigned identifier, populated once
	// GetRunnerContext has registered the runner. Empty before that.
	RunnerID string
	// BaseURL is set only for PlatformJobManager runners, derived from
	// the job URL by stripping the /v1/jobs/<n> suffix.
	BaseURL string
}

// RunnerIdentity couples an InstanceID with its RunnerMetadata; it is
// the argument every cross-port call takes.
type RunnerIdentity struct {
	ID       InstanceID
	Metadata RunnerMetadata
}

// CloudState is the coarse VM power state as reported by the cloud.
type CloudState string

const (
	CloudStateBuild   CloudState = "BUILD"
	CloudStateActive  CloudState = "ACTIVE"
	CloudStateShutoff CloudState = "SHUTOFF"
	CloudStateError   CloudState = "ERROR"
	CloudStateUnknown CloudState = "UNKNOWN"
)

// VM is the cloud-side record of a runner instance.
type VM struct {
	Identity    RunnerIdentity
	CreatedAt   time.Time
	State       CloudState
	Addresses   []string
	CloudServer string
}

// PlatformRunner is the platform-side record of a runner registration.
type PlatformRunner struct {
	Identity  RunnerIdentity
	Online    bool
	Busy      bool
	Deletable bool
	Labels    []string
}

// RunnerContext is the opaque payload returned by GetRunnerContext and
// injected into a VM's boot data (e.g. a just-in-time config blob).
type RunnerContext []byte

// JobRequest is a reactive-path queue message: a set of labels and the
// job's URL. The URL's host selects which platform variant owns it.
type JobRequest struct {
	Labels []string `json:"labels"`
	JobURL string   `json:"job_url"`
}

// Validate parses JobURL and rejects requests with no host or an empty
// path, per spec.md §3.
func (j JobRequest) Validate() error {
	u, err := url.Parse(j.JobURL)
	if err != nil {
		return fmt.Errorf("job_url: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("job_url: missing host")
	}
	if u.Path == "" || u.Path == "/" {
		return fmt.Errorf("job_url: missing path")
	}
	return nil
}

// SpawnRunnerConfig carries everything a Spawn Worker needs to create
// one VM.
type SpawnRunnerConfig struct {
	Identity RunnerIdentity
	Image    string
	Flavor   string
	Context  RunnerContext
	Pool     PoolTag
}

// JobInfo is the minimal job-status record returned by
// PlatformPort.GetJob; a nil *JobInfo means "not yet picked up".
type JobInfo struct {
	Status        string
	QueueDuration *time.Duration
}

// RunnersHealthResponse partitions platform runners relative to a
// requested set of identities (spec.md §4.1).
type RunnersHealthResponse struct {
	RequestedRunners       []PlatformRunner
	NonRequestedRunners    []PlatformRunner
	FailedRequestedRunners []RunnerIdentity
}
