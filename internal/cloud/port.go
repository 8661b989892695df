// Package cloud defines CloudPort, the abstraction over the IaaS layer
// (OpenStack in production; Docker for local development). Concrete
// backends live in the openstack and docker subpackages; sshconn
// provides the shared SSH-connection helper both the reconciler's
// metrics extractor and CloudPort.GetSSHConnection rely on.
package cloud

import (
	"context"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// ServerConfig is the cloud-specific launch configuration for a VM:
// image, flavor, and the boot-time payload (RunnerContext plus a small
// bootstrap script) to embed as user-data.
type ServerConfig struct {
	Image    string
	Flavor   string
	UserData []byte
}

// SSHConn is an established, probe-verified SSH session to a VM.
type SSHConn interface {
	// Run executes a remote command and returns combined stdout.
	Run(ctx context.Context, cmd string) ([]byte, error)
	// StatSize returns the size in bytes of a remote file via `stat -c %s`.
	StatSize(ctx context.Context, path string) (int64, error)
	// Pull downloads path into a sink capped at maxBytes, erroring if
	// the remote file exceeds it.
	Pull(ctx context.Context, path string, maxBytes int64) ([]byte, error)
	Close() error
}

// Port is the abstraction over the cloud (C2). Every operation that
// names a set of InstanceIDs returns only those it actually acted on,
// so the caller can detect partial failure without an error value.
type Port interface {
	CreateVM(ctx context.Context, identity runner.RunnerIdentity, cfg ServerConfig) (runner.VM, error)
	ListVMs(ctx context.Context) ([]runner.VM, error)
	GetVM(ctx context.Context, id runner.InstanceID) (*runner.VM, error)
	DeleteVMs(ctx context.Context, ids []runner.InstanceID) ([]runner.InstanceID, error)
	GetSSHConnection(ctx context.Context, vm runner.VM) (SSHConn, error)
	// Cleanup reaps local key files whose owning VM no longer exists.
	// Cloud-side keypairs are not listed or reaped here; they are
	// deleted only by DeleteVMs. Safe to call repeatedly (idempotent,
	// ensure-once).
	Cleanup(ctx context.Context) error
}

// Errors surfaced by Port implementations, per spec.md §7.
type (
	// SDKError wraps a transient cloud SDK/transport failure.
	SDKError struct{ Err error }
	// TimeoutError signals a cloud-create wait exceeded its deadline.
	TimeoutError struct{ Err error }
	// KeyfileError signals a keypair/key-file operation failed.
	KeyfileError struct{ Err error }
)

func (e *SDKError) Error() string      { return "cloud sdk error: " + e.Err.Error() }
func (e *SDKError) Unwrap() error      { return e.Err }
func (e *TimeoutError) Error() string  { return "cloud timeout: " + e.Err.Error() }
func (e *TimeoutError) Unwrap() error  { return e.Err }
func (e *KeyfileError) Error() string  { return "keyfile error: " + e.Err.Error() }
func (e *KeyfileError) Unwrap() error  { return e.Err }
