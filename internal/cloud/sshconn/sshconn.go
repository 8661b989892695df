// Package sshconn provides the SSH connection helper shared by
// CloudPort.GetSSHConnection and the metrics extractor (C3), grounded
// on the SSH-session pattern in
// pkg/cloud/vsphere/context/ssh.go and pkg/cloud/vsphere/services/ssh/ssh.go.
package sshconn

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	dialTimeout = 10 * time.Second
	user        = "runnerfleet"
)

// Conn is an established SSH session to a VM, satisfying cloud.SSHConn.
type Conn struct {
	client *ssh.Client
}

// Dial opens an SSH connection to addr (host:port) authenticating with
// the given private key. The host key is not verified: runner VMs are
// short-lived and never reused, so there is no persisted known_hosts
// identity to check against.
func Dial(ctx context.Context, addr string, privateKeyPEM []byte) (*Conn, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	d := net.Dialer{Timeout: dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	connConn, chans, reqs, err := ssh.NewClientConn(raw, addr, config)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &Conn{client: ssh.NewClient(connConn, chans, reqs)}, nil
}

// Run executes a remote command and returns its combined stdout.
func (c *Conn) Run(_ context.Context, cmd string) ([]byte, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	if err := sess.Run(cmd); err != nil {
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}
	return out.Bytes(), nil
}

// StatSize returns the size in bytes of a remote file via `stat -c %s`.
func (c *Conn) StatSize(ctx context.Context, path string) (int64, error) {
	out, err := c.Run(ctx, fmt.Sprintf("stat -c %%s %s", path))
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stat output %q: %w", out, err)
	}
	return size, nil
}

// Pull downloads path, erroring if the remote file exceeds maxBytes.
// The size check is the caller's (extractor's) responsibility via
// StatSize; Pull re-checks defensively against a truncated read.
func (c *Conn) Pull(ctx context.Context, path string, maxBytes int64) ([]byte, error) {
	out, err := c.Run(ctx, fmt.Sprintf("head -c %d %s", maxBytes+1, path))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > maxBytes {
		return nil, fmt.Errorf("remote file %s exceeds %d byte cap", path, maxBytes)
	}
	return out, nil
}

func (c *Conn) Close() error {
	return c.client.Close()
}
