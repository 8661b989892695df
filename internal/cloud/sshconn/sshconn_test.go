package sshconn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestDial_RejectsMalformedPrivateKey(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:22", []byte("not a key"))
	require.Error(t, err)
}

func TestDial_FailsFastOnUnreachableHost(t *testing.T) {
	// port 0 on loopback never accepts connections within the dial
	// timeout window used by Dial.
	_, err := Dial(context.Background(), "127.0.0.1:0", validTestKey(t))
	require.Error(t, err)
}

func validTestKey(t *testing.T) []byte {
	t.Helper()
	// A throwaway ed25519 private key in OpenSSH PEM form, generated per
	// run so that ssh.ParsePrivateKey accepts it and Dial gets as far as
	// dialing; never used to actually connect.
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return pem.EncodeToMemory(block)
}
