package sshtest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	rssh "github.com/chainguard-dev/ec2-rescue/internal/ssh"
)

var ErrUnauthorized = fmt.Errorf("public key is not authorized")

// Keys is an operator keypair written to disk, the way the CLI receives it.
type Keys struct {
	PrivatePath string
	PublicPath  string
	Signer      ssh.Signer
	Public      ssh.PublicKey
}

// WriteKeys generates an ED25519 keypair and writes it under 't.TempDir()'.
func WriteKeys(t *testing.T) Keys {
	t.Helper()
	pair, err := rssh.NewED25519KeyPair()
	require.NoError(t, err)
	priv, err := pair.Private.MarshalOpenSSH("operator")
	require.NoError(t, err)
	pub, err := pair.Public.MarshalOpenSSH()
	require.NoError(t, err)

	dir := t.TempDir()
	keys := Keys{
		PrivatePath: filepath.Join(dir, "id_ed25519"),
		PublicPath:  filepath.Join(dir, "id_ed25519.pub"),
	}
	require.NoError(t, os.WriteFile(keys.PrivatePath, priv, 0o600))
	require.NoError(t, os.WriteFile(keys.PublicPath, pub, 0o644))

	keys.Signer, err = pair.Private.ToSSH()
	require.NoError(t, err)
	keys.Public, err = pair.Public.ToSSH()
	require.NoError(t, err)
	return keys
}

// HostKey generates a throwaway host key.
func HostKey(t *testing.T) ssh.Signer {
	t.Helper()
	pair, err := rssh.NewED25519KeyPair()
	require.NoError(t, err)
	signer, err := pair.Private.ToSSH()
	require.NoError(t, err)
	return signer
}
