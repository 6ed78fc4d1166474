package remediate

import (
	"bytes"
	"strings"

	"github.com/chainguard-dev/ec2-rescue/internal/ssh"
	"github.com/kballard/go-shellquote"
	gossh "golang.org/x/crypto/ssh"
)

const publicKeyPlaceholder = "{{public_key}}"

// expandPublicKey substitutes the shell-quoted public key for every
// placeholder in 'cmds'. The key file is only read when a placeholder exists.
func expandPublicKey(cmds []string, path string) ([]string, error) {
	needed := false
	for _, cmd := range cmds {
		if strings.Contains(cmd, publicKeyPlaceholder) {
			needed = true
			break
		}
	}
	if !needed {
		return cmds, nil
	}
	pub, err := ssh.LoadPublicKey(path)
	if err != nil {
		return nil, err
	}
	line := string(bytes.TrimSpace(gossh.MarshalAuthorizedKey(pub)))
	quoted := shellquote.Join(line)

	out := make([]string, len(cmds))
	for i, cmd := range cmds {
		out[i] = strings.ReplaceAll(cmd, publicKeyPlaceholder, quoted)
	}
	return out, nil
}
