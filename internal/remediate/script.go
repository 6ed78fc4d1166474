package remediate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/ec2-rescue/internal/ssh"
)

// Script runs shell commands on the rescue instance over SSH, for hosts
// without ansible. Every command runs in the same shell process, in order.
//
// The literal '{{public_key}}' in a command is replaced with the contents of
// the target's public key file.
type Script struct {
	Commands []string

	// Shell defaults to 'ssh.ShellSh'.
	Shell ssh.Shell

	// Passphrase decrypts the private key, if encrypted.
	Passphrase []byte
}

func (s *Script) Run(ctx context.Context, target Target) (Outcome, error) {
	log := clog.FromContext(ctx).With("host", target.Host, "user", target.User)
	shell := s.Shell
	if shell == "" {
		shell = ssh.ShellSh
	}

	signer, err := ssh.LoadSigner(target.KeyPath, s.Passphrase)
	if err != nil {
		return failed(-1, 0, err)
	}
	cmds, err := expandPublicKey(s.Commands, target.PublicKeyPath)
	if err != nil {
		return failed(-1, 0, err)
	}

	start := time.Now()
	log.Info("connecting to rescue instance via SSH", "port", target.Port)
	client, err := ssh.Dial(ctx, target.Host, target.Port, target.User, signer)
	if err != nil {
		return failed(-1, time.Since(start), fmt.Errorf("failed to connect to instance via SSH: %w", err))
	}
	defer client.Close()

	stdout := newLineLogger(ctx, "stdout", false)
	stderr := newLineLogger(ctx, "stderr", true)
	log.Info("executing remediation script", "commands", len(cmds), "shell", shell)
	err = ssh.ExecIn(ctx, client, shell, stdout, stderr, cmds...)
	stdout.Flush()
	stderr.Flush()
	elapsed := time.Since(start)
	if err != nil {
		code := -1
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.Code
		}
		log.Error("remediation script failed", "exit_code", code, "duration", elapsed)
		return failed(code, elapsed, err)
	}
	log.Info("remediation script completed", "duration", elapsed)
	return Outcome{Duration: elapsed}, nil
}
