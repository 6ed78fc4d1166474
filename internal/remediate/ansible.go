package remediate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/kballard/go-shellquote"
)

const (
	DefaultPlaybook      = "playbooks/recover_instance.yml"
	DefaultAnsibleBinary = "ansible-playbook"
)

// Ansible runs an ansible playbook against the rescue instance, using the
// rescue instance as a single-host inventory.
type Ansible struct {
	// Playbook defaults to 'DefaultPlaybook'.
	Playbook string

	// Binary defaults to 'DefaultAnsibleBinary', resolved through $PATH.
	Binary string

	// ExtraArgs are appended to the generated command line.
	ExtraArgs []string

	// Env is appended to the current environment.
	Env []string
}

// ParseExtraArgs splits a shell-quoted argument string, as given on the
// command line, into individual arguments.
func ParseExtraArgs(s string) ([]string, error) {
	args, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parsing ansible arguments %q: %w", s, err)
	}
	return args, nil
}

// Command returns the argv executed against 'target'.
func (a *Ansible) Command(target Target) ([]string, error) {
	playbook := a.Playbook
	if playbook == "" {
		playbook = DefaultPlaybook
	}
	binary := a.Binary
	if binary == "" {
		binary = DefaultAnsibleBinary
	}
	publicKey, err := filepath.Abs(target.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	argv := []string{
		binary,
		"-i", target.Host + ",",
		playbook,
		"--private-key=" + target.KeyPath,
		"-u", target.User,
		"-e", "public_key_file=" + publicKey,
	}
	if target.Port != 0 && target.Port != 22 {
		argv = append(argv, "-e", fmt.Sprintf("ansible_port=%d", target.Port))
	}
	return append(argv, a.ExtraArgs...), nil
}

func (a *Ansible) Run(ctx context.Context, target Target) (Outcome, error) {
	log := clog.FromContext(ctx).With("host", target.Host)
	argv, err := a.Command(target)
	if err != nil {
		return failed(-1, 0, err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// Rescue instances are throwaway, their host keys are never recorded.
	cmd.Env = append(os.Environ(), "ANSIBLE_HOST_KEY_CHECKING=False")
	cmd.Env = append(cmd.Env, a.Env...)
	stdout := newLineLogger(ctx, "stdout", false)
	stderr := newLineLogger(ctx, "stderr", true)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Info("executing ansible", "command", shellquote.Join(argv...))
	start := time.Now()
	err = cmd.Run()
	stdout.Flush()
	stderr.Flush()
	elapsed := time.Since(start)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Error("ansible playbook failed", "exit_code", exitErr.ExitCode(), "duration", elapsed)
			return failed(exitErr.ExitCode(), elapsed, err)
		}
		return failed(-1, elapsed, err)
	}
	log.Info("ansible playbook completed", "duration", elapsed)
	return Outcome{Duration: elapsed}, nil
}
