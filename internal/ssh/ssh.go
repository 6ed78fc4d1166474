package ssh

// ssh.go implements a facade over 'x/crypto/ssh', simplifying SSH connection
// construction and SSH command execution/sequencing.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	sshDefaultTimeout = 10 * time.Second
	sshDefaultPort    = 22
)

var (
	ErrSSHFailedDial   = fmt.Errorf("failed to establish SSH connection")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
)

// Shell is the program commands are piped into on the remote side.
type Shell = string

const (
	ShellSh   Shell = "sh"
	ShellBash Shell = "bash"
)

// Dial establishes an SSH connection to 'host' on TCP port 'port'.
//
// 'host' can be any of: hostname, ipv4 address or ipv6 address. If 'port' is
// 0, a default value of '22' is used.
//
// 'signer' is used for public key authentication. Any values provided to
// 'hostKeys' are compared against the host key offered by 'host'; when none
// are provided all host keys are accepted. Rescue instances are fresh and
// their host keys are unknown ahead of time.
func Dial(ctx context.Context, host string, port uint16, user string, signer ssh.Signer, hostKeys ...ssh.PublicKey) (*ssh.Client, error) {
	if port == 0 {
		port = sshDefaultPort
	}
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			if len(hostKeys) == 0 {
				return nil
			}
			for _, hostKey := range hostKeys {
				if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
					return nil
				}
			}
			return ErrHostKeyInvalid
		},
		Timeout: sshDefaultTimeout,
	}
	target, err := joinHostPort(ctx, host, port)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: sshDefaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w [%s]: %w", ErrSSHFailedDial, target, err)
	}
	// Bound the handshake; the deadline is cleared once the client is up.
	_ = conn.SetDeadline(time.Now().Add(sshDefaultTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, target, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w [%s]: %w", ErrSSHFailedDial, target, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// joinHostPort parses and validates 'host' is a valid IPv4 or IPv6 address,
// then joins it with the port in the address-family-specific format.
//
// If 'host' is a hostname, it is resolved and the first resolved address is
// used.
func joinHostPort(ctx context.Context, host string, port uint16) (string, error) {
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrFailedHostParse)
	}
	addr := net.ParseIP(host)
	if addr == nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
		return joinHostPort(ctx, addrs[0], port)
	}
	if ipv4 := addr.To4(); ipv4 != nil {
		return fmt.Sprintf("%s:%d", ipv4.String(), port), nil
	}
	return fmt.Sprintf("[%s]:%d", addr.String(), port), nil
}

var (
	ErrSessionInit    = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec        = fmt.Errorf("failed to execute SSH command")
	ErrInWait         = fmt.Errorf("SSH command did not exit cleanly")
	ErrStdinWrite     = fmt.Errorf("failed to write command to stdin")
	ErrStdStreamClose = fmt.Errorf("encountered error closing standard stream")
)

// ExitError is returned when the remote shell exits with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// ExecIn executes all provided commands, in order, within one 'shell' process,
// copying the remote standard streams to 'stdout' and 'stderr'.
//
// A non-zero remote exit status is returned as an '*ExitError' wrapped in
// 'ErrInWait'. Canceling 'ctx' closes the session.
func ExecIn(ctx context.Context, client *ssh.Client, shell Shell, stdout, stderr io.Writer, cmds ...string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = session.Close()
	})
	defer stop()

	// Commands are passed over stdin so they run in the same shell process,
	// one after another.
	stdinr, stdinw := io.Pipe()
	defer stdinr.Close()
	defer stdinw.Close()
	session.Stdin = stdinr
	session.Stdout = stdout
	session.Stderr = stderr

	if err = session.Start("/usr/bin/env " + shell); err != nil {
		return fmt.Errorf("%w: %w", ErrCMDExec, err)
	}
	if _, err := io.WriteString(stdinw, strings.Join(cmds, "\n")+"\n"); err != nil {
		return fmt.Errorf("%w: %w", ErrStdinWrite, err)
	}
	if err = stdinw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrStdStreamClose, err)
	}
	if err = session.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrInWait, ctx.Err())
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %w", ErrInWait, &ExitError{Code: exitErr.ExitStatus()})
		}
		return fmt.Errorf("%w: %w", ErrInWait, err)
	}
	return nil
}
