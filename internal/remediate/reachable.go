package remediate

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
)

const reachableInterval = 2 * time.Second

var ErrUnreachable = fmt.Errorf("host did not become reachable")

var dialer = &net.Dialer{
	Timeout: 3 * time.Second,
}

// WaitReachable blocks until 'host' accepts TCP connections on 'port'.
//
// A running instance is not necessarily accepting SSH yet; sshd comes up some
// time after the provider reports 'running'.
func WaitReachable(ctx context.Context, host string, port uint16) error {
	return waitReachable(ctx, host, port, reachableInterval)
}

func waitReachable(ctx context.Context, host string, port uint16, interval time.Duration) error {
	log := clog.FromContext(ctx).With("host", host, "port", port)
	log.Info("waiting for instance to become reachable via SSH")
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	for {
		if tcpPortOpen(ctx, target) {
			log.Info("instance is reachable")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w [%s]: %w", ErrUnreachable, target, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func tcpPortOpen(ctx context.Context, target string) bool {
	log := clog.FromContext(ctx).With("target", target)
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Debug("target is not yet reachable", "error", err)
		return false
	}
	if err := conn.Close(); err != nil {
		log.Warn("encountered error closing TCP connection", "error", err)
	}
	return true
}
