// poll provides the blocking wait-until-state primitive every stateful EC2
// resource wrapper is synchronized with.
//
// EC2 mutations (stop, attach, detach, ...) return as soon as the request is
// accepted while the resource moves through intermediate states on the
// provider side. 'Until' is the only mechanism used to decide the provider is
// actually in the desired state.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultInterval = 8 * time.Second
	DefaultTimeout  = 20 * time.Minute
)

var (
	ErrTimeout  = fmt.Errorf("timed out waiting for resource state")
	ErrCanceled = fmt.Errorf("canceled while waiting for resource state")
	ErrRefresh  = fmt.Errorf("failed to refresh resource state")
)

// Resource is any provider-managed object with an identifier, an observed
// state and a way to re-fetch that state.
type Resource[S comparable] interface {
	ID() string
	State() S
	Refresh(ctx context.Context) error
}

// Config controls the cadence and bound of a wait.
type Config struct {
	// Interval is the constant delay before every refresh.
	Interval time.Duration

	// Timeout bounds a single wait. Zero means 'DefaultTimeout'.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Until blocks until a refresh of 'r' reports 'target'.
//
// Every iteration sleeps 'cfg.Interval', refreshes, then compares. The cached
// state held by 'r' before the call is never trusted, so at least one refresh
// always happens.
func Until[S comparable](ctx context.Context, cfg Config, r Resource[S], target S) error {
	cfg = cfg.withDefaults()
	log := clog.FromContext(ctx).With("id", r.ID(), "target", target)
	log.Debug("waiting for resource state", "interval", cfg.Interval, "timeout", cfg.Timeout)

	err := wait.PollUntilContextTimeout(ctx, cfg.Interval, cfg.Timeout, false, func(ctx context.Context) (bool, error) {
		if err := r.Refresh(ctx); err != nil {
			return false, fmt.Errorf("%w [%s]: %w", ErrRefresh, r.ID(), err)
		}
		state := r.State()
		log.Debug("observed resource state", "state", state)
		return state == target, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRefresh):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%w [%s -> %v]: %w", ErrCanceled, r.ID(), target, ctx.Err())
	case wait.Interrupted(err):
		return fmt.Errorf("%w [%s -> %v] after %s, last state %v", ErrTimeout, r.ID(), target, cfg.Timeout, r.State())
	default:
		return err
	}
}
