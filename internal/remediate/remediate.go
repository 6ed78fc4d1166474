// remediate runs the repair procedure against a rescue instance which has the
// broken root volume attached as a secondary device.
package remediate

import (
	"context"
	"fmt"
	"time"
)

var ErrRemediation = fmt.Errorf("remediation failed")

// Target is the rescue instance a Runner connects to.
type Target struct {
	Host string
	Port uint16
	User string

	// KeyPath is the private key used to authenticate.
	KeyPath string

	// PublicKeyPath is the key the remediation installs on the broken volume.
	PublicKeyPath string
}

// Outcome describes a finished remediation.
type Outcome struct {
	ExitCode int
	Duration time.Duration
}

// Runner repairs the volume attached to the rescue instance.
//
// A remediation which ran but exited non-zero is returned as 'ErrRemediation'
// together with its Outcome.
type Runner interface {
	Run(ctx context.Context, target Target) (Outcome, error)
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, target Target) (Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, target Target) (Outcome, error) {
	return f(ctx, target)
}

func failed(code int, elapsed time.Duration, err error) (Outcome, error) {
	return Outcome{ExitCode: code, Duration: elapsed},
		fmt.Errorf("%w (exit code %d): %w", ErrRemediation, code, err)
}
