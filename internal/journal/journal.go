// journal persists the progress of a recovery, one session per target
// instance, so an interrupted run can be resumed or rolled back.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
)

var ErrNotFound = fmt.Errorf("no journaled session for instance")

// Session is the recorded state of one recovery of one target instance.
type Session struct {
	TargetID string `json:"target_id"`
	RunID    string `json:"run_id"`

	// TargetWasRunning records the target's state when the run began.
	TargetWasRunning bool `json:"target_was_running"`

	AccessGroupName string `json:"access_group_name,omitempty"`
	AccessGroupID   string `json:"access_group_id,omitempty"`
	RescueID        string `json:"rescue_id,omitempty"`
	VolumeID        string `json:"volume_id,omitempty"`
	MountPoint      string `json:"mount_point,omitempty"`
	RescueDevice    string `json:"rescue_device,omitempty"`

	Completed []string `json:"completed"`
	LastError string   `json:"last_error,omitempty"`

	// RollingBack is set once the run started unwinding. Such a session is
	// rolled back, never resumed.
	RollingBack bool `json:"rolling_back,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Done reports whether 'step' was completed.
func (s *Session) Done(step string) bool {
	return slices.Contains(s.Completed, step)
}

// Complete records 'step' as completed, once.
func (s *Session) Complete(step string) {
	if !s.Done(step) {
		s.Completed = append(s.Completed, step)
	}
}

// Last returns the most recently completed step, if any.
func (s *Session) Last() string {
	if len(s.Completed) == 0 {
		return ""
	}
	return s.Completed[len(s.Completed)-1]
}

// Journal stores sessions keyed by target instance id. Implementations do not
// lock across processes.
type Journal interface {
	// Load returns 'ErrNotFound' when no session exists for 'targetID'.
	Load(ctx context.Context, targetID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, targetID string) error
	List(ctx context.Context) ([]Session, error)
}

// DefaultPath is '~/.ec2-rescue/journal.db'.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".ec2-rescue", "journal.db"), nil
}
