package poll

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scripted reports the states in 'script' one refresh at a time, sticking on
// the last one.
type scripted struct {
	state     string
	script    []string
	refreshes int
	err       error
}

func (s *scripted) ID() string    { return "r-1" }
func (s *scripted) State() string { return s.state }

func (s *scripted) Refresh(context.Context) error {
	if s.err != nil {
		return s.err
	}
	idx := min(s.refreshes, len(s.script)-1)
	s.state = s.script[idx]
	s.refreshes++
	return nil
}

var fast = Config{Interval: time.Millisecond, Timeout: time.Second}

func TestUntil(t *testing.T) {
	t.Run("reaches-target", func(t *testing.T) {
		r := &scripted{state: "pending", script: []string{"pending", "pending", "running"}}
		require.NoError(t, Until(t.Context(), fast, r, "running"))
		require.Equal(t, 3, r.refreshes)
		require.Equal(t, "running", r.State())
	})
	t.Run("never-trusts-cached-state", func(t *testing.T) {
		// The cached state already matches, but the provider says otherwise
		// until the second refresh.
		r := &scripted{state: "stopped", script: []string{"stopping", "stopped"}}
		require.NoError(t, Until(t.Context(), fast, r, "stopped"))
		require.Equal(t, 2, r.refreshes)
	})
	t.Run("timeout", func(t *testing.T) {
		r := &scripted{state: "pending", script: []string{"pending"}}
		cfg := Config{Interval: time.Millisecond, Timeout: 50 * time.Millisecond}
		err := Until(t.Context(), cfg, r, "running")
		require.ErrorIs(t, err, ErrTimeout)
		require.NotErrorIs(t, err, ErrCanceled)
	})
	t.Run("canceled", func(t *testing.T) {
		r := &scripted{state: "pending", script: []string{"pending"}}
		ctx, cancel := context.WithCancel(t.Context())
		go func() {
			<-time.After(20 * time.Millisecond)
			cancel()
		}()
		err := Until(ctx, Config{Interval: time.Millisecond, Timeout: time.Minute}, r, "running")
		require.ErrorIs(t, err, ErrCanceled)
		require.ErrorIs(t, err, context.Canceled)
	})
	t.Run("refresh-error-aborts", func(t *testing.T) {
		boom := fmt.Errorf("boom")
		r := &scripted{state: "pending", err: boom}
		err := Until(t.Context(), fast, r, "running")
		require.ErrorIs(t, err, ErrRefresh)
		require.ErrorIs(t, err, boom)
	})
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultInterval, cfg.Interval)
	require.Equal(t, DefaultTimeout, cfg.Timeout)
}
