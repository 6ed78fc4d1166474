package journal_test

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainguard-dev/ec2-rescue/internal/journal"
)

func TestJournal(t *testing.T) {
	for name, open := range map[string]func(t *testing.T) journal.Journal{
		"bolt": func(t *testing.T) journal.Journal {
			j, err := journal.NewBolt(filepath.Join(t.TempDir(), "nested", "journal.db"))
			require.NoError(t, err)
			return j
		},
		"memory": func(*testing.T) journal.Journal {
			return journal.NewMemory()
		},
	} {
		t.Run(name, func(t *testing.T) {
			j := open(t)
			ctx := t.Context()

			_, err := j.Load(ctx, "i-TARGET")
			require.ErrorIs(t, err, journal.ErrNotFound)

			s := &journal.Session{
				TargetID:         "i-TARGET",
				RunID:            "run-1",
				TargetWasRunning: true,
				VolumeID:         "vol-ROOT",
				MountPoint:       "/dev/sda1",
				RollingBack:      true,
			}
			s.Complete("bind-target")
			s.Complete("access-group")
			s.Complete("bind-target")
			require.NoError(t, j.Save(ctx, s))
			require.False(t, s.CreatedAt.IsZero())

			got, err := j.Load(ctx, "i-TARGET")
			require.NoError(t, err)
			if diff := cmp.Diff(s, got); diff != "" {
				t.Errorf("loaded session mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, []string{"bind-target", "access-group"}, got.Completed)
			assert.Equal(t, "access-group", got.Last())
			assert.True(t, got.Done("bind-target"))
			assert.False(t, got.Done("launch-rescue"))

			// Mutating a loaded session does not change the journal.
			got.Complete("launch-rescue")
			again, err := j.Load(ctx, "i-TARGET")
			require.NoError(t, err)
			assert.False(t, again.Done("launch-rescue"))

			require.NoError(t, j.Save(ctx, &journal.Session{TargetID: "i-OTHER"}))
			list, err := j.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "i-OTHER", list[0].TargetID)
			assert.Equal(t, "i-TARGET", list[1].TargetID)

			require.NoError(t, j.Delete(ctx, "i-TARGET"))
			require.NoError(t, j.Delete(ctx, "i-TARGET"))
			_, err = j.Load(ctx, "i-TARGET")
			require.ErrorIs(t, err, journal.ErrNotFound)

			require.Error(t, j.Save(ctx, &journal.Session{}))
		})
	}
}

func TestBoltPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.NewBolt(path)
	require.NoError(t, err)
	require.NoError(t, j.Save(t.Context(), &journal.Session{TargetID: "i-TARGET", RescueID: "i-RESCUE"}))

	reopened, err := journal.NewBolt(path)
	require.NoError(t, err)
	s, err := reopened.Load(t.Context(), "i-TARGET")
	require.NoError(t, err)
	assert.Equal(t, "i-RESCUE", s.RescueID)
}
