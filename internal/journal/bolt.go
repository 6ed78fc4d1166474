package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/chainguard-dev/ec2-rescue/internal/log"
	"go.etcd.io/bbolt"
)

var bucketSessions = []byte("sessions")

type bolt struct {
	path string
}

// NewBolt returns a Journal backed by a bbolt database at 'path', creating
// the file and its parent directory when missing. The database is opened
// for the duration of each operation only.
func NewBolt(path string) (Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	b := &bolt{path: path}
	db, err := b.client()
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to create journal bucket: %w", err)
	}
	return b, nil
}

// Load implements Journal.
func (b *bolt) Load(ctx context.Context, targetID string) (*Session, error) {
	db, err := b.client()
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	defer db.Close()

	var s Session
	if err := db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(targetID))
		if raw == nil {
			return fmt.Errorf("%w [%s]", ErrNotFound, targetID)
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	log.Debug(ctx, "loaded journaled session", "target", targetID, "completed", len(s.Completed))
	return &s, nil
}

// Save implements Journal.
func (b *bolt) Save(ctx context.Context, s *Session) error {
	if s.TargetID == "" {
		return fmt.Errorf("session has no target instance id")
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	db, err := b.client()
	if err != nil {
		return fmt.Errorf("failed to open journal database: %w", err)
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(s.TargetID), raw)
	}); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	log.Debug(ctx, "journaled session", "target", s.TargetID, "step", s.Last())
	return nil
}

// Delete implements Journal. Deleting a missing session is not an error.
func (b *bolt) Delete(ctx context.Context, targetID string) error {
	db, err := b.client()
	if err != nil {
		return fmt.Errorf("failed to open journal database: %w", err)
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(targetID))
	}); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	log.Debug(ctx, "removed journaled session", "target", targetID)
	return nil
}

// List implements Journal. Sessions are ordered by target instance id.
func (b *bolt) List(_ context.Context) ([]Session, error) {
	db, err := b.client()
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	defer db.Close()

	var sessions []Session
	if err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var s Session
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("failed to unmarshal session [%s]: %w", k, err)
			}
			sessions = append(sessions, s)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	slices.SortFunc(sessions, func(a, b Session) int {
		return strings.Compare(a.TargetID, b.TargetID)
	})
	return sessions, nil
}

func (b *bolt) client() (*bbolt.DB, error) {
	// A second process holding the file lock fails fast instead of hanging.
	return bbolt.Open(b.path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
}
