package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

type memory struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

// NewMemory returns a process-local Journal. Sessions are stored serialized,
// so callers never share state with the journal.
func NewMemory() Journal {
	return &memory{sessions: make(map[string][]byte)}
}

func (m *memory) Load(_ context.Context, targetID string) (*Session, error) {
	m.mu.RLock()
	raw, ok := m.sessions[targetID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w [%s]", ErrNotFound, targetID)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *memory) Save(_ context.Context, s *Session) error {
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
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.TargetID] = raw
	return nil
}

func (m *memory) Delete(_ context.Context, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, targetID)
	return nil
}

func (m *memory) List(ctx context.Context) ([]Session, error) {
	m.mu.RLock()
	ids := slices.Sorted(maps.Keys(m.sessions))
	m.mu.RUnlock()

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.Load(ctx, id)
		if err != nil {
			continue
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}
