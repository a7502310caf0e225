package session

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	data      []byte
	updatedAt time.Time
}

// MemoryBackend keeps sessions in process memory. Sessions are lost on
// restart; it is the default for development and the terminal client.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]memoryRecord
	ttl      time.Duration
	now      func() time.Time
	closed   bool
}

// NewMemoryBackend creates an in-memory backend. A positive ttl hides
// sessions that were not saved within that window.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]memoryRecord),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Load returns the encoded state for a session.
func (m *MemoryBackend) Load(ctx context.Context, sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.ttl > 0 && m.now().Sub(rec.updatedAt) > m.ttl {
		return nil, ErrSessionNotFound
	}

	return append([]byte(nil), rec.data...), nil
}

// Save stores the encoded state.
func (m *MemoryBackend) Save(ctx context.Context, sessionID string, data []byte) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	m.sessions[sessionID] = memoryRecord{
		data:      append([]byte(nil), data...),
		updatedAt: m.now(),
	}
	return nil
}

// Delete removes a session.
func (m *MemoryBackend) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	delete(m.sessions, sessionID)
	return nil
}

// Sweep removes sessions saved before cutoff.
func (m *MemoryBackend) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStorageClosed
	}

	removed := 0
	for id, rec := range m.sessions {
		if rec.updatedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored sessions.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Ping always succeeds while the backend is open.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close marks the backend closed and drops all sessions.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.sessions = nil
	return nil
}
