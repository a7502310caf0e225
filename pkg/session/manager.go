package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/megbot-dev/megbot/pkg/conversation"
)

// Manager loads and saves conversation state for session ids.
// Manager is safe for concurrent use.
type Manager struct {
	store Store
	opts  conversation.Options

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a new session manager with the given storage backend.
func NewManager(store Store, opts conversation.Options) *Manager {
	return &Manager{
		store: store,
		opts:  opts,
		locks: make(map[string]*sessionLock),
	}
}

// NewID returns a fresh random session id.
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether id is well formed.
func ValidID(id string) bool {
	return validateSessionID(id) == nil
}

// Store returns the underlying backend.
func (m *Manager) Store() Store {
	return m.store
}

// Options returns the conversation options new states are created with.
func (m *Manager) Options() conversation.Options {
	return m.opts
}

// Load returns the state for a session. An unknown id yields a new, empty
// state rather than an error.
func (m *Manager) Load(ctx context.Context, sessionID string) (*conversation.State, error) {
	data, err := m.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return conversation.NewState(m.opts), nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	st, err := conversation.Decode(data, m.opts)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Save writes the state back when it was modified and clears the flag.
// It reports whether a write happened.
func (m *Manager) Save(ctx context.Context, sessionID string, st *conversation.State) (bool, error) {
	if st == nil || !st.Modified() {
		return false, nil
	}

	data, err := st.Encode()
	if err != nil {
		return false, err
	}
	if err := m.store.Save(ctx, sessionID, data); err != nil {
		return false, fmt.Errorf("save session: %w", err)
	}

	st.ClearModified()
	return true, nil
}

// Delete removes a session.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, sessionID)
}

// Lock serializes work on one session id within this process. The returned
// function releases the lock.
func (m *Manager) Lock(sessionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		m.locks[sessionID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, sessionID)
		}
		m.mu.Unlock()
	}
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.store.Close()
}
