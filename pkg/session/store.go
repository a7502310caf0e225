// Package session persists per-client chat state between requests.
// A session is an opaque id (carried in a cookie) mapped to the encoded
// conversation.State of that client.
package session

import (
	"context"
	"errors"
	"time"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrInvalidSessionID is returned for ids that are empty or unsafe.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Store abstracts session persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the encoded state for a session.
	// Returns ErrSessionNotFound if the session doesn't exist or has expired.
	Load(ctx context.Context, sessionID string) ([]byte, error)

	// Save creates or replaces the encoded state for a session.
	Save(ctx context.Context, sessionID string, data []byte) error

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// Sweep removes sessions last saved before cutoff and returns how many
	// were removed. Backends with native expiry may return 0.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// validateSessionID rejects ids that could escape a key namespace or path.
func validateSessionID(id string) error {
	if id == "" || len(id) > 128 {
		return ErrInvalidSessionID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ErrInvalidSessionID
		}
	}
	return nil
}
