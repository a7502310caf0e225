package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds Firestore connection settings.
type FirestoreConfig struct {
	// ProjectID is the GCP project (required).
	ProjectID string `yaml:"project_id"`
	// Collection holds one document per session (default: "megbot_sessions").
	Collection string `yaml:"collection"`
	// CredentialsFile is a service account key; ADC is used when empty.
	CredentialsFile string `yaml:"credentials_file"`
}

type firestoreRecord struct {
	Data      []byte    `firestore:"data"`
	UpdatedAt time.Time `firestore:"updated_at"`
	// ExpiresAt is the field a Firestore TTL policy can be configured on.
	ExpiresAt *time.Time `firestore:"expires_at,omitempty"`
}

// FirestoreBackend implements Store using Google Cloud Firestore.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
	ttl        time.Duration
	mu         sync.RWMutex
	closed     bool
}

// NewFirestoreBackend connects to Firestore.
// When FIRESTORE_EMULATOR_HOST is set the client talks to the emulator.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig, ttl time.Duration) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "megbot_sessions"
	}

	return &FirestoreBackend{
		client:     client,
		collection: collection,
		ttl:        ttl,
	}, nil
}

func (b *FirestoreBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *FirestoreBackend) doc(sessionID string) *firestore.DocumentRef {
	return b.client.Collection(b.collection).Doc(sessionID)
}

// Load returns the encoded state for a session.
func (b *FirestoreBackend) Load(ctx context.Context, sessionID string) ([]byte, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateSessionID(sessionID); err != nil {
		return nil, ErrSessionNotFound
	}

	snap, err := b.doc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var rec firestoreRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, ErrSessionNotFound
	}

	return rec.Data, nil
}

// Save writes the session document.
func (b *FirestoreBackend) Save(ctx context.Context, sessionID string, data []byte) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := firestoreRecord{Data: data, UpdatedAt: now}
	if b.ttl > 0 {
		expires := now.Add(b.ttl)
		rec.ExpiresAt = &expires
	}

	if _, err := b.doc(sessionID).Set(ctx, rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes a session document.
func (b *FirestoreBackend) Delete(ctx context.Context, sessionID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := validateSessionID(sessionID); err != nil {
		return nil
	}

	if _, err := b.doc(sessionID).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Sweep deletes documents last saved before cutoff.
func (b *FirestoreBackend) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	iter := b.client.Collection(b.collection).Where("updated_at", "<", cutoff).Documents(ctx)
	defer iter.Stop()

	removed := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("sweep sessions: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return removed, fmt.Errorf("sweep delete %s: %w", snap.Ref.ID, err)
		}
		removed++
	}

	return removed, nil
}

// Ping runs a minimal query against the collection.
func (b *FirestoreBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	iter := b.client.Collection(b.collection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

// Close releases the Firestore client.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
