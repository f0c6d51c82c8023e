package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackend implements Backend using Google Cloud Firestore.
// Each session is one document; the context is stored as a JSON string so
// that the document shape does not follow every struct change.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
	ttl        time.Duration
	mu         sync.RWMutex
	closed     bool
}

// FirestoreConfig configures the Firestore backend.
type FirestoreConfig struct {
	ProjectID       string        `yaml:"project_id"`
	CredentialsFile string        `yaml:"credentials_file"`
	Collection      string        `yaml:"collection"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
}

type firestoreSession struct {
	UserID    string    `firestore:"user_id"`
	Data      string    `firestore:"data"`
	Version   int64     `firestore:"version"`
	UpdatedAt time.Time `firestore:"updated_at"`
	ExpiresAt time.Time `firestore:"expires_at,omitempty"`
}

// NewFirestoreBackend creates a Firestore backend.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return NewFirestoreBackendFromClient(client, cfg.Collection, cfg.SessionTTL), nil
}

// NewFirestoreBackendFromClient wraps an existing client.
func NewFirestoreBackendFromClient(client *firestore.Client, collection string, ttl time.Duration) *FirestoreBackend {
	if collection == "" {
		collection = "signup_sessions"
	}
	return &FirestoreBackend{client: client, collection: collection, ttl: ttl}
}

// Load implements Backend.
func (b *FirestoreBackend) Load(ctx context.Context, sessionID, _ string) (*Context, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	snap, err := b.client.Collection(b.collection).Doc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session document: %w", err)
	}

	var doc firestoreSession
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}
	if !doc.ExpiresAt.IsZero() && time.Now().After(doc.ExpiresAt) {
		return nil, ErrSessionNotFound
	}

	var sc Context
	if err := json.Unmarshal([]byte(doc.Data), &sc); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sc, nil
}

// Save implements Backend.
func (b *FirestoreBackend) Save(ctx context.Context, sessionID string, sc *Context, userID string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	doc := firestoreSession{
		UserID:    userID,
		Data:      string(data),
		Version:   sc.Version,
		UpdatedAt: time.Now().UTC(),
	}
	if b.ttl > 0 {
		doc.ExpiresAt = doc.UpdatedAt.Add(b.ttl)
	}

	if _, err := b.client.Collection(b.collection).Doc(sessionID).Set(ctx, doc); err != nil {
		return fmt.Errorf("set session document: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
