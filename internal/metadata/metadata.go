// Package metadata persists SecureFile records: the mapping from a
// client-chosen shared key to the object it unlocks.
package metadata

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the shared key.
	ErrNotFound = errors.New("metadata: record not found")
	// ErrDuplicateKey is returned when the shared key is already taken.
	ErrDuplicateKey = errors.New("metadata: shared key already exists")
	// ErrMetadataWrite wraps any other failure to persist or delete a record.
	ErrMetadataWrite = errors.New("metadata: write failed")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("metadata: store closed")
)

// SecureFile links a shared key to a stored object.
type SecureFile struct {
	SharedKey      string    `json:"sharedKey"`
	HashedPassCode string    `json:"hashedPassCode"`
	ObjectID       string    `json:"objectId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store is implemented by PostgresStore and BoltStore. Implementations are
// safe for concurrent use.
type Store interface {
	Create(ctx context.Context, sharedKey, hashedPassCode, objectID string) (SecureFile, error)
	GetBySharedKey(ctx context.Context, sharedKey string) (SecureFile, error)
	// DeleteByObjectID succeeds when no record references objectID.
	DeleteByObjectID(ctx context.Context, objectID string) error
	Ping(ctx context.Context) error
	Close() error
}
