package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketFiles       = []byte("secure_files")
	bucketObjectIndex = []byte("object_index")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	Timeout time.Duration
	NoSync  bool
}

// BoltStore keeps records in a local BoltDB file. Records are JSON encoded
// under their shared key; a second bucket indexes them by object id.
type BoltStore struct {
	db        *bolt.DB
	now       func() time.Time
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFiles, bucketObjectIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (b *BoltStore) Create(ctx context.Context, sharedKey, hashedPassCode, objectID string) (SecureFile, error) {
	if err := b.check(ctx); err != nil {
		return SecureFile{}, err
	}

	rec := SecureFile{
		SharedKey:      sharedKey,
		HashedPassCode: hashedPassCode,
		ObjectID:       objectID,
		CreatedAt:      b.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return SecureFile{}, fmt.Errorf("%w: encode: %w", ErrMetadataWrite, err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		index := tx.Bucket(bucketObjectIndex)
		if files.Get([]byte(sharedKey)) != nil {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, sharedKey)
		}
		if index.Get([]byte(objectID)) != nil {
			return fmt.Errorf("object %q already indexed", objectID)
		}
		if err := files.Put([]byte(sharedKey), data); err != nil {
			return err
		}
		return index.Put([]byte(objectID), []byte(sharedKey))
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return SecureFile{}, err
		}
		return SecureFile{}, b.wrap(ErrMetadataWrite, err)
	}
	return rec, nil
}

func (b *BoltStore) GetBySharedKey(ctx context.Context, sharedKey string) (SecureFile, error) {
	if err := b.check(ctx); err != nil {
		return SecureFile{}, err
	}

	var rec SecureFile
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(sharedKey))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SecureFile{}, err
		}
		if b.closed.Load() {
			return SecureFile{}, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return SecureFile{}, fmt.Errorf("boltdb: get: %w", err)
	}
	return rec, nil
}

func (b *BoltStore) DeleteByObjectID(ctx context.Context, objectID string) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketObjectIndex)
		sharedKey := index.Get([]byte(objectID))
		if sharedKey == nil {
			return nil
		}
		if err := tx.Bucket(bucketFiles).Delete(sharedKey); err != nil {
			return err
		}
		return index.Delete([]byte(objectID))
	})
	if err != nil {
		return b.wrap(ErrMetadataWrite, err)
	}
	return nil
}

func (b *BoltStore) Ping(ctx context.Context) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketFiles) == nil {
			return fmt.Errorf("boltdb: bucket %s missing", bucketFiles)
		}
		return nil
	})
}

func (b *BoltStore) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}

func (b *BoltStore) check(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (b *BoltStore) wrap(sentinel, err error) error {
	if b.closed.Load() || errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: %w: %w", sentinel, ErrClosed, err)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
