package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation  = "23505"
	sharedKeyPKeyIdx = "secure_files_pkey"
)

// DB is the subset of *sql.DB used by PostgresStore.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PingContext(ctx context.Context) error
	Close() error
}

// PostgresStore keeps records in the secure_files table.
type PostgresStore struct {
	db        DB
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, sharedKey, hashedPassCode, objectID string) (SecureFile, error) {
	if s.closed.Load() {
		return SecureFile{}, ErrClosed
	}

	query :=
		`INSERT INTO secure_files (shared_key, hashed_pass_code, object_id)
		 VALUES ($1, $2, $3)
		 RETURNING created_at`

	rec := SecureFile{SharedKey: sharedKey, HashedPassCode: hashedPassCode, ObjectID: objectID}
	err := s.db.QueryRowContext(ctx, query, sharedKey, hashedPassCode, objectID).Scan(&rec.CreatedAt)
	if err != nil {
		if isSharedKeyViolation(err) {
			return SecureFile{}, fmt.Errorf("%w: %q", ErrDuplicateKey, sharedKey)
		}
		return SecureFile{}, s.wrap(ErrMetadataWrite, err)
	}
	return rec, nil
}

func (s *PostgresStore) GetBySharedKey(ctx context.Context, sharedKey string) (SecureFile, error) {
	if s.closed.Load() {
		return SecureFile{}, ErrClosed
	}

	query :=
		`SELECT shared_key, hashed_pass_code, object_id, created_at FROM secure_files
		 WHERE shared_key = $1`

	var rec SecureFile
	err := s.db.QueryRowContext(ctx, query, sharedKey).
		Scan(&rec.SharedKey, &rec.HashedPassCode, &rec.ObjectID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SecureFile{}, ErrNotFound
		}
		if s.closed.Load() {
			return SecureFile{}, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return SecureFile{}, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) DeleteByObjectID(ctx context.Context, objectID string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM secure_files WHERE object_id = $1`, objectID); err != nil {
		return s.wrap(ErrMetadataWrite, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the pool once. Later calls return the first result.
func (s *PostgresStore) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// wrap attaches ErrClosed when the store was closed while the call was in
// flight.
func (s *PostgresStore) wrap(sentinel, err error) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %w: %w", sentinel, ErrClosed, err)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func isSharedKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return pgErr.ConstraintName == "" || pgErr.ConstraintName == sharedKeyPKeyIdx
}
