// Package relay moves files between clients and object storage and keeps
// the shared-key records that point at them.
//
// Store is a saga with a fixed step order (upload, public link, metadata)
// and no compensation: a failure after the upload leaves the object in
// place and reports it through *OrphanError.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"secure-file-relay/internal/logging"
	"secure-file-relay/internal/metadata"
	"secure-file-relay/internal/storage"
)

// Upload is an inbound file.
type Upload struct {
	Body        io.Reader
	Name        string
	ContentType string
}

// StoreResult is what a successful Store hands back to the uploader.
type StoreResult struct {
	ObjectID string
	Link     string
}

// Sink receives a streamed object. Prepare is called exactly once, before
// the first byte is written.
type Sink interface {
	io.Writer
	Prepare(name, mimeType string)
}

// Service is safe for concurrent use as long as its stores are.
type Service struct {
	objects storage.ObjectStore
	records metadata.Store
	log     logging.Logger
	obs     Observer
	tempDir string
}

type Option func(*Service)

func WithLogger(l logging.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.obs = o }
}

// WithTempDir sets where uploads are staged. Empty means os.TempDir.
func WithTempDir(dir string) Option {
	return func(s *Service) { s.tempDir = dir }
}

func New(objects storage.ObjectStore, records metadata.Store, opts ...Option) *Service {
	s := &Service{
		objects: objects,
		records: records,
		log:     logging.Nop(),
		obs:     nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.obs == nil {
		s.obs = nopObserver{}
	}
	return s
}

// Store uploads the file, makes it publicly readable and records it under
// sharedKey.
func (s *Service) Store(ctx context.Context, up Upload, hashedPassCode, sharedKey string) (res StoreResult, err error) {
	start := time.Now()
	var size int64
	defer func() { s.obs.RecordStore(time.Since(start), size, err) }()

	if up.Body == nil {
		return StoreResult{}, fmt.Errorf("%w: no file", ErrInvalidRequest)
	}
	if strings.TrimSpace(hashedPassCode) == "" || strings.TrimSpace(sharedKey) == "" {
		return StoreResult{}, fmt.Errorf("%w: hashedPassCode and sharedKey are required", ErrInvalidRequest)
	}

	staged, size, err := s.stage(up.Body)
	if staged != nil {
		defer s.discard(ctx, staged)
	}
	if err != nil {
		return StoreResult{}, err
	}
	s.log.Debug(ctx, "upload staged", "path", staged.Name(), "bytes", size)

	objectID, err := s.objects.Upload(ctx, staged, size, storage.UploadOptions{
		Name:        up.Name,
		ContentType: up.ContentType,
	})
	if err != nil {
		return StoreResult{}, ensure(err, storage.ErrStorageWrite)
	}
	log := s.log.With("object_id", objectID)

	link, err := s.objects.GrantPublicReadAndGetLink(ctx, objectID)
	if err != nil {
		return StoreResult{}, s.orphan(ctx, log, objectID, StepLink, ensure(err, ErrLinkGeneration))
	}

	if _, err := s.records.Create(ctx, sharedKey, hashedPassCode, objectID); err != nil {
		if !errors.Is(err, metadata.ErrDuplicateKey) {
			err = ensure(err, metadata.ErrMetadataWrite)
		}
		return StoreResult{}, s.orphan(ctx, log, objectID, StepMetadata, err)
	}

	log.Info(ctx, "file stored", "bytes", size)
	return StoreResult{ObjectID: objectID, Link: link}, nil
}

// Resolve looks up the record for sharedKey. It never touches object
// storage.
func (s *Service) Resolve(ctx context.Context, sharedKey string) (rec metadata.SecureFile, err error) {
	start := time.Now()
	defer func() { s.obs.RecordResolve(time.Since(start), err) }()

	if strings.TrimSpace(sharedKey) == "" {
		return metadata.SecureFile{}, fmt.Errorf("%w: sharedKey is required", ErrInvalidRequest)
	}
	return s.records.GetBySharedKey(ctx, sharedKey)
}

// Stream copies the object into sink. The returned count is what reached
// the sink, which may be non-zero on error.
func (s *Service) Stream(ctx context.Context, objectID string, sink Sink) (n int64, err error) {
	start := time.Now()
	defer func() { s.obs.RecordStream(time.Since(start), n, err) }()

	info, err := s.objects.GetMetadata(ctx, objectID)
	if err != nil {
		return 0, err
	}
	body, err := s.objects.OpenReadStream(ctx, objectID)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	sink.Prepare(info.Name, info.MimeType)
	n, err = Copy(sink, body)
	if err != nil {
		s.log.Warn(ctx, "stream interrupted", "object_id", objectID, "bytes", n, "err", err)
	}
	return n, err
}

// Purge removes the record and then the object. Both deletes are attempted
// whatever the first one returns.
func (s *Service) Purge(ctx context.Context, objectID string) (err error) {
	start := time.Now()
	defer func() { s.obs.RecordPurge(time.Since(start), err) }()

	if strings.TrimSpace(objectID) == "" {
		return fmt.Errorf("%w: objectId is required", ErrInvalidRequest)
	}

	log := s.log.With("object_id", objectID)
	metaErr := s.records.DeleteByObjectID(ctx, objectID)
	objErr := s.objects.Delete(ctx, objectID)
	if metaErr == nil && objErr == nil {
		log.Info(ctx, "file purged")
		return nil
	}
	log.Warn(ctx, "purge incomplete", "metadata_err", metaErr, "storage_err", objErr)
	return &PurgeError{ObjectID: objectID, Metadata: metaErr, Storage: objErr}
}

// stage copies body to a temp file so its size is known before upload. The
// returned file, when non-nil, is positioned at the start and must be
// discarded by the caller.
func (s *Service) stage(body io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp(s.tempDir, "relay-upload-*")
	if err != nil {
		return nil, 0, fmt.Errorf("%w: stage upload: %w", storage.ErrStorageWrite, err)
	}

	n, err := io.Copy(f, body)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && pathErr.Path == f.Name() {
			return f, n, fmt.Errorf("%w: stage upload: %w", storage.ErrStorageWrite, err)
		}
		return f, n, fmt.Errorf("%w: read upload: %w", ErrStreamRead, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return f, n, fmt.Errorf("%w: stage upload: %w", storage.ErrStorageWrite, err)
	}
	return f, n, nil
}

func (s *Service) discard(ctx context.Context, f *os.File) {
	name := f.Name()
	if err := f.Close(); err != nil {
		s.log.Warn(ctx, "close staged upload", "path", name, "err", err)
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn(ctx, "remove staged upload", "path", name, "err", err)
	}
}

func (s *Service) orphan(ctx context.Context, log logging.Logger, objectID, step string, err error) error {
	s.obs.RecordOrphan(step)
	log.Error(ctx, "object orphaned", "step", step, "err", err)
	return &OrphanError{ObjectID: objectID, Step: step, Err: err}
}

// ensure wraps err in sentinel unless it already matches.
func ensure(err, sentinel error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
