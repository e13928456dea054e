package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"secure-file-relay/internal/metadata"
	"secure-file-relay/internal/storage"
)

type memObject struct {
	data   []byte
	name   string
	mime   string
	public bool
}

// memObjects is an in-memory storage.ObjectStore with injectable failures.
type memObjects struct {
	mu      sync.Mutex
	objects map[string]*memObject
	calls   []string

	uploadErr error
	grantErr  error
	linkErr   error
	deleteErr error
	readErr   error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string]*memObject{}}
}

func (m *memObjects) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *memObjects) Upload(_ context.Context, src io.Reader, size int64, opts storage.UploadOptions) (string, error) {
	data, err := io.ReadAll(src)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("upload")
	if m.uploadErr != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrStorageWrite, m.uploadErr)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrStorageWrite, err)
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("%w: size %d, read %d", storage.ErrStorageWrite, size, len(data))
	}
	id := uuid.NewString()
	mime := opts.ContentType
	if mime == "" {
		mime = "application/octet-stream"
	}
	m.objects[id] = &memObject{data: data, name: opts.Name, mime: mime}
	return id, nil
}

func (m *memObjects) GrantPublicReadAndGetLink(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("grant")
	if m.grantErr != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrLinkGeneration, m.grantErr)
	}
	obj, ok := m.objects[id]
	if !ok {
		return "", fmt.Errorf("%w: %w", storage.ErrLinkGeneration, storage.ErrObjectNotFound)
	}
	obj.public = true
	if m.linkErr != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrLinkGeneration, m.linkErr)
	}
	return "https://objects.example/relay/" + id, nil
}

func (m *memObjects) GetMetadata(_ context.Context, id string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("metadata")
	obj, ok := m.objects[id]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Name: obj.name, MimeType: obj.mime, Size: int64(len(obj.data))}, nil
}

func (m *memObjects) OpenReadStream(_ context.Context, id string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("open")
	obj, ok := m.objects[id]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	var r io.Reader = bytes.NewReader(obj.data)
	if m.readErr != nil {
		r = io.MultiReader(io.LimitReader(r, 1), errReader{m.readErr})
	}
	return io.NopCloser(r), nil
}

func (m *memObjects) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete")
	if m.deleteErr != nil {
		return fmt.Errorf("%w: %w", storage.ErrStorageDelete, m.deleteErr)
	}
	delete(m.objects, id)
	return nil
}

func (m *memObjects) Ping(context.Context) error { return nil }

func (m *memObjects) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func (m *memObjects) get(id string) (*memObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	return obj, ok
}

func (m *memObjects) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// memRecords is an in-memory metadata.Store.
type memRecords struct {
	mu        sync.Mutex
	byKey     map[string]metadata.SecureFile
	writes    int
	createErr error
	deleteErr error
}

func newMemRecords() *memRecords {
	return &memRecords{byKey: map[string]metadata.SecureFile{}}
}

func (m *memRecords) Create(_ context.Context, sharedKey, hashedPassCode, objectID string) (metadata.SecureFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return metadata.SecureFile{}, m.createErr
	}
	if _, ok := m.byKey[sharedKey]; ok {
		return metadata.SecureFile{}, metadata.ErrDuplicateKey
	}
	rec := metadata.SecureFile{
		SharedKey:      sharedKey,
		HashedPassCode: hashedPassCode,
		ObjectID:       objectID,
		CreatedAt:      time.Now(),
	}
	m.byKey[sharedKey] = rec
	m.writes++
	return rec, nil
}

func (m *memRecords) GetBySharedKey(_ context.Context, sharedKey string) (metadata.SecureFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byKey[sharedKey]
	if !ok {
		return metadata.SecureFile{}, metadata.ErrNotFound
	}
	return rec, nil
}

func (m *memRecords) DeleteByObjectID(_ context.Context, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	for k, rec := range m.byKey {
		if rec.ObjectID == objectID {
			delete(m.byKey, k)
		}
	}
	return nil
}

func (m *memRecords) Ping(context.Context) error { return nil }

func (m *memRecords) Close() error { return nil }

func (m *memRecords) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

func (m *memRecords) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

var errBoom = errors.New("boom")

// recordingSink collects a stream the way an HTTP response would.
type recordingSink struct {
	bytes.Buffer
	name     string
	mime     string
	prepared int
	flushes  int
}

func (s *recordingSink) Prepare(name, mimeType string) {
	s.name, s.mime = name, mimeType
	s.prepared++
}

func (s *recordingSink) Flush() { s.flushes++ }
