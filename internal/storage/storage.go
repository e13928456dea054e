// Package storage wraps the remote object-storage provider that holds the
// relayed bytes. The relay never keeps file contents itself; every upload,
// read and delete goes through an ObjectStore.
//
// Two providers are implemented: MinioStore (MinIO and most S3-compatible
// services, via minio-go) and S3Store (AWS S3, via aws-sdk-go-v2). Both are
// safe for concurrent use by multiple goroutines.
package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrStorageWrite   = errors.New("storage write failed")
	ErrStorageRead    = errors.New("storage read failed")
	ErrStorageDelete  = errors.New("storage delete failed")
	ErrObjectNotFound = errors.New("object not found")
	ErrLinkGeneration = errors.New("link generation failed")
)

// UploadOptions describes the object being written.
type UploadOptions struct {
	// Name is the display name returned later by GetMetadata and used for
	// Content-Disposition.
	Name        string
	ContentType string
}

// ObjectInfo is the provider-side descriptor of a stored object.
type ObjectInfo struct {
	Name     string
	MimeType string
	Size     int64
}

// ObjectStore is the provider boundary.
type ObjectStore interface {
	// Upload writes src (size bytes, or -1 if unknown) and returns the id
	// assigned to the new object. On error no object should be assumed to
	// exist, even if the provider kept a partial write.
	Upload(ctx context.Context, src io.Reader, size int64, opts UploadOptions) (string, error)

	// GrantPublicReadAndGetLink makes the object readable by anyone holding
	// the link, then fetches the link. If the grant succeeds and the fetch
	// fails, the object stays public with no link returned.
	GrantPublicReadAndGetLink(ctx context.Context, objectID string) (string, error)

	GetMetadata(ctx context.Context, objectID string) (ObjectInfo, error)

	// OpenReadStream returns a live provider stream. The caller closes it.
	OpenReadStream(ctx context.Context, objectID string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing object succeeds.
	Delete(ctx context.Context, objectID string) error

	// Ping checks that the configured bucket is reachable.
	Ping(ctx context.Context) error
}

const (
	filenameMetaKey  = "filename"
	defaultMimeType  = "application/octet-stream"
	publicTagKey     = "visibility"
	publicTagValue   = "public"
	defaultPrefix    = "uploads"
	maxDisplayLength = 255
)

func newObjectID() string {
	return uuid.NewString()
}

// validObjectID guards provider calls: ids are always UUIDs we minted, so
// anything else cannot name an object of ours.
func validObjectID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func objectKey(prefix, id string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return id
	}
	return prefix + "/" + id
}

// encodeName keeps user metadata header-safe; S3 metadata values must be
// printable ASCII.
func encodeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	if len(name) > maxDisplayLength {
		cut := maxDisplayLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return url.QueryEscape(name)
}

func decodeName(raw, fallback string) string {
	if raw == "" {
		return fallback
	}
	name, err := url.QueryUnescape(raw)
	if err != nil || name == "" {
		return fallback
	}
	return name
}

func mimeOrDefault(ct string) string {
	if strings.TrimSpace(ct) == "" {
		return defaultMimeType
	}
	return ct
}

func publicURL(base, bucket, key string) (string, error) {
	return url.JoinPath(base, bucket, key)
}
