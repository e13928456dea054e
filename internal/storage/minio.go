package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"
)

// MinioConfig configures a MinioStore.
type MinioConfig struct {
	// Endpoint accepts "host:port" or "http(s)://host:port".
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	// Prefix is the parent location every object is written under.
	Prefix string
	// PublicBaseURL is the origin anonymous readers use. Defaults to the
	// endpoint itself.
	PublicBaseURL string
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// MinioStore stores objects in a MinIO (or S3-compatible) bucket.
// Public read access is granted per object by tagging it; see
// EnsurePublicReadPolicy.
type MinioStore struct {
	client     *minio.Client
	bucket     string
	prefix     string
	publicBase string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		secure = (u.Scheme == "https")
		return u.Host, secure, nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

// NewMinioStore connects to the endpoint and checks that the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    secure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}

	// Sanity check: bucket must exist.
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket does not exist: %s", cfg.Bucket)
	}

	base := cfg.PublicBaseURL
	if base == "" {
		base = client.EndpointURL().String()
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &MinioStore{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(prefix, "/"),
		publicBase: base,
	}, nil
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string                       `json:"Sid"`
	Effect    string                       `json:"Effect"`
	Principal map[string][]string          `json:"Principal"`
	Action    []string                     `json:"Action"`
	Resource  []string                     `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition"`
}

func publicReadPolicy(bucket, prefix string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Sid:       "PublicReadTaggedObjects",
			Effect:    "Allow",
			Principal: map[string][]string{"AWS": {"*"}},
			Action:    []string{"s3:GetObject"},
			Resource:  []string{fmt.Sprintf("arn:aws:s3:::%s/%s", bucket, objectKey(prefix, "*"))},
			Condition: map[string]map[string]string{
				"StringEquals": {"s3:ExistingObjectTag/" + publicTagKey: publicTagValue},
			},
		}},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EnsurePublicReadPolicy installs the bucket policy that lets anonymous
// clients read objects tagged visibility=public under the prefix. It
// replaces any existing bucket policy and is meant to run once at startup.
func (s *MinioStore) EnsurePublicReadPolicy(ctx context.Context) error {
	policy, err := publicReadPolicy(s.bucket, s.prefix)
	if err != nil {
		return err
	}
	if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
		return fmt.Errorf("set bucket policy: %w", err)
	}
	return nil
}

// ErrPolicyMissing means the bucket has no statement granting anonymous
// reads of tagged objects, so granted links would not be readable.
var ErrPolicyMissing = errors.New("public read policy missing")

// CheckPublicReadPolicy verifies that the bucket policy lets anonymous
// clients read objects tagged visibility=public under the prefix. Use it
// when the policy is managed outside the relay.
func (s *MinioStore) CheckPublicReadPolicy(ctx context.Context) error {
	raw, err := s.client.GetBucketPolicy(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("get bucket policy: %w", err)
	}
	if raw == "" {
		return fmt.Errorf("%w: bucket %s has no policy", ErrPolicyMissing, s.bucket)
	}
	ok, err := policyGrantsTaggedRead(raw, s.bucket, s.prefix)
	if err != nil {
		return fmt.Errorf("parse bucket policy: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: bucket %s", ErrPolicyMissing, s.bucket)
	}
	return nil
}

// stringList decodes the policy grammar's "string or array of strings".
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func (l stringList) has(want ...string) bool {
	for _, v := range l {
		for _, w := range want {
			if v == w {
				return true
			}
		}
	}
	return false
}

type installedStatement struct {
	Effect    string                           `json:"Effect"`
	Principal json.RawMessage                  `json:"Principal"`
	Action    stringList                       `json:"Action"`
	Resource  stringList                       `json:"Resource"`
	Condition map[string]map[string]stringList `json:"Condition"`
}

func policyGrantsTaggedRead(raw, bucket, prefix string) (bool, error) {
	var doc struct {
		Statement []installedStatement `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return false, err
	}

	resources := []string{
		fmt.Sprintf("arn:aws:s3:::%s/%s", bucket, objectKey(prefix, "*")),
		fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
	}
	for _, st := range doc.Statement {
		if st.Effect != "Allow" || !anonymous(st.Principal) {
			continue
		}
		if !st.Action.has("s3:GetObject", "s3:*") || !st.Resource.has(resources...) {
			continue
		}
		if st.Condition["StringEquals"]["s3:ExistingObjectTag/"+publicTagKey].has(publicTagValue) {
			return true, nil
		}
	}
	return false, nil
}

// anonymous reports whether a policy principal is "*" or {"AWS": "*"}.
func anonymous(principal json.RawMessage) bool {
	var all string
	if json.Unmarshal(principal, &all) == nil {
		return all == "*"
	}
	var byType map[string]stringList
	if json.Unmarshal(principal, &byType) != nil {
		return false
	}
	return byType["AWS"].has("*")
}

func (s *MinioStore) Upload(ctx context.Context, src io.Reader, size int64, opts UploadOptions) (string, error) {
	id := newObjectID()
	key := objectKey(s.prefix, id)

	_, err := s.client.PutObject(ctx, s.bucket, key, src, size, minio.PutObjectOptions{
		ContentType:  mimeOrDefault(opts.ContentType),
		UserMetadata: map[string]string{filenameMetaKey: encodeName(opts.Name)},
	})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %w", ErrStorageWrite, key, err)
	}
	return id, nil
}

func (s *MinioStore) GrantPublicReadAndGetLink(ctx context.Context, objectID string) (string, error) {
	if !validObjectID(objectID) {
		return "", fmt.Errorf("%w: %w: %q", ErrLinkGeneration, ErrObjectNotFound, objectID)
	}
	key := objectKey(s.prefix, objectID)

	t, err := tags.NewTags(map[string]string{publicTagKey: publicTagValue}, true)
	if err != nil {
		return "", fmt.Errorf("%w: build tags: %w", ErrLinkGeneration, err)
	}
	if err := s.client.PutObjectTagging(ctx, s.bucket, key, t, minio.PutObjectTaggingOptions{}); err != nil {
		return "", fmt.Errorf("%w: grant public read %s: %w", ErrLinkGeneration, key, err)
	}

	// The object is public from here on, even if the link cannot be built.
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: fetch link %s: %w", ErrLinkGeneration, key, err)
	}

	link, err := publicURL(s.publicBase, s.bucket, info.Key)
	if err != nil {
		return "", fmt.Errorf("%w: build link %s: %w", ErrLinkGeneration, key, err)
	}
	return link, nil
}

func (s *MinioStore) GetMetadata(ctx context.Context, objectID string) (ObjectInfo, error) {
	if !validObjectID(objectID) {
		return ObjectInfo{}, fmt.Errorf("%w: %q", ErrObjectNotFound, objectID)
	}
	key := objectKey(s.prefix, objectID)

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, s.readErr(key, err)
	}
	return ObjectInfo{
		Name:     decodeName(userMeta(info, filenameMetaKey), objectID),
		MimeType: mimeOrDefault(info.ContentType),
		Size:     info.Size,
	}, nil
}

func (s *MinioStore) OpenReadStream(ctx context.Context, objectID string) (io.ReadCloser, error) {
	if !validObjectID(objectID) {
		return nil, fmt.Errorf("%w: %q", ErrObjectNotFound, objectID)
	}
	key := objectKey(s.prefix, objectID)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.readErr(key, err)
	}

	// Force an early error for missing object / auth issues.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s.readErr(key, err)
	}
	return obj, nil
}

func (s *MinioStore) Delete(ctx context.Context, objectID string) error {
	if !validObjectID(objectID) {
		// Nothing of ours can live under a malformed id.
		return nil
	}
	key := objectKey(s.prefix, objectID)

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("%w: remove %s: %w", ErrStorageDelete, key, err)
	}
	return nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("minio bucket does not exist: %s", s.bucket)
	}
	return nil
}

func (s *MinioStore) readErr(key string, err error) error {
	if isMinioNotFound(err) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageRead, key, err)
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchObject", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket"
}

// userMeta looks a user metadata key up case-insensitively; providers
// differ in how they canonicalise x-amz-meta-* names.
func userMeta(info minio.ObjectInfo, key string) string {
	for k, v := range info.UserMetadata {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return info.Metadata.Get("X-Amz-Meta-" + key)
}
