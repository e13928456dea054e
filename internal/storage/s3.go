package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures an S3Store.
type S3Config struct {
	// Endpoint overrides the AWS endpoint (S3-compatible services). Empty
	// means the regional AWS endpoint.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	// PublicBaseURL is the origin anonymous readers use. Defaults to
	// Endpoint, or the virtual-hosted AWS origin when Endpoint is empty.
	PublicBaseURL string
	HTTPClient    *http.Client
}

// S3Store stores objects in AWS S3. Public read is granted with the
// public-read canned ACL, so the bucket must have ACLs enabled.
type S3Store struct {
	client     *s3.Client
	bucket     string
	prefix     string
	publicBase string
}

// NewS3Store builds the client; it does not contact the service.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3 configuration incomplete")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
		// S3-compatible services commonly reject the newer default
		// checksum trailers.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	base := cfg.PublicBaseURL
	if base == "" {
		if cfg.Endpoint != "" {
			base = cfg.Endpoint
		} else {
			base = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
		}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &S3Store{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(prefix, "/"),
		publicBase: base,
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, src io.Reader, size int64, opts UploadOptions) (string, error) {
	id := newObjectID()
	key := objectKey(s.prefix, id)

	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        src,
		ContentType: aws.String(mimeOrDefault(opts.ContentType)),
		Metadata:    map[string]string{filenameMetaKey: encodeName(opts.Name)},
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("%w: put %s: %w", ErrStorageWrite, key, err)
	}
	return id, nil
}

func (s *S3Store) GrantPublicReadAndGetLink(ctx context.Context, objectID string) (string, error) {
	if !validObjectID(objectID) {
		return "", fmt.Errorf("%w: %w: %q", ErrLinkGeneration, ErrObjectNotFound, objectID)
	}
	key := objectKey(s.prefix, objectID)

	_, err := s.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		ACL:    types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("%w: grant public read %s: %w", ErrLinkGeneration, key, err)
	}

	// The object is public from here on, even if the link cannot be built.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return "", fmt.Errorf("%w: fetch link %s: %w", ErrLinkGeneration, key, err)
	}

	link, err := publicURL(s.publicBase, s.bucket, key)
	if err != nil {
		return "", fmt.Errorf("%w: build link %s: %w", ErrLinkGeneration, key, err)
	}
	return link, nil
}

func (s *S3Store) GetMetadata(ctx context.Context, objectID string) (ObjectInfo, error) {
	if !validObjectID(objectID) {
		return ObjectInfo{}, fmt.Errorf("%w: %q", ErrObjectNotFound, objectID)
	}
	key := objectKey(s.prefix, objectID)

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, s.readErr(key, err)
	}

	var name string
	for k, v := range out.Metadata {
		if strings.EqualFold(k, filenameMetaKey) {
			name = v
		}
	}
	return ObjectInfo{
		Name:     decodeName(name, objectID),
		MimeType: mimeOrDefault(aws.ToString(out.ContentType)),
		Size:     aws.ToInt64(out.ContentLength),
	}, nil
}

func (s *S3Store) OpenReadStream(ctx context.Context, objectID string) (io.ReadCloser, error) {
	if !validObjectID(objectID) {
		return nil, fmt.Errorf("%w: %q", ErrObjectNotFound, objectID)
	}
	key := objectKey(s.prefix, objectID)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.readErr(key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, objectID string) error {
	if !validObjectID(objectID) {
		return nil
	}
	key := objectKey(s.prefix, objectID)

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("%w: delete %s: %w", ErrStorageDelete, key, err)
	}
	return nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

func (s *S3Store) readErr(key string, err error) error {
	if isS3NotFound(err) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageRead, key, err)
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
