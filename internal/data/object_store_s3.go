package data

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keepsake-labs/keepsake/internal/core"
)

// S3ClientConfig holds the settings needed to construct an S3 client. The
// endpoint override points the client at S3-compatible stores such as MinIO,
// which also need path-style addressing.
type S3ClientConfig struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// NewS3Client builds an S3 client from the ambient AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// S3Options holds the dependencies for an S3ObjectStore.
type S3Options struct {
	Client *s3.Client
	Bucket string
}

// S3ObjectStore persists artifact payloads in an S3 bucket.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
}

// NewS3ObjectStore creates an S3ObjectStore over the given client and bucket.
func NewS3ObjectStore(opts S3Options) (*S3ObjectStore, error) {
	if opts.Client == nil {
		return nil, errors.New("s3 client is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &S3ObjectStore{client: opts.Client, bucket: opts.Bucket}, nil
}

// Put uploads an object to the bucket.
func (s *S3ObjectStore) Put(ctx context.Context, params core.PutObjectParams) error {
	key, err := cleanKey(params.Key)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(params.Body),
		ContentType: aws.String(params.ContentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Get downloads an object from the bucket.
func (s *S3ObjectStore) Get(ctx context.Context, key string) (*core.StoredObject, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cleaned),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer func() {
		if cerr := out.Body.Close(); cerr != nil {
			_ = cerr
		}
	}()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}

	contentType := aws.ToString(out.ContentType)
	if contentType == "" {
		contentType = fallbackContentType
	}

	return &core.StoredObject{Body: body, ContentType: contentType}, nil
}

// Delete removes an object from the bucket. S3 treats deleting a missing key
// as success, which matches the sweep's retry semantics.
func (s *S3ObjectStore) Delete(ctx context.Context, key string) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cleaned),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Health verifies the bucket is reachable with the configured credentials.
func (s *S3ObjectStore) Health(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("head bucket: %w", err)
	}
	return nil
}

var _ core.ObjectStore = (*S3ObjectStore)(nil)
