package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend is an S3-compatible destination. The primary and secondary
// remotes are two instances of this type pointing at organizationally
// distinct providers (endpoint + credentials differ per instance).
// The AWS SDK client is safe for concurrent use.
type S3Backend struct {
	name   string
	bucket string
	client *s3.Client
}

var _ Backend = (*S3Backend)(nil)

// S3Options configures one remote destination.
type S3Options struct {
	// Name tags the destination in logs and metadata.
	Name string
	// Endpoint overrides the AWS endpoint for S3-compatible providers
	// (MinIO, Ceph RGW, Wasabi, ...). Empty means plain AWS.
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NewS3 builds a backend for one S3-compatible provider.
func NewS3(opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend %q: bucket is required", opts.Name)
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	clientOpts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		UsePathStyle: opts.UsePathStyle,
	}
	if opts.Endpoint != "" {
		clientOpts.BaseEndpoint = aws.String(opts.Endpoint)
	}
	return &S3Backend{
		name:   opts.Name,
		bucket: opts.Bucket,
		client: s3.New(clientOpts),
	}, nil
}

func (b *S3Backend) Name() string { return b.name }

func (b *S3Backend) Put(ctx context.Context, path string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		if isQuotaError(err) {
			return fmt.Errorf("%w: put %s/%s: %v", ErrCapacity, b.bucket, path, err)
		}
		return fmt.Errorf("put %s/%s: %w", b.bucket, path, err)
	}
	return nil
}

func (b *S3Backend) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, b.bucket, path)
		}
		return nil, fmt.Errorf("get %s/%s: %w", b.bucket, path, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", b.bucket, path, err)
	}
	return data, nil
}

func (b *S3Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("head %s/%s: %w", b.bucket, path, err)
	}
	return true, nil
}

func (b *S3Backend) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("delete %s/%s: %w", b.bucket, path, err)
	}
	return nil
}

// Error classification by message keeps us provider-agnostic; compatible
// implementations are not consistent about typed errors.
func isNotFoundError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") ||
		strings.Contains(msg, "NotFound") ||
		strings.Contains(msg, "StatusCode: 404")
}

func isQuotaError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "QuotaExceeded") ||
		strings.Contains(msg, "EntityTooLarge") ||
		strings.Contains(msg, "507")
}
