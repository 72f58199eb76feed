package invsync

import (
	"bytes"
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3ArchiveBackend writes archive objects to AWS S3 (or any S3-compatible
// store).
type S3ArchiveBackend struct {
	client *s3.Client
	bucket string
}

// NewS3ArchiveBackend creates an S3 archive backend over an existing client.
func NewS3ArchiveBackend(client *s3.Client, bucket string) *S3ArchiveBackend {
	return &S3ArchiveBackend{
		client: client,
		bucket: bucket,
	}
}

// NewS3ArchiveBackendFromEnv builds the client from the standard AWS
// environment (region, credentials chain). S3_ENDPOINT overrides the endpoint
// for S3-compatible stores like MinIO; S3_ACCESS_KEY/S3_SECRET_KEY force
// static credentials.
func NewS3ArchiveBackendFromEnv(ctx context.Context, bucket string) (*S3ArchiveBackend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if key := os.Getenv("S3_ACCESS_KEY"); key != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, os.Getenv("S3_SECRET_KEY"), "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiveBackend(client, bucket), nil
}

// Put stores data under key in the archive bucket.
func (b *S3ArchiveBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}
