package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StorageConfig configures the S3 compatible object store.
type StorageConfig struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
	PublicBaseURL string
}

// ObjectStore uploads objects to a single bucket.
type ObjectStore struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

// NewObjectStore creates an S3 client for cfg.
func NewObjectStore(ctx context.Context, cfg StorageConfig) (*ObjectStore, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// Static credentials for MinIO or explicit keys.
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gateway: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	publicURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicURL == "" && cfg.Endpoint != "" {
		publicURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

// Put uploads content under key and returns its public URL.
func (o *ObjectStore) Put(ctx context.Context, key string, content io.Reader, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "gateway.ObjectStore.Put",
		trace.WithAttributes(
			attribute.String("s3.bucket", o.bucket),
			attribute.String("s3.key", key),
			attribute.String("content.type", contentType),
		),
	)
	defer span.End()

	data, err := io.ReadAll(content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read content")
		return "", fmt.Errorf("gateway: read object: %w", err)
	}
	sum := sha256.Sum256(data)
	span.SetAttributes(attribute.Int("content.size", len(data)))

	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put object")
		return "", fmt.Errorf("gateway: upload object: %w", err)
	}
	span.SetStatus(codes.Ok, "")
	return o.URL(key), nil
}

// URL returns the public URL of key.
func (o *ObjectStore) URL(key string) string {
	if o.publicURL == "" {
		return key
	}
	return o.publicURL + "/" + strings.TrimLeft(key, "/")
}
