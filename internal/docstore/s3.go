package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"document-bridge/internal/config"
)

// ErrArtifactMissing is returned when the store accepted an upload but did not
// report an id for it.
var ErrArtifactMissing = errors.New("document store returned no artifact id")

// ArtifactRef identifies an uploaded artifact.
type ArtifactRef struct {
	ID        string
	CreatedAt time.Time
}

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps printed documents in an S3 bucket.
type S3Store struct {
	client  objectAPI
	bucket  string
	prefix  string
	timeout time.Duration
}

// NewS3Store builds the AWS client from the default credential chain.
func NewS3Store(ctx context.Context, cfg config.S3Config, timeout time.Duration) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, timeout: timeout}, nil
}

func newS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Upload stores the file at path and returns its artifact reference.
func (s *S3Store) Upload(ctx context.Context, path string) (ArtifactRef, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("read artifact %s: %w", path, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id := uuid.New().String()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(id)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/pdf"),
		Metadata: map[string]string{
			"class":       "MedicalRisk",
			"type":        "DOCUMENT",
			"source-file": filepath.Base(path),
		},
	})
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("s3 put %s: %w", s.key(id), err)
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return ArtifactRef{}, fmt.Errorf("s3 head %s: %w", s.key(id), err)
	}
	created := time.Now().UTC()
	if head.LastModified != nil {
		created = head.LastModified.UTC()
	}
	return ArtifactRef{ID: id, CreatedAt: created}, nil
}

// Delete removes an uploaded artifact.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrArtifactMissing
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", s.key(id), err)
	}
	return nil
}

func (s *S3Store) key(id string) string {
	return s.prefix + id + ".pdf"
}

func (s *S3Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
