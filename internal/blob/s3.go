package blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kiranshivaraju/atsgateway/internal/config"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

// S3Store keeps blobs in an S3 bucket. Locators have the form s3://bucket/key.
// Locators in local form are handed to the wrapped LocalStore, so files
// written before S3 was enabled can still be resolved and deleted.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	local   *LocalStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewS3Store builds an S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg config.StorageConfig, local *LocalStore, logger *slog.Logger) (*S3Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		local:   local,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, prefix string, blob models.FileBlob) (string, error) {
	key := objectKey(prefix, blob.Filename, s.now())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(blob.Data),
		ContentType: aws.String(blob.ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}

	locator := s3Scheme + s.bucket + "/" + key
	s.logger.Info("blob stored", "locator", locator, "size", len(blob.Data))
	return locator, nil
}

// ResolveURL presigns a GET for S3 locators, valid for URLExpiry.
func (s *S3Store) ResolveURL(ctx context.Context, locator string) (string, error) {
	bucket, key, ok := parseS3Locator(locator)
	if !ok {
		return s.local.ResolveURL(ctx, locator)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(URLExpiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", locator, err)
	}
	return req.URL, nil
}

func (s *S3Store) Delete(ctx context.Context, locator string) error {
	bucket, key, ok := parseS3Locator(locator)
	if !ok {
		return s.local.Delete(ctx, locator)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", locator, err)
	}
	s.logger.Info("blob deleted", "locator", locator)
	return nil
}

// SweepExpired only sweeps the local fallback directory. Bucket objects are
// expected to expire through a lifecycle rule.
func (s *S3Store) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.local.SweepExpired(ctx, maxAge)
}
