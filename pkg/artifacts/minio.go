package artifacts

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// MinioConfig configures a self-hosted S3-compatible artifact store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// CreateBuckets makes missing buckets on first write.
	CreateBuckets bool
}

// MinioStore writes artifacts with the MinIO client.
type MinioStore struct {
	client *minio.Client
	cfg    MinioConfig
	logger zerolog.Logger
}

// NewMinioStore creates a MinIO-backed store.
func NewMinioStore(cfg MinioConfig, logger zerolog.Logger) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio configuration is incomplete")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	return &MinioStore{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "artifacts").Str("backend", "minio").Logger(),
	}, nil
}

// Name implements Store.
func (m *MinioStore) Name() string {
	return "minio"
}

func (m *MinioStore) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Put implements Store. A negative size streams with multipart upload.
func (m *MinioStore) Put(ctx context.Context, r io.Reader, size int64, key, bucket, contentType string) error {
	if err := validatePut(bucket, key); err != nil {
		return &StorageError{Backend: m.Name(), Bucket: bucket, Key: key, Err: err}
	}

	if m.cfg.CreateBuckets {
		if err := m.ensureBucket(ctx, bucket); err != nil {
			return &StorageError{Backend: m.Name(), Bucket: bucket, Key: key, Err: err}
		}
	}

	info, err := m.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("bucket", bucket).Str("key", key).Msg("upload failed")
		return &StorageError{Backend: m.Name(), Bucket: bucket, Key: key, Err: err}
	}

	m.logger.Info().Str("bucket", bucket).Str("key", key).Int64("size", info.Size).Msg("artifact uploaded")
	return nil
}
