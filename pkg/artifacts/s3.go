package artifacts

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/fnplane/fnplane/pkg/cloud"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 artifact store.
type S3Config struct {
	AWS cloud.AWSConfig
	// PathStyle addresses buckets by path, as S3-compatible emulators expect.
	PathStyle bool
}

// S3Store writes artifacts to Amazon S3.
type S3Store struct {
	api    putObjectAPI
	logger zerolog.Logger
}

// NewS3Store builds an S3Store from AWS configuration.
func NewS3Store(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3Store, error) {
	awsCfg, err := cloud.LoadAWS(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep := cfg.AWS.EndpointOption(); ep != nil {
			o.BaseEndpoint = ep
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return newS3Store(client, logger), nil
}

func newS3Store(api putObjectAPI, logger zerolog.Logger) *S3Store {
	return &S3Store{
		api:    api,
		logger: logger.With().Str("component", "artifacts").Str("backend", "s3").Logger(),
	}
}

// Name implements Store.
func (s *S3Store) Name() string {
	return "s3"
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, r io.Reader, size int64, key, bucket, contentType string) error {
	if err := validatePut(bucket, key); err != nil {
		return &StorageError{Backend: s.Name(), Bucket: bucket, Key: key, Err: err}
	}

	in := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}

	if _, err := s.api.PutObject(ctx, in); err != nil {
		s.logger.Error().Err(err).Str("bucket", bucket).Str("key", key).Msg("upload failed")
		return &StorageError{Backend: s.Name(), Bucket: bucket, Key: key, Err: err}
	}

	s.logger.Info().Str("bucket", bucket).Str("key", key).Int64("size", size).Msg("artifact uploaded")
	return nil
}
