// Package artifacts stores deployment artifacts in object storage before a
// deployment request references them.
package artifacts

import (
	"context"
	"fmt"
	"io"
)

// ZipContentType is the content type recorded for function bundles.
const ZipContentType = "application/zip"

// Store puts an artifact at bucket/key.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	Put(ctx context.Context, r io.Reader, size int64, key, bucket, contentType string) error
}

// StorageError reports a failed object storage write.
type StorageError struct {
	Backend string
	Bucket  string
	Key     string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: failed to store %s/%s: %v", e.Backend, e.Bucket, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func validatePut(bucket, key string) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}
