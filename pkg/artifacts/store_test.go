package artifacts

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	err     error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]string{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[k] = string(body)
	f.types[k] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestS3StorePut(t *testing.T) {
	api := newFakeS3()
	store := newS3Store(api, zerolog.Nop())

	err := store.Put(context.Background(), strings.NewReader("zipdata"), 7, "orders/v1.zip", "artifacts", ZipContentType)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if api.objects["artifacts/orders/v1.zip"] != "zipdata" {
		t.Errorf("unexpected stored object %v", api.objects)
	}
	if api.types["artifacts/orders/v1.zip"] != ZipContentType {
		t.Errorf("unexpected content type %q", api.types["artifacts/orders/v1.zip"])
	}
}

func TestS3StorePutWrapsErrors(t *testing.T) {
	api := newFakeS3()
	api.err = errors.New("access denied")
	store := newS3Store(api, zerolog.Nop())

	err := store.Put(context.Background(), strings.NewReader("x"), 1, "k.zip", "b", ZipContentType)
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if serr.Backend != "s3" || serr.Bucket != "b" || serr.Key != "k.zip" {
		t.Errorf("unexpected error fields %+v", serr)
	}
	if !errors.Is(err, api.err) {
		t.Error("expected underlying error to be wrapped")
	}
}

func TestPutValidation(t *testing.T) {
	store := newS3Store(newFakeS3(), zerolog.Nop())

	if err := store.Put(context.Background(), strings.NewReader("x"), 1, "", "b", ZipContentType); err == nil {
		t.Error("expected error for empty key")
	}
	if err := store.Put(context.Background(), strings.NewReader("x"), 1, "k", "", ZipContentType); err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestNewMinioStoreRequiresCredentials(t *testing.T) {
	if _, err := NewMinioStore(MinioConfig{Endpoint: "localhost:9000"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for incomplete configuration")
	}

	store, err := NewMinioStore(MinioConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMinioStore failed: %v", err)
	}
	if store.Name() != "minio" {
		t.Errorf("name = %s", store.Name())
	}
}
