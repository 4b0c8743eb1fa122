package imagecache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/aucontraire/chronovista-core/internal/domain/model"
)

type mockMinioClient struct {
	bucketExistsFn func(ctx context.Context, bucket string) (bool, error)
	putObjectFn    func(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

func (m *mockMinioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.bucketExistsFn(ctx, bucket)
}

func (m *mockMinioClient) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return m.putObjectFn(ctx, bucket, object, reader, size, opts)
}

func TestNewMirrorWithClient_MissingBucket(t *testing.T) {
	client := &mockMinioClient{
		bucketExistsFn: func(ctx context.Context, bucket string) (bool, error) {
			return false, nil
		},
	}

	_, err := newMirrorWithClient(context.Background(), client, "cache-mirror", slog.Default())
	if err == nil {
		t.Fatal("expected error for missing bucket, got nil")
	}
}

func TestMirror_Upload_Success(t *testing.T) {
	var gotObject string
	var gotBytes []byte
	client := &mockMinioClient{
		bucketExistsFn: func(ctx context.Context, bucket string) (bool, error) { return true, nil },
		putObjectFn: func(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
			gotObject = object
			data, _ := io.ReadAll(reader)
			gotBytes = data
			return minio.UploadInfo{}, nil
		},
	}

	m, err := newMirrorWithClient(context.Background(), client, "cache-mirror", slog.Default())
	if err != nil {
		t.Fatalf("newMirrorWithClient: %v", err)
	}

	key := model.NewChannelRef("UC1").Key()
	if err := m.Upload(context.Background(), key, []byte("jpeg bytes")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if gotObject != string(key) {
		t.Errorf("object key: got %q, expected %q", gotObject, string(key))
	}
	if string(gotBytes) != "jpeg bytes" {
		t.Errorf("uploaded bytes: got %q, expected %q", gotBytes, "jpeg bytes")
	}
}

func TestMirror_Upload_ReturnsErrorOnFailure(t *testing.T) {
	client := &mockMinioClient{
		bucketExistsFn: func(ctx context.Context, bucket string) (bool, error) { return true, nil },
		putObjectFn: func(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
			return minio.UploadInfo{}, errors.New("connection refused")
		},
	}

	m, err := newMirrorWithClient(context.Background(), client, "cache-mirror", slog.Default())
	if err != nil {
		t.Fatalf("newMirrorWithClient: %v", err)
	}

	key := model.NewChannelRef("UC1").Key()
	if err := m.Upload(context.Background(), key, []byte("bytes")); err == nil {
		t.Error("expected error from failed upload, got nil")
	}
}
