package imagecache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/domain/repository"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/metrics"
)

// minioClient is the subset of *minio.Client the Mirror needs, abstracted
// for testability the same way the teacher's storage package does.
type minioClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MirrorConfig configures the optional off-box backup mirror.
type MirrorConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Mirror is a fire-and-forget decorator: after the Cache Store commits an
// image to disk, Mirror best-effort copies the same bytes to a MinIO
// bucket under the identical relative key. It never participates in the
// Cache Store's exclusivity invariant and a Mirror failure never fails
// the caller's Store call.
type Mirror struct {
	client minioClient
	bucket string
	log    *slog.Logger
}

// NewMirror connects to MinIO and verifies the configured bucket exists.
func NewMirror(ctx context.Context, cfg MirrorConfig, log *slog.Logger) (*Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("imagecache: create minio client: %w", err)
	}
	return newMirrorWithClient(ctx, client, cfg.Bucket, log)
}

func newMirrorWithClient(ctx context.Context, client minioClient, bucket string, log *slog.Logger) (*Mirror, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("imagecache: check bucket %q exists: %w", bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("imagecache: mirror bucket %q: %w", bucket, repository.ErrBucketNotFound)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{client: client, bucket: bucket, log: log}, nil
}

// Upload copies data to key in the mirror bucket. Failures are logged at
// Warn and swallowed; callers should invoke this after a successful
// Store() without checking the returned error on the hot path, but the
// error is still returned so tests and a dry-run counter can observe it.
func (m *Mirror) Upload(ctx context.Context, key model.CacheKey, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, string(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		metrics.MirrorUploadsTotal.WithLabelValues(metrics.StatusError).Inc()
		m.log.Warn("mirror upload failed", "key", string(key), "bucket", m.bucket, "error", err)
		return fmt.Errorf("imagecache: mirror upload %s: %w", key, err)
	}
	metrics.MirrorUploadsTotal.WithLabelValues(metrics.StatusSuccess).Inc()
	return nil
}
