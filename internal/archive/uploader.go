package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/config"
)

// BlobUploader is the object-store client behind the archiver.
type BlobUploader struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// httpError carries the status code of a failed object-store call so the
// retry classifier can see it.
type httpError struct {
	code int
	err  error
}

func (e *httpError) Error() string   { return e.err.Error() }
func (e *httpError) Unwrap() error   { return e.err }
func (e *httpError) StatusCode() int { return e.code }

func wrapBlobErr(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode != 0 {
		return &httpError{code: resp.StatusCode, err: err}
	}
	return err
}

func NewBlobUploader(cfg config.ArchiveConfig, logger *zap.Logger) (*BlobUploader, error) {
	creds, err := config.ParseBlobConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	client, err := minio.New(creds.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: creds.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: creating object-store client: %w", err)
	}
	return &BlobUploader{
		client: client,
		bucket: cfg.Container,
		logger: logger.Named("archive.uploader"),
	}, nil
}

// EnsureBucket creates the container when missing; safe to call at startup.
func (u *BlobUploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("archive: checking bucket %s: %w", u.bucket, wrapBlobErr(err))
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("archive: creating bucket %s: %w", u.bucket, wrapBlobErr(err))
	}
	u.logger.Info("bucket created", zap.String("bucket", u.bucket))
	return nil
}

// Put writes the blob only if the path is unoccupied. A collision is a
// permanent error: overwriting archived data is never correct.
func (u *BlobUploader) Put(ctx context.Context, path string, data []byte, meta map[string]string) error {
	opts := minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: meta,
	}
	// If-None-Match: * makes the write conditional server-side; a racing
	// writer on the same path loses with 412 instead of overwriting.
	opts.SetMatchETagExcept("*")

	_, err := u.client.PutObject(ctx, u.bucket, path, bytes.NewReader(data), int64(len(data)), opts)
	return putError(path, err)
}

// putError maps the object store's precondition failure onto ErrBlobExists;
// everything else keeps its status code for the retry classifier.
func putError(path string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusPreconditionFailed || resp.Code == "PreconditionFailed" {
		return fmt.Errorf("%w: %s", ErrBlobExists, path)
	}
	return fmt.Errorf("archive: put %s: %w", path, wrapBlobErr(err))
}

func (u *BlobUploader) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	for obj := range u.client.ListObjects(ctx, u.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("archive: listing %s: %w", prefix, wrapBlobErr(obj.Err))
		}
		paths = append(paths, obj.Key)
	}
	return paths, nil
}

func (u *BlobUploader) Get(ctx context.Context, path string) ([]byte, error) {
	obj, err := u.client.GetObject(ctx, u.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", path, wrapBlobErr(err))
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("archive: reading %s: %w", path, wrapBlobErr(err))
	}
	return data, nil
}
