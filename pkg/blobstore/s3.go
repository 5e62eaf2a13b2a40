package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// minPartSize is the smallest multipart part S3 accepts.
const minPartSize = 5 * 1024 * 1024

const (
	metaFilename = "Filename"
	metaBlobID   = "Blob-Id"
)

// S3Config holds connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	PartSize  int
}

// S3Store keeps each blob as one object. Multipart uploads give the same
// all-or-nothing visibility as the chunked backends.
type S3Store struct {
	client   *minio.Client
	bucket   string
	region   string
	partSize uint64
}

// NewS3Store creates a MinIO client for cfg.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	partSize := cfg.PartSize
	if partSize < minPartSize {
		partSize = minPartSize
	}
	return &S3Store{client: client, bucket: cfg.Bucket, region: cfg.Region, partSize: uint64(partSize)}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

func objectKey(id string) string {
	return id[:2] + "/" + id
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, r io.Reader, opts PutOptions) (Info, error) {
	if r == nil {
		return Info{}, fmt.Errorf("reader is required")
	}
	id := newID()
	key := objectKey(id)
	upload, err := s.client.PutObject(ctx, s.bucket, key, &contextReader{ctx: ctx, r: r}, -1, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		PartSize:     s.partSize,
		UserMetadata: map[string]string{metaFilename: opts.Filename, metaBlobID: id},
	})
	if err != nil {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		_ = s.client.RemoveObject(cctx, s.bucket, key, minio.RemoveObjectOptions{})
		return Info{}, fmt.Errorf("upload object: %w", err)
	}
	return Info{
		ID:          id,
		Filename:    opts.Filename,
		ContentType: opts.ContentType,
		Size:        upload.Size,
		ChunkSize:   int(s.partSize),
		ChunkCount:  partCount(upload.Size, int64(s.partSize)),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Open implements Store.
func (s *S3Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if _, err := s.Stat(ctx, id); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return obj, nil
}

// Stat implements Store.
func (s *S3Store) Stat(ctx context.Context, id string) (Info, error) {
	if err := checkID(id); err != nil {
		return Info{}, err
	}
	obj, err := s.client.StatObject(ctx, s.bucket, objectKey(id), minio.StatObjectOptions{})
	if err != nil {
		if isMissingObject(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat object: %w", err)
	}
	return Info{
		ID:          id,
		Filename:    obj.UserMetadata[metaFilename],
		ContentType: obj.ContentType,
		Size:        obj.Size,
		ChunkSize:   int(s.partSize),
		ChunkCount:  partCount(obj.Size, int64(s.partSize)),
		CreatedAt:   obj.LastModified.UTC(),
	}, nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(id), minio.RemoveObjectOptions{})
	if err != nil && !isMissingObject(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func isMissingObject(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func partCount(size, partSize int64) int {
	if size <= 0 || partSize <= 0 {
		return 0
	}
	count := size / partSize
	if size%partSize != 0 {
		count++
	}
	return int(count)
}

// contextReader stops feeding the multipart upload once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("read upload stream: %w", err)
	}
	return n, err
}

