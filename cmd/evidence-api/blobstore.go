package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/evidence-api/pkg/blobstore"
	"github.com/noah-isme/evidence-api/pkg/config"
)

// openBlobStore builds the configured backend. The returned close func is
// always safe to call.
func openBlobStore(ctx context.Context, cfg config.BlobConfig, db *sqlx.DB) (blobstore.Store, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "", config.BlobBackendFS:
		store, err := blobstore.NewFSStore(cfg.LocalDir, cfg.ChunkSize)
		return store, noop, err
	case config.BlobBackendSQL:
		store, err := blobstore.NewSQLStore(ctx, db, cfg.ChunkSize)
		return store, noop, err
	case config.BlobBackendSQLite:
		store, err := blobstore.OpenSQLite(ctx, cfg.SQLitePath, cfg.ChunkSize)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.BlobBackendS3:
		store, err := blobstore.NewS3Store(blobstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, noop, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
