package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/evidence-api/pkg/blobstore"
	"github.com/noah-isme/evidence-api/pkg/config"
)

func TestOpenBlobStoreLocalBackends(t *testing.T) {
	ctx := context.Background()

	store, closeFn, err := openBlobStore(ctx, config.BlobConfig{Backend: config.BlobBackendFS, LocalDir: t.TempDir()}, nil)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &blobstore.FSStore{}, store)

	store, closeFn, err = openBlobStore(ctx, config.BlobConfig{
		Backend:    config.BlobBackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "blobs.db"),
	}, nil)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &blobstore.SQLStore{}, store)
}

func TestOpenBlobStoreRejectsUnknownBackend(t *testing.T) {
	_, closeFn, err := openBlobStore(context.Background(), config.BlobConfig{Backend: "tape"}, nil)
	require.Error(t, err)
	closeFn()
}
