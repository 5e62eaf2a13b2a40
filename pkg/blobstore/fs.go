package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	manifestName = "manifest.json"
	tmpDirName   = "tmp"
)

// FSStore keeps each blob as a directory of fixed-size chunk files plus a
// manifest. A blob directory only appears under its final name once every
// chunk and the manifest are written, so readers never observe partial blobs.
type FSStore struct {
	root      string
	chunkSize int
}

// NewFSStore creates a chunk store rooted at root.
func NewFSStore(root string, chunkSize int) (*FSStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blob store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &FSStore{root: abs, chunkSize: normalizeChunkSize(chunkSize)}, nil
}

// Put implements Store.
func (s *FSStore) Put(ctx context.Context, r io.Reader, opts PutOptions) (Info, error) {
	var zero Info
	if r == nil {
		return zero, fmt.Errorf("reader is required")
	}
	staging, err := os.MkdirTemp(filepath.Join(s.root, tmpDirName), "put-*")
	if err != nil {
		return zero, fmt.Errorf("create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	info := Info{
		ID:          newID(),
		Filename:    opts.Filename,
		ContentType: opts.ContentType,
		ChunkSize:   s.chunkSize,
	}
	buf := make([]byte, s.chunkSize)
	for {
		n, readErr := readChunk(ctx, r, buf)
		if n > 0 {
			if err := os.WriteFile(filepath.Join(staging, chunkName(info.ChunkCount)), buf[:n], 0o644); err != nil {
				return zero, fmt.Errorf("write chunk %d: %w", info.ChunkCount, err)
			}
			info.ChunkCount++
			info.Size += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return zero, fmt.Errorf("read upload stream: %w", readErr)
		}
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	info.CreatedAt = time.Now().UTC()
	manifest, err := json.Marshal(info)
	if err != nil {
		return zero, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), manifest, 0o644); err != nil {
		return zero, fmt.Errorf("write manifest: %w", err)
	}

	dst := s.blobDir(info.ID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return zero, fmt.Errorf("prepare blob directory: %w", err)
	}
	if err := os.Rename(staging, dst); err != nil {
		return zero, fmt.Errorf("commit blob: %w", err)
	}
	committed = true
	return info, nil
}

// Open implements Store.
func (s *FSStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	info, err := s.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	dir := s.blobDir(info.ID)
	return &chunkReader{
		ctx:   ctx,
		count: info.ChunkCount,
		fetch: func(_ context.Context, n int) (io.ReadCloser, error) {
			f, err := os.Open(filepath.Join(dir, chunkName(n)))
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: chunk %d of %s missing", ErrCorrupt, n, info.ID)
			}
			return f, err
		},
	}, nil
}

// Stat implements Store.
func (s *FSStore) Stat(ctx context.Context, id string) (Info, error) {
	var info Info
	if err := ctx.Err(); err != nil {
		return info, err
	}
	if err := checkID(id); err != nil {
		return info, err
	}
	raw, err := os.ReadFile(filepath.Join(s.blobDir(id), manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return info, ErrNotFound
	}
	if err != nil {
		return info, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("%w: decode manifest: %v", ErrCorrupt, err)
	}
	return info, nil
}

// Delete implements Store.
func (s *FSStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.blobDir(id)); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *FSStore) blobDir(id string) string {
	return filepath.Join(s.root, id[0:2], id)
}

func chunkName(n int) string {
	return fmt.Sprintf("%08d.chunk", n)
}
