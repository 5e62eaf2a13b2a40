// Package blobstore persists write-once binary content as ordered chunk
// streams addressed by an opaque blob id.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// DefaultChunkSize matches the 255 KiB chunking used by GridFS buckets.
const DefaultChunkSize = 255 * 1024

const cleanupTimeout = 30 * time.Second

var (
	// ErrNotFound reports an absent blob id.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidID reports an id the store could never have issued.
	ErrInvalidID = errors.New("invalid blob id")
	// ErrCorrupt reports a blob whose stored chunks disagree with its manifest.
	ErrCorrupt = errors.New("blob corrupt")
)

// PutOptions describes content being written.
type PutOptions struct {
	Filename    string
	ContentType string
}

// Info describes one stored blob.
type Info struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	ChunkSize   int       `json:"chunkSize"`
	ChunkCount  int       `json:"chunkCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the byte-storage abstraction consumed by the evidence service.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put streams r into a new blob. When Put fails no blob is left behind.
	Put(ctx context.Context, r io.Reader, opts PutOptions) (Info, error)
	// Open returns an ordered stream of the blob content or ErrNotFound.
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	// Stat returns blob info or ErrNotFound.
	Stat(ctx context.Context, id string) (Info, error)
	// Delete removes a blob. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
}

func newID() string {
	return uuid.NewString()
}

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func normalizeChunkSize(size int) int {
	if size <= 0 {
		return DefaultChunkSize
	}
	return size
}

// cleanupContext survives cancellation of ctx so partial writes can still be
// removed after a request deadline fires.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// readChunk fills buf from r. It returns the bytes read and io.EOF once the
// source is exhausted; a short final chunk is returned with io.EOF.
func readChunk(ctx context.Context, r io.Reader, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, io.EOF
	case err != nil:
		return n, err
	}
	return n, nil
}

// chunkReader concatenates chunks fetched one at a time in index order.
type chunkReader struct {
	ctx   context.Context
	count int
	next  int
	fetch func(ctx context.Context, n int) (io.ReadCloser, error)
	cur   io.ReadCloser
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next >= r.count {
				return 0, io.EOF
			}
			if err := r.ctx.Err(); err != nil {
				return 0, err
			}
			cur, err := r.fetch(r.ctx, r.next)
			if err != nil {
				return 0, err
			}
			r.cur = cur
			r.next++
		}
		n, err := r.cur.Read(p)
		if errors.Is(err, io.EOF) {
			_ = r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	r.next = r.count
	return err
}
