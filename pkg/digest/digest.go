// Package digest fingerprints byte streams while they are being consumed.
package digest

import (
	"encoding/hex"
	"hash"
	"io"

	sha256 "github.com/minio/sha256-simd"
)

// HexLength is the length of a hex encoded SHA-256 digest.
const HexLength = sha256.Size * 2

// Reader tees every byte read from the wrapped source into a SHA-256 hash.
// The digest therefore describes exactly the bytes handed to the consumer.
type Reader struct {
	src  io.Reader
	hash hash.Hash
	n    int64
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: r, hash: sha256.New()}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		_, _ = r.hash.Write(p[:n])
		r.n += int64(n)
	}
	return n, err
}

// Size returns the number of bytes read so far.
func (r *Reader) Size() int64 {
	return r.n
}

// Sum returns the lowercase hex digest of the bytes read so far.
func (r *Reader) Sum() string {
	return hex.EncodeToString(r.hash.Sum(nil))
}

// Of digests a whole stream. It is meant for verification and tests, not for
// the upload path.
func Of(r io.Reader) (string, int64, error) {
	dr := NewReader(r)
	if _, err := io.Copy(io.Discard, dr); err != nil {
		return "", dr.Size(), err
	}
	return dr.Sum(), dr.Size(), nil
}
