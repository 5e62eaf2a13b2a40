package digest

import (
	"bytes"
	stdsha256 "crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderMatchesStdlibSHA256(t *testing.T) {
	payload := []byte("dummy file content for test")
	want := stdsha256.Sum256(payload)

	r := NewReader(bytes.NewReader(payload))
	var sink bytes.Buffer
	_, err := io.Copy(&sink, r)
	require.NoError(t, err)

	assert.Equal(t, hex.EncodeToString(want[:]), r.Sum())
	assert.Equal(t, int64(len(payload)), r.Size())
	assert.Equal(t, payload, sink.Bytes())
	assert.Len(t, r.Sum(), HexLength)
}

func TestReaderEmptyInput(t *testing.T) {
	sum, n, err := Of(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", sum)
}

type failingReader struct{ sent bool }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.sent {
		return 0, errors.New("connection reset")
	}
	f.sent = true
	return copy(p, "partial"), nil
}

func TestOfPropagatesReadError(t *testing.T) {
	_, n, err := Of(&failingReader{})
	require.Error(t, err)
	assert.Equal(t, int64(len("partial")), n)
}
