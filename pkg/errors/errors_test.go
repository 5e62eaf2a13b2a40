package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneMatchesPredefined(t *testing.T) {
	err := Clone(ErrNotFound, "evidence not found")
	require.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, "evidence not found", err.Message)
	assert.Equal(t, "resource not found", ErrNotFound.Message)
}

func TestFromErrorWrapsUnknown(t *testing.T) {
	appErr := FromError(fmt.Errorf("boom"))
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusInternalServerError, appErr.Status)
	assert.Equal(t, ErrInternal.Code, appErr.Code)

	wrapped := fmt.Errorf("context: %w", ErrForbidden)
	assert.Equal(t, ErrForbidden, FromError(wrapped))
}

func TestWrapAsKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapAs(ErrStorage, cause, "failed to store blob")
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Equal(t, "failed to store blob: disk full", err.Error())
}
