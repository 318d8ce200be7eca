package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := Wrap(ErrSourceUnavailable, "breaker open for pexels")

	assert.True(t, Is(wrapped, ErrSourceUnavailable))
	assert.Contains(t, wrapped.Error(), "breaker open for pexels")
	assert.Contains(t, wrapped.Error(), "source unavailable")
}

func TestNotFoundHelpers(t *testing.T) {
	err := NewNotFoundError("job %s", "abc")
	require.Error(t, err)

	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "job abc")
	assert.False(t, IsNotFoundError(nil))
}

func TestInvalidRequestHelpers(t *testing.T) {
	err := NewInvalidRequestError("target must be positive, got %d", -1)

	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "got -1")
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return "status" }

func TestAsThroughWrap(t *testing.T) {
	wrapped := Wrapf(&statusError{code: 503}, "attempt %d", 2)

	var target *statusError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, 503, target.code)
}

func TestDetailsAreRecorded(t *testing.T) {
	base := New("ledger write failed")
	err := WithDetail(base, "URL hash: deadbeef")

	details := GetAllDetails(err)
	assert.Contains(t, details, "URL hash: deadbeef")
	assert.NotNil(t, GetStack(base))
	assert.Contains(t, fmt.Sprintf("%+v", err), "TestDetailsAreRecorded")
}
