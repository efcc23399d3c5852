package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	cause := New("connection refused")
	wrapped := Wrapf(cause, "failed to claim job on poller %d", 3)

	assert.Contains(t, wrapped.Error(), "failed to claim job on poller 3")
	assert.Contains(t, wrapped.Error(), "connection refused")
	assert.True(t, Is(wrapped, cause))
}

func TestMarkClassifiesWithoutChangingMessage(t *testing.T) {
	driverErr := New("database is locked")
	marked := Mark(driverErr, ErrServiceUnavailable)

	assert.Equal(t, "database is locked", marked.Error())
	assert.True(t, IsServiceUnavailableError(marked))
	assert.True(t, IsServiceUnavailableError(Wrap(marked, "tick aborted")))
	assert.False(t, IsNotFoundError(marked))
}

func TestSentinelConstructors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		err := NewNotFoundError("job not found: %d", 42)
		assert.Equal(t, "job not found: 42", err.Error())
		assert.True(t, IsNotFoundError(err))
		assert.False(t, IsInvalidRequestError(err))
	})

	t.Run("invalid request", func(t *testing.T) {
		err := NewInvalidRequestError("payload missing %s", "targets")
		assert.True(t, IsInvalidRequestError(err))
		assert.False(t, IsNotFoundError(nil))
	})
}

type statusErr struct {
	status string
}

func (e *statusErr) Error() string { return "resource is " + e.status }

func TestAsThroughDetails(t *testing.T) {
	err := WithDetail(Wrap(&statusErr{status: "banned"}, "connect"), "Resource ID: 7")

	var target *statusErr
	require.True(t, As(err, &target))
	assert.Equal(t, "banned", target.status)
	assert.Contains(t, GetAllDetails(err), "Resource ID: 7")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.False(t, IsServiceUnavailableError(nil))
}

func TestStackTrace(t *testing.T) {
	detailed := fmt.Sprintf("%+v", New("with stack"))
	assert.Contains(t, detailed, "errors_test.go")
}

func ExampleWrap() {
	err := Wrap(New("no rows"), "failed to get job")
	fmt.Println(err)
	// Output: failed to get job: no rows
}
