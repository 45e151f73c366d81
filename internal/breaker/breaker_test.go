package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteReturnsResultOnSuccess(t *testing.T) {
	b := New(Config{Name: "test"})

	result, err := b.Execute(func() (interface{}, error) { return "ok", nil })

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, Closed, b.State())
}

func TestExecutePropagatesUnderlyingError(t *testing.T) {
	b := New(Config{Name: "test"})
	wantErr := errors.New("boom")

	_, err := b.Execute(func() (interface{}, error) { return nil, wantErr })

	assert.ErrorIs(t, err, wantErr)
}

func TestExecuteOpensAfterFailureThreshold(t *testing.T) {
	b := New(Config{Name: "test", FailureThreshold: 2, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, errors.New("fail") })
	}

	assert.Equal(t, Open, b.State())

	_, err := b.Execute(func() (interface{}, error) { return "unreachable", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestStateStringValues(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
}
