package breaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutePassesThroughSuccess(t *testing.T) {
	b := New("test")
	result, err := b.Execute(func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestExecuteTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test-trip")
	fail := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, err := b.Execute(func() (any, error) { return nil, fail })
		assert.ErrorIs(t, err, fail)
	}

	_, err := b.Execute(func() (any, error) { return 1, nil })
	assert.Error(t, err, "breaker should be open after 5 consecutive failures")
}
