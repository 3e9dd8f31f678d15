package sailerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := FileSystem(cause, "writing manifest")

	assert.Equal(t, CategoryFileSystem, err.Category())
	assert.True(t, err.IsRetryable())
	assert.Contains(t, err.Error(), "disk full")
}

func TestAsUnwrapsSailError(t *testing.T) {
	var err error = Configuration("unknown task ref %q", "^build")

	se, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, CategoryConfiguration, se.Category())
}

func TestWithContextChains(t *testing.T) {
	err := Dependency("cycle detected").WithContext("cycle", []string{"a", "b", "a"})

	assert.Equal(t, []string{"a", "b", "a"}, err.Context()["cycle"])
}

func TestExecutionNotRetryableByDefault(t *testing.T) {
	err := Execution("exit code 1")
	assert.False(t, err.IsRetryable())
}
