package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	missing := checkChats(&Config{Source: -1001})
	require.Error(t, missing)
	assert.Equal(t, exitMissingChats, exitCode(missing))
	assert.Equal(t, exitMissingChats, exitCode(fmt.Errorf("sync: %w", missing)))
	assert.Equal(t, exitFatal, exitCode(errors.New("failed to fetch source history")))
	assert.NotEqual(t, exitMissingChats, exitFatal)
}

func TestCheckChats(t *testing.T) {
	assert.NoError(t, checkChats(&Config{Source: -1001, Destination: -1002}))
	assert.Error(t, checkChats(&Config{Destination: -1002}))
}
