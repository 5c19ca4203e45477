package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunReportsFailureOnStderr(t *testing.T) {
	var stderr bytes.Buffer

	code := run([]string{"no-such-command"}, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "keymctl:")
	assert.Contains(t, stderr.String(), "no-such-command")
}

func TestRunSucceedsOnHelp(t *testing.T) {
	var stderr bytes.Buffer

	code := run([]string{"--help"}, &stderr)

	assert.Equal(t, 0, code)
	assert.Empty(t, stderr.String())
}
