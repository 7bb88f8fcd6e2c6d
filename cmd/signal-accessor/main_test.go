package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		args []string
		mode string
		rest []string
	}{
		{nil, "serve", nil},
		{[]string{"serve"}, "serve", nil},
		{[]string{"export"}, "export", []string{}},
		{[]string{"export", "power", "error"}, "export", []string{"power", "error"}},
	}
	for _, tt := range tests {
		mode, rest, err := parseArgs(tt.args)
		require.NoError(t, err)
		assert.Equal(t, tt.mode, mode)
		assert.Equal(t, tt.rest, rest)
	}
}

func TestParseArgs_Invalid(t *testing.T) {
	_, _, err := parseArgs([]string{"migrate"})
	assert.ErrorContains(t, err, `unknown command "migrate"`)

	_, _, err = parseArgs([]string{"serve", "now"})
	assert.Error(t, err)
}

func TestRun_BadConfigExitsNonZero(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "not-a-port")
	assert.Equal(t, 1, run(nil))
}

func TestRun_UnknownCommand(t *testing.T) {
	assert.Equal(t, 2, run([]string{"bogus"}))
}
