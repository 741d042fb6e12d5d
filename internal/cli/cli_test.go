package cli

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/pmigo/internal/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Local(t *testing.T) {
	cfg, exit, err := Parse([]string{"-local", "-workers", "4", "-compress", "-log-level", "DEBUG"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, exit)

	want := &app.Config{
		Local:         true,
		Workers:       4,
		Listen:        "127.0.0.1:7070",
		ControllerURL: "ws://127.0.0.1:7070/pmi",
		Script:        app.DefaultScript,
		Compress:      true,
		LogFormat:     "text",
		LogLevel:      "debug",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Worker(t *testing.T) {
	args := []string{
		"-role", "Worker", "-rank", "2", "-workers", "3",
		"-controller", "ws://10.0.0.1:7070/pmi",
		"-job-id", "3f1c9e0a-3d7b-4b8e-9a43-0c8d9f6f1e21",
	}
	cfg, exit, err := Parse(args, &bytes.Buffer{})
	require.NoError(t, err)
	require.False(t, exit)
	assert.Equal(t, "worker", cfg.Role)
	assert.Equal(t, 2, cfg.Rank)
	assert.Equal(t, "ws://10.0.0.1:7070/pmi", cfg.ControllerURL)
}

func TestParse_HelpAndUsage(t *testing.T) {
	out := &bytes.Buffer{}
	cfg, exit, err := Parse([]string{"-h"}, out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Nil(t, cfg)

	out.Reset()
	_, exit, err = Parse(nil, out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown flag", []string{"-nope"}, "flag provided but not defined"},
		{"positional argument", []string{"-local", "extra"}, "unexpected arguments: extra"},
		{"role and local", []string{"-local", "-role", "worker"}, "mutually exclusive"},
		{"bad log format", []string{"-local", "-log-format", "xml"}, "invalid log-format"},
		{"bad log level", []string{"-local", "-log-level", "loud"}, "invalid log-level"},
		{"worker without job id", []string{"-role", "worker"}, "job id"},
		{"zero workers", []string{"-local", "-workers", "0"}, "at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(tt.args, &bytes.Buffer{})
			var exitErr *ExitError
			require.True(t, errors.As(err, &exitErr), "got %v", err)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tt.want)
		})
	}
}
