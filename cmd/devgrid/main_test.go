package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/devgrid/internal/cli"
)

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	// The "-h" (help) flag should cause cli.Parse to return `shouldExit=true`.
	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"-h"})

	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"--this-is-not-a-valid-flag"})

	require.Error(t, err, "run() should return an error when argument parsing fails")
	require.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 2, exitErr.Code)
}

func TestRun_InvalidProjectFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devgrid.hcl"), []byte("style {\n  out_dir = \n"), 0o600))

	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"-dir", dir, "clean"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to parse")
	require.Contains(t, out.String(), "[devgrid flags]")
}

func TestRun_Clean(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "public", "old"), 0o755))

	out := &bytes.Buffer{}
	require.NoError(t, run(context.Background(), out, []string{"-dir", dir, "-log-format", "json", "clean"}))

	entries, err := os.ReadDir(filepath.Join(dir, "public"))
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Contains(t, out.String(), `Execution finished.","run_id":`)
}
