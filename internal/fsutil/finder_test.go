package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, WriteFile(path, []byte(content)))
}

func TestFindEntryFiles_IgnoresPartials(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "main.scss"), "a{}")
	write(t, filepath.Join(root, "admin.sass"), "a\n  b: c")
	write(t, filepath.Join(root, "_variables.scss"), "$x: 1;")
	write(t, filepath.Join(root, "notes.txt"), "")
	write(t, filepath.Join(root, "nested", "deep.scss"), "a{}")

	files, err := FindEntryFiles(root, ".scss", ".sass")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "admin.sass"),
		filepath.Join(root, "main.scss"),
	}, files)
}

func TestFindEntryFiles_PanicsWithoutExtension(t *testing.T) {
	assert.Panics(t, func() { _, _ = FindEntryFiles(t.TempDir()) })
}

func TestClean_RecreatesDirAndCopiesKeepFiles(t *testing.T) {
	project := t.TempDir()
	public := filepath.Join(project, "public")
	write(t, filepath.Join(project, ".gitignore"), "*\n")
	write(t, filepath.Join(public, "js", "app.js"), "old")

	copied, err := Clean(public, project, ".gitignore", "missing.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(public, ".gitignore")}, copied)

	_, err = os.Stat(filepath.Join(public, "js", "app.js"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(public, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "*\n", string(data))
}

func TestClean_RefusesDangerousTargets(t *testing.T) {
	project := t.TempDir()

	_, err := Clean("/", project)
	assert.Error(t, err)

	_, err = Clean(project, project)
	assert.ErrorContains(t, err, "project directory")
}
