package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestFindFilesByExtension(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b", "two.hcl"))
	writeFile(t, filepath.Join(root, "a", "one.hcl"))
	writeFile(t, filepath.Join(root, "a", "notes.txt"))
	single := filepath.Join(t.TempDir(), "single.hcl")
	writeFile(t, single)

	files, err := FindFilesByExtension(".hcl", root, single, filepath.Join(root, "a", "one.hcl"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(root, "a", "one.hcl"),
		filepath.Join(root, "b", "two.hcl"),
		single,
	}, files)
}

func TestFindFilesByExtension_MissingRoot(t *testing.T) {
	_, err := FindFilesByExtension(".hcl", filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestFindFilesByExtension_EmptyExtensionPanics(t *testing.T) {
	assert.Panics(t, func() { _, _ = FindFilesByExtension("", ".") })
}
