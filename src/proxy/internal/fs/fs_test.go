package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "pyvenv.cfg")
	require.NoError(t, os.WriteFile(file, []byte("home = /usr/bin\n"), 0644))

	f := New()

	exists, err := f.FileExists(file)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = f.FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = f.FileExists(dir)
	require.NoError(t, err)
	assert.False(t, exists, "directories are not regular files")
}

func TestFileExistsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.cfg")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))
	link := filepath.Join(dir, "link.cfg")
	require.NoError(t, os.Symlink(target, link))

	f := New()
	exists, err := f.FileExists(link)
	require.NoError(t, err)
	assert.False(t, exists, "symlinked marker files are not dereferenced")
}

func TestEntryExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: elsewhere\n"), 0644))

	f := New()

	exists, err := f.EntryExists(filepath.Join(dir, ".git"))
	require.NoError(t, err)
	assert.True(t, exists, "a .git file counts as an entry")

	exists, err = f.EntryExists(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDirExists(t *testing.T) {
	dir := t.TempDir()
	f := New()

	exists, err := f.DirExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = f.DirExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.py"), nil, 0644))

	f := New()
	entries, err := f.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestGetwd(t *testing.T) {
	f := New()
	wd, err := f.Getwd()
	require.NoError(t, err)
	assert.NotEmpty(t, wd)
}
