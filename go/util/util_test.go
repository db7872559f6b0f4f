package util

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIn(t *testing.T) {
	assert.True(t, In("b", []string{"a", "b", "c"}))
	assert.False(t, In("z", []string{"a", "b", "c"}))
	assert.False(t, In("a", nil))
}

func TestWithWriteFile_WritesContentsAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	err := WithWriteFile(path, func(w io.Writer) error {
		_, werr := w.Write([]byte("hello"))
		return werr
	})
	require.NoError(t, err)
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(contents))
}

func TestWithWriteFile_PropagatesWriterError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	sentinel := errors.New("write failed")
	err := WithWriteFile(path, func(w io.Writer) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestMkdirAll_CreatesNestedDirs(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a", "b", "c")
	require.NoError(t, MkdirAll(target))
	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFileExists(t *testing.T) {
	root := t.TempDir()
	present := filepath.Join(root, "present")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0644))

	assert.True(t, FileExists(present))
	assert.False(t, FileExists(filepath.Join(root, "absent")))
}

func TestMoveFile_RenamesAndCreatesDestDir(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	dst := filepath.Join(root, "nested", "dst.txt")
	require.NoError(t, MoveFile(src, dst))

	assert.False(t, FileExists(src))
	contents, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(contents))
}
