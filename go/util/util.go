// Package util collects small, generically useful helpers shared across
// the LTM components.
package util

import (
	"io"
	"os"
	"path/filepath"
)

// In returns true if s is present in list.
func In(s string, list []string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// WithWriteFile opens path for writing (truncating any existing contents),
// calls fn with the resulting writer, and closes the file. If fn returns an
// error, or the file cannot be created, that error is returned. The parent
// directory must already exist.
func WithWriteFile(path string, fn func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	werr := fn(f)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// MkdirAll is a thin wrapper around os.MkdirAll with a fixed, permissive
// mode, matching the directories the LTM creates for run and shard logs.
func MkdirAll(path string) error {
	return os.MkdirAll(path, 0755)
}

// FileExists returns true if path exists, regardless of type.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MoveFile moves src to dst, creating dst's parent directory if needed.
// Falls back to copy+remove if the rename fails across devices.
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
