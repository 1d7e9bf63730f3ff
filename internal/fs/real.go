package fs

import (
	"errors"
	"io"
	"os"

	"github.com/natefinch/atomic"
)

// Real is the production [FS].
type Real struct{}

func NewReal() *Real { return &Real{} }

func (*Real) Open(path string) (File, error) { return os.Open(path) }

func (*Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (*Real) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// WriteAtomic keeps the permissions of an existing file; new files get 0600
// from the temp file.
func (*Real) WriteAtomic(path string, src io.Reader) error {
	return atomic.WriteFile(path, src)
}

func (*Real) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (*Real) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

func (*Real) Exists(path string) (bool, error) {
	_, err := os.Stat(path)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

var _ FS = (*Real)(nil)
