// Package fs is the small filesystem surface the store, the snapshot
// writer and the CLI go through.
//
// [Real] passes through to [os] and writes whole files atomically with
// github.com/natefinch/atomic. [Locker] hands out flock based
// readers/writer locks on lock files.
package fs

import (
	"io"
	"os"
)

// File is an open descriptor. [os.File] satisfies it.
type File interface {
	io.ReadWriteCloser

	// Fd is needed for flock(2).
	Fd() uintptr
	Stat() (os.FileInfo, error)
	Sync() error

	// Truncate grows or shrinks the file. Growth leaves a sparse hole where
	// the filesystem supports it, which is how data files are sized.
	Truncate(size int64) error
}

// FS lists the operations mmcache performs on paths.
type FS interface {
	Open(path string) (File, error)
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	ReadFile(path string) ([]byte, error)

	// WriteAtomic streams r to a temp file next to path, syncs it and
	// renames it over path. Readers see the old file or the complete new
	// one; a failing r leaves path untouched.
	WriteAtomic(path string, r io.Reader) error

	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)

	// Exists returns (false, nil) for a missing path and (false, err) when
	// stat fails for another reason.
	Exists(path string) (bool, error)
}

var _ File = (*os.File)(nil)
