// Store lock behavior: one lock file per store, shared for reads and
// exclusive for mutation.
//
// Oracle: ErrWouldBlock/ErrInvalidTimeout and which holders may coexist.
// Technique: real flock on files in t.TempDir(); stubbed FS and flock for
// kernel errors and lock file replacement.

package fs

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shortWait = 30 * time.Millisecond

func storeLockPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "store.lock")
}

func Test_Locker_Readers_Share_Store_Lock_And_Block_Writer(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := storeLockPath(t)

	r1, err := locker.RLock(path)
	require.NoError(t, err)

	r2, err := locker.RLockWithTimeout(path, shortWait)
	require.NoError(t, err, "second reader")

	_, err = locker.LockWithTimeout(path, shortWait)
	require.ErrorIs(t, err, ErrWouldBlock)
	assert.Contains(t, err.Error(), "timed out")

	require.NoError(t, r1.Close())
	require.NoError(t, r2.Close())

	w, err := locker.LockWithTimeout(path, shortWait)
	require.NoError(t, err, "writer after readers left")
	require.NoError(t, w.Close())
}

func Test_Locker_Writer_Excludes_Readers_Until_Released(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := storeLockPath(t)

	w, err := locker.Lock(path)
	require.NoError(t, err)

	_, err = locker.RLockWithTimeout(path, shortWait)
	require.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, w.Close())

	r, err := locker.RLockWithTimeout(path, shortWait)
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func Test_Locker_Blocked_Writer_Proceeds_When_Reader_Releases(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := storeLockPath(t)

	r, err := locker.RLock(path)
	require.NoError(t, err)

	got := make(chan error, 1)

	go func() {
		w, err := locker.Lock(path)
		if err == nil {
			err = w.Close()
		}
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("writer got the lock while a reader held it: %v", err)
	case <-time.After(shortWait):
	}

	require.NoError(t, r.Close())
	require.NoError(t, <-got)
}

func Test_Locker_Handles_In_One_Process_Conflict(t *testing.T) {
	t.Parallel()

	// the parent directory is created on first use
	path := filepath.Join(t.TempDir(), "nested", "store.lock")

	held, err := NewLocker(NewReal()).Lock(path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = held.Close() })

	_, err = NewLocker(NewReal()).RLockWithTimeout(path, shortWait)
	require.ErrorIs(t, err, ErrWouldBlock)

	other, err := NewLocker(NewReal()).LockWithTimeout(filepath.Join(filepath.Dir(path), "other.lock"), shortWait)
	require.NoError(t, err, "another store's lock is independent")
	require.NoError(t, other.Close())
}

func Test_Locker_Rejects_Non_Positive_Timeouts(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := storeLockPath(t)

	for _, d := range []time.Duration{0, -time.Second} {
		_, err := locker.LockWithTimeout(path, d)
		require.ErrorIs(t, err, ErrInvalidTimeout, "exclusive %s", d)

		_, err = locker.RLockWithTimeout(path, d)
		require.ErrorIs(t, err, ErrInvalidTimeout, "shared %s", d)
	}
}

func Test_Locker_Admits_Readers_On_ReadOnly_Lock_File(t *testing.T) {
	t.Parallel()

	path := storeLockPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o444))

	r, err := NewLocker(NewReal()).RLock(path)
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func Test_Lock_Close_Is_Idempotent_And_Allows_Reacquire(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := storeLockPath(t)

	for range 3 {
		w, err := locker.LockWithTimeout(path, shortWait)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
	}
}

func Test_Locker_Maps_Kernel_WouldBlock_To_ErrWouldBlock(t *testing.T) {
	t.Parallel()

	for _, errno := range []syscall.Errno{syscall.EWOULDBLOCK, syscall.EAGAIN} {
		locker := NewLocker(stubLockFS{
			openFile: func(string, int, os.FileMode) (File, error) {
				return &stubLockFile{fd: 123}, nil
			},
		})
		locker.flock = func(int, int) error { return errno }

		lock, err := locker.LockWithTimeout("store.lock", 5*time.Millisecond)
		require.ErrorIs(t, err, ErrWouldBlock, "%v", errno)
		assert.Nil(t, lock)
	}
}

func Test_Locker_Times_Out_When_Lock_File_Keeps_Being_Replaced(t *testing.T) {
	t.Parallel()

	openInfo := &syscall.Stat_t{Dev: 1, Ino: 1}
	pathInfo := &syscall.Stat_t{Dev: 1, Ino: 2}

	locker := NewLocker(stubLockFS{
		openFile: func(string, int, os.FileMode) (File, error) {
			return &stubLockFile{
				fd:   123,
				stat: func() (os.FileInfo, error) { return stubFileInfo{sys: openInfo}, nil },
			}, nil
		},
		stat: func(string) (os.FileInfo, error) { return stubFileInfo{sys: pathInfo}, nil },
	})
	locker.flock = func(int, int) error { return nil }

	_, err := locker.LockWithTimeout("store.lock", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrWouldBlock)
	assert.Contains(t, err.Error(), "lock file was replaced")
}

func Test_Locker_Relocks_The_Current_File_After_Replacement(t *testing.T) {
	t.Parallel()

	stale := &syscall.Stat_t{Dev: 1, Ino: 1}
	current := &syscall.Stat_t{Dev: 1, Ino: 2}

	opens := 0

	locker := NewLocker(stubLockFS{
		openFile: func(string, int, os.FileMode) (File, error) {
			opens++

			info := current
			if opens == 1 {
				info = stale
			}

			return &stubLockFile{
				fd:   uintptr(100 + opens),
				stat: func() (os.FileInfo, error) { return stubFileInfo{sys: info}, nil },
			}, nil
		},
		stat: func(string) (os.FileInfo, error) { return stubFileInfo{sys: current}, nil },
	})
	locker.flock = func(int, int) error { return nil }

	lock, err := locker.Lock("store.lock")
	require.NoError(t, err)
	require.NoError(t, lock.Close())
	assert.Equal(t, 2, opens)
}

// stubLockFS embeds a nil FS: methods the locker must not call panic.
type stubLockFS struct {
	FS

	openFile func(path string, flag int, perm os.FileMode) (File, error)
	stat     func(path string) (os.FileInfo, error)
}

func (s stubLockFS) MkdirAll(string, os.FileMode) error { return nil }

func (s stubLockFS) Stat(path string) (os.FileInfo, error) { return s.stat(path) }

func (s stubLockFS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return s.openFile(path, flag, perm)
}

// stubLockFile only answers Fd, Stat and Close.
type stubLockFile struct {
	File

	fd   uintptr
	stat func() (os.FileInfo, error)
}

func (f *stubLockFile) Close() error               { return nil }
func (f *stubLockFile) Fd() uintptr                { return f.fd }
func (f *stubLockFile) Stat() (os.FileInfo, error) { return f.stat() }

type stubFileInfo struct{ sys any }

func (stubFileInfo) Name() string       { return "stub" }
func (stubFileInfo) Size() int64        { return 0 }
func (stubFileInfo) Mode() os.FileMode  { return 0 }
func (stubFileInfo) ModTime() time.Time { return time.Time{} }
func (stubFileInfo) IsDir() bool        { return false }
func (fi stubFileInfo) Sys() any        { return fi.sys }

var _ FS = (*stubLockFS)(nil)
var _ File = (*stubLockFile)(nil)
