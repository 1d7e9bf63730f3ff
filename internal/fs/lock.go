package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrWouldBlock is returned, wrapped, by the *WithTimeout methods when a
	// conflicting lock is still held once the timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	// errReplaced means the lock file was swapped between open and flock.
	// The attempt is retried with a fresh descriptor.
	errReplaced = errors.New("lock file replaced")
)

// Locker takes readers/writer locks on lock files using flock(2).
//
// flock is advisory and attaches to the open file description, so every
// process (and every handle inside one process) that touches the guarded
// resource must go through the same lock file. Two descriptors opened by the
// same process conflict with each other like descriptors of two processes.
//
// The lock file is created on first use together with its parent directory.
// It must stay in place while locks may be held: after flock succeeds the
// Locker checks that the locked inode is still the one at path and retries
// otherwise, but a replacement after that check goes unnoticed.
//
// Exclusive locks open the file O_RDWR, shared locks O_RDONLY, so a read-only
// lock file still admits readers.
//
// Locker is safe for concurrent use as long as its [FS] is. The [FS] must hand
// out real descriptors ([File.Fd]) and report *syscall.Stat_t from Sys().
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker creates a Locker that opens lock files through fs.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:    fs,
		flock: syscall.Flock,
	}
}

// Lock is a held file lock. Call [Lock.Close] to release it.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close unlocks and closes the lock file. It is idempotent.
//
// Closing the descriptor releases the flock even if the explicit unlock
// failed, so an error here is worth logging but rarely worth acting on. When
// both steps fail the errors are joined.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(lk.flock, int(lk.file.Fd()), syscall.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// Lock acquires an exclusive lock on path, blocking in the kernel until it is
// available. There is no upper bound on the wait; use [Locker.LockWithTimeout]
// when one is needed.
func (l *Locker) Lock(path string) (*Lock, error) {
	return l.obtain(path, exclusiveLock, waitForever)
}

// RLock acquires a shared lock on path, blocking until no exclusive lock is
// held. Any number of shared locks may be held at once.
func (l *Locker) RLock(path string) (*Lock, error) {
	return l.obtain(path, sharedLock, waitForever)
}

// LockWithTimeout acquires an exclusive lock, polling with non-blocking flock
// calls and a 1ms to 25ms backoff until timeout has passed. The deadline is
// best effort and may overshoot by one sleep.
//
// Returns an error wrapping [ErrWouldBlock] on timeout and
// [ErrInvalidTimeout] if timeout <= 0.
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return l.obtain(path, exclusiveLock, timeout)
}

// RLockWithTimeout is the shared counterpart of [Locker.LockWithTimeout].
func (l *Locker) RLockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return l.obtain(path, sharedLock, timeout)
}

type lockType int

const (
	sharedLock    lockType = syscall.LOCK_SH
	exclusiveLock lockType = syscall.LOCK_EX
)

func (lt lockType) openFlag() int {
	if lt == sharedLock {
		return os.O_RDONLY
	}

	return os.O_RDWR
}

// waitForever selects a blocking flock in obtain.
const waitForever time.Duration = -1

const (
	minBackoff = time.Millisecond
	maxBackoff = 25 * time.Millisecond
)

// obtain runs the open, flock, verify loop.
//
//   - wait < 0: blocking flock, retried only when the file was replaced
//   - wait > 0: non-blocking attempts with backoff until wait has passed
func (l *Locker) obtain(path string, lt lockType, wait time.Duration) (*Lock, error) {
	blocking := wait < 0
	deadline := time.Now().Add(wait)
	backoff := minBackoff

	for {
		file, err := l.openLockFile(path, lt.openFlag())
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, lt, blocking)
		if err == nil {
			return &Lock{file: file, flock: l.flock}, nil
		}

		_ = file.Close()

		replaced := errors.Is(err, errReplaced)

		switch {
		case blocking && replaced:
			continue
		case blocking, !replaced && !errors.Is(err, ErrWouldBlock):
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if replaced {
				return nil, fmt.Errorf("%w: timed out after %s (lock file was replaced while acquiring lock)", ErrWouldBlock, wait)
			}

			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, wait)
		}

		time.Sleep(min(backoff, remaining))

		backoff = min(backoff*2, maxBackoff)
	}
}

// acquire flocks file and checks that it is still the file at path. On
// failure the flock is dropped but file stays open for the caller to close.
//
// Returns nil, [ErrWouldBlock] (non-blocking only), errReplaced, or another
// error.
func (l *Locker) acquire(file File, path string, lt lockType, blocking bool) error {
	fd := int(file.Fd())

	how := int(lt)
	if !blocking {
		how |= syscall.LOCK_NB
	}

	if err := flockRetryEINTR(l.flock, fd, how); err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	same, err := l.sameInode(path, file)
	if err == nil && same {
		return nil
	}

	_ = flockRetryEINTR(l.flock, fd, syscall.LOCK_UN)

	if err == nil || errors.Is(err, os.ErrNotExist) {
		return errReplaced
	}

	return fmt.Errorf("verifying inode match: %w", err)
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o750
)

func (l *Locker) openLockFile(path string, flag int) (File, error) {
	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// sameInode reports whether f and the file currently at path share device and
// inode. flock binds to the inode, so a rename or delete+recreate of path
// while we waited would leave us holding a lock nobody else will see.
func (l *Locker) sameInode(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

// flockRetryEINTR calls flock until it is not interrupted by a signal, giving
// up after a bounded number of attempts.
func flockRetryEINTR(flock func(fd int, how int) error, fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
