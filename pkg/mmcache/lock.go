package mmcache

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calvinalkan/mmcache/internal/fs"
)

// Locking architecture
//
//  1. Cache.mu serializes all calls on one handle and guards its mappings,
//     which a call may replace when another process grew the extent array.
//
//  2. The store lock is a flock on Path+".lock": shared for reads, exclusive
//     for mutations. It is taken and released inside every public call and
//     never held between calls.
//
// Lock ordering: Cache.mu → store lock.

// locker is the package-level file locker. Uses fs.Real with inode
// verification and EINTR handling.
var locker = fs.NewLocker(fs.NewReal())

// storeLock is the readers/writer lock over one store.
type storeLock struct {
	path     string
	timeout  time.Duration
	disabled bool
	log      *slog.Logger
}

func newStoreLock(base string, timeout time.Duration, disabled bool, log *slog.Logger) *storeLock {
	return &storeLock{
		path:     base + ".lock",
		timeout:  timeout,
		disabled: disabled,
		log:      log,
	}
}

// shared acquires the lock for reading. The returned release func is never
// nil.
func (s *storeLock) shared() (func(), error) {
	return s.acquire(false)
}

// exclusive acquires the lock for mutation.
func (s *storeLock) exclusive() (func(), error) {
	return s.acquire(true)
}

func (s *storeLock) acquire(exclusive bool) (func(), error) {
	if s.disabled {
		return func() {}, nil
	}

	var (
		lk  *fs.Lock
		err error
	)

	switch {
	case exclusive && s.timeout > 0:
		lk, err = locker.LockWithTimeout(s.path, s.timeout)
	case exclusive:
		lk, err = locker.Lock(s.path)
	case s.timeout > 0:
		lk, err = locker.RLockWithTimeout(s.path, s.timeout)
	default:
		lk, err = locker.RLock(s.path)
	}

	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return func() {}, fmt.Errorf("acquire store lock: %w: %w", ErrTimeout, err)
		}

		return func() {}, fmt.Errorf("acquire store lock: %w: %w", ErrSystemIO, err)
	}

	return func() { s.release(lk) }, nil
}

// release drops a held lock. Failures are logged; the descriptor is closed
// either way, which releases the flock.
func (s *storeLock) release(lk *fs.Lock) {
	if err := lk.Close(); err != nil {
		s.log.Warn("release store lock", "path", s.path, "err", err)
	}
}
