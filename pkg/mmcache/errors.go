package mmcache

import "errors"

// Sentinel errors returned by mmcache operations.
//
// Errors are wrapped with context; use [errors.Is] to classify them:
//
//	if errors.Is(err, mmcache.ErrNotFound) {
//	    // fall back to the source of truth
//	}
var (
	// ErrInvalidArgument indicates invalid options or operation arguments.
	//
	// Common causes: empty or oversize key (max 1024 bytes), a page count of
	// zero for a store that does not exist yet, a TTL beyond the expiry
	// horizon.
	//
	// This is a programming error.
	ErrInvalidArgument = errors.New("mmcache: invalid argument")

	// ErrTooLarge indicates key+value exceed the largest chunk capacity
	// ([MaxEntrySize] bytes).
	ErrTooLarge = errors.New("mmcache: entry too large")

	// ErrOutOfSpace indicates the store could not make room even after
	// evicting every evictable entry.
	//
	// Recovery: recreate the store with more pages.
	ErrOutOfSpace = errors.New("mmcache: out of space")

	// ErrNotFound indicates a key is not present (or has expired).
	ErrNotFound = errors.New("mmcache: not found")

	// ErrProtocolMismatch indicates the on-disk state is inconsistent with
	// this implementation or with the options passed to [Open]: bad magic,
	// foreign byte order, mismatched page count, damaged header fields.
	//
	// Recovery: delete both files and recreate the store.
	ErrProtocolMismatch = errors.New("mmcache: inconsistent state")

	// ErrUnsupported indicates the store was written by a different format
	// version.
	ErrUnsupported = errors.New("mmcache: different version")

	// ErrClosed indicates the [Cache] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("mmcache: closed")

	// ErrSystemIO indicates a failing file, mapping or lock syscall. The
	// underlying error is joined and can be inspected with [errors.As].
	ErrSystemIO = errors.New("mmcache: system i/o")

	// ErrTimeout indicates the store lock could not be acquired within
	// [Options.LockTimeout].
	//
	// Recovery: retry after a short delay with backoff.
	ErrTimeout = errors.New("mmcache: lock timeout")
)
