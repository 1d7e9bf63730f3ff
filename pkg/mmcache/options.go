package mmcache

import (
	"log/slog"
	"time"
)

// WritebackMode controls when mutations are flushed to disk.
type WritebackMode int

const (
	// WritebackNone leaves flushing to the kernel.
	//
	// Changes are visible to other processes immediately but may be lost
	// on power failure. This is the default and fastest mode.
	WritebackNone WritebackMode = iota

	// WritebackSync flushes both mappings with msync(2) before a mutating
	// call returns.
	WritebackSync
)

// EvictReason explains why an entry was removed without a Delete.
type EvictReason int

const (
	// EvictCapacity: removed (oldest first) to make room for a put.
	EvictCapacity EvictReason = iota
	// EvictExpired: found expired on access and removed lazily.
	EvictExpired
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Metrics exposes cache-level observability hooks.
// [NoopMetrics] is used when [Options.Metrics] is nil.
//
// Hooks are called while the store lock is held; keep them cheap.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int64, bytes int64)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) Hit()              {}
func (NoopMetrics) Miss()             {}
func (NoopMetrics) Evict(EvictReason) {}
func (NoopMetrics) Size(int64, int64) {}

// Clock provides the current time; useful for deterministic expiry tests.
type Clock interface{ Now() time.Time }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures opening or creating a store.
//
// Zero values are safe; defaults are applied in [Open]:
//   - HashTableSize 0  => derived from PageCount
//   - InitialExtents 0 => 1024
//   - nil Logger       => discard
//   - nil Metrics      => NoopMetrics
//   - nil Clock        => time.Now
type Options struct {
	// Path is the base path of the store. Required.
	//
	// The files Path+".meta", Path+".data" and Path+".lock" are used.
	Path string

	// PageCount is the number of 1 MiB pages.
	//
	// When the store does not exist it is created with this many pages
	// (1 .. 2^24-1). When it exists, 0 accepts whatever is stored and any
	// other value must match it.
	PageCount int

	// HashTableSize is the order of the bucket array (2^HashTableSize
	// buckets), 10 .. 28. Fixed at creation. When opening an existing store,
	// 0 accepts the stored value.
	HashTableSize int

	// InitialExtents is the number of overflow extents created with the
	// store. The extent array doubles on demand.
	InitialExtents int

	// LockTimeout bounds lock acquisition. 0 waits indefinitely; a positive
	// value makes calls fail with [ErrTimeout] once it elapses.
	LockTimeout time.Duration

	// DisableLocking turns off the interprocess lock file.
	//
	// The caller MUST provide equivalent external synchronization.
	DisableLocking bool

	// Writeback controls durability of mutations. Default [WritebackNone].
	Writeback WritebackMode

	Logger  *slog.Logger
	Metrics Metrics
	Clock   Clock
}
