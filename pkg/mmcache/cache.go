package mmcache

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// Cache is a handle to an open store.
//
// A Cache is safe for concurrent use by multiple goroutines; calls on one
// handle are serialized. Any number of handles, in any number of processes,
// may share a store.
//
// A Cache must be obtained via [Open]; the zero value is not usable.
type Cache struct {
	_ [0]func() // prevent external construction

	mu sync.Mutex

	path   string
	metaFd int
	dataFd int
	meta   []byte // mmap'd meta file, remapped when the extent array grows
	data   []byte // mmap'd data file

	// immutable geometry from the header
	pages uint32
	order uint8

	lock      *storeLock
	writeback WritebackMode
	log       *slog.Logger
	metrics   Metrics
	clock     Clock

	// hints remembers per page type the last page that had a free chunk.
	hints [pageTypes]uint32

	isClosed bool
}

// Entry is a live key/value pair returned by [Cache.Range].
type Entry struct {
	Key   []byte
	Value []byte

	// Expires is the zero time for entries without expiry.
	Expires time.Time
}

// Stats is a point-in-time summary of a store.
type Stats struct {
	EntriesUsed uint64
	BytesUsed   uint64
	BytesWasted uint64
	PagesUsed   uint32

	PageCount   uint32
	Buckets     uint64
	Extents     uint32
	ExtentsFree uint32

	// LoadFactor is entries per bucket; LoadStdDev the standard deviation of
	// chain lengths.
	LoadFactor float64
	LoadStdDev float64
}

// hashKey hashes a key to 32 bits. All-ones marks unused entries and is
// folded onto its neighbour.
func hashKey(key []byte) uint32 {
	h := uint32(xxhash.Sum64(key))
	if h == noHash {
		h--
	}

	return h
}

func checkKey(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("empty key: %w", ErrInvalidArgument)
	}

	if len(key) > MaxKeySize {
		return fmt.Errorf("key of %d bytes exceeds max %d: %w", len(key), MaxKeySize, ErrInvalidArgument)
	}

	return nil
}

// Get returns a copy of the value stored under key and marks the entry as
// most recently used.
//
// The lookup runs under the shared store lock. Promotion takes the exclusive
// lock briefly afterwards and is skipped if the entry changed in between.
// Expired entries are reported as missing and removed.
//
// Possible errors: [ErrNotFound], [ErrInvalidArgument], [ErrClosed],
// [ErrTimeout], [ErrSystemIO], [ErrProtocolMismatch].
func (c *Cache) Get(key []byte) ([]byte, error) {
	return c.get(key, true)
}

// Peek is [Cache.Get] without LRU promotion or expiry cleanup. It only takes
// the shared store lock.
func (c *Cache) Peek(key []byte) ([]byte, error) {
	return c.get(key, false)
}

func (c *Cache) get(key []byte, promote bool) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return nil, ErrClosed
	}

	h := hashKey(key)

	value, id, e, expired, err := c.read(h, key)
	if err != nil {
		return nil, err
	}

	if id == noSlot {
		c.metrics.Miss()

		return nil, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}

	if promote {
		if err := c.settle(id, e, expired); err != nil {
			return nil, err
		}
	}

	if expired {
		c.metrics.Miss()

		return nil, fmt.Errorf("get %q: expired: %w", key, ErrNotFound)
	}

	c.metrics.Hit()

	return value, nil
}

// read performs the shared-lock half of a get.
func (c *Cache) read(h uint32, key []byte) ([]byte, slotID, entry, bool, error) {
	release, err := c.lock.shared()
	defer release()

	if err != nil {
		return nil, noSlot, entry{}, false, err
	}

	x, p, err := c.view()
	if err != nil {
		return nil, noSlot, entry{}, false, err
	}

	id, e, ok := c.find(x, p, h, key)
	if !ok {
		return nil, noSlot, entry{}, false, nil
	}

	if c.expired(e) {
		return nil, id, e, true, nil
	}

	buf, err := p.chunk(e.page, e.chunk)
	if err != nil {
		return nil, noSlot, entry{}, false, err
	}

	return bytes.Clone(buf[e.keyLen:e.size()]), id, e, false, nil
}

// settle promotes or, if expired, removes the entry found by read. Nothing
// happens if another caller replaced the entry in between.
func (c *Cache) settle(id slotID, e entry, expired bool) error {
	release, err := c.lock.exclusive()
	defer release()

	if err != nil {
		return err
	}

	x, p, err := c.view()
	if err != nil {
		return err
	}

	if !x.valid(id) {
		return nil
	}

	cur := x.locate(id)
	if !cur.used() || cur.get() != e {
		return nil
	}

	if !expired {
		x.touch(id)

		return nil
	}

	if err := c.drop(x, p, id, e); err != nil {
		return err
	}

	c.metrics.Evict(EvictExpired)
	c.reportSize(x.hdr)

	return c.flush(-1, 0)
}

// Put stores value under key, replacing any previous value. Least recently
// used entries are evicted as needed to make room.
//
// Possible errors: [ErrInvalidArgument], [ErrTooLarge], [ErrOutOfSpace],
// [ErrClosed], [ErrTimeout], [ErrSystemIO], [ErrProtocolMismatch].
func (c *Cache) Put(key, value []byte) error {
	return c.put(key, value, 0)
}

// PutTTL is [Cache.Put] with an expiry. ttl <= 0 means no expiry. Expiry has
// one-second resolution and must fall within 2^26-2 seconds of the store's
// creation time.
func (c *Cache) PutTTL(key, value []byte, ttl time.Duration) error {
	return c.put(key, value, ttl)
}

func (c *Cache) put(key, value []byte, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}

	size := len(key) + len(value)
	if size > MaxEntrySize {
		return fmt.Errorf("entry of %d bytes exceeds max %d: %w", size, MaxEntrySize, ErrTooLarge)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return ErrClosed
	}

	release, err := c.lock.exclusive()
	defer release()

	if err != nil {
		return err
	}

	x, p, err := c.view()
	if err != nil {
		return err
	}

	expiry, err := c.expiryFor(x.hdr, ttl)
	if err != nil {
		return err
	}

	h := hashKey(key)

	if id, old, ok := c.find(x, p, h, key); ok {
		if err := c.drop(x, p, id, old); err != nil {
			return err
		}
	}

	e := entry{
		hash:     h,
		keyLen:   len(key),
		valueLen: len(value),
		expiry:   expiry,
	}

	for {
		page, chunk, err := p.alloc(size, func() error { return c.evictOldest(x, p) })
		if err != nil {
			return err
		}

		if err := p.write(page, chunk, key, value); err != nil {
			return rollback(p, err, page, chunk)
		}

		e.page, e.chunk = page, chunk

		_, err = x.insert(e)
		if err == nil {
			break
		}

		if !errors.Is(err, errExtentsFull) {
			return rollback(p, err, page, chunk)
		}

		// The chunk goes back before the extent array is touched: a failed
		// growth can leave this handle without a meta mapping.
		if err := p.free(page, chunk); err != nil {
			return err
		}

		grown, err := c.growExtents()
		if err != nil {
			return err
		}

		if grown {
			x, p, err = c.view()
			if err != nil {
				return err
			}

			continue
		}

		if err := c.evictOldest(x, p); err != nil {
			if errors.Is(err, errNothingToEvict) {
				err = fmt.Errorf("no hash extent for %q: %w", key, ErrOutOfSpace)
			}

			return err
		}
	}

	x.hdr.addBytes(int64(size), p.waste(e.page, size))
	c.reportSize(x.hdr)

	return c.flush(int(e.page), 1)
}

// Delete removes key.
//
// Possible errors: [ErrNotFound], [ErrInvalidArgument], [ErrClosed],
// [ErrTimeout], [ErrSystemIO], [ErrProtocolMismatch].
func (c *Cache) Delete(key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return ErrClosed
	}

	release, err := c.lock.exclusive()
	defer release()

	if err != nil {
		return err
	}

	x, p, err := c.view()
	if err != nil {
		return err
	}

	id, e, ok := c.find(x, p, hashKey(key), key)
	if !ok {
		return fmt.Errorf("delete %q: %w", key, ErrNotFound)
	}

	if err := c.drop(x, p, id, e); err != nil {
		return err
	}

	c.reportSize(x.hdr)

	return c.flush(-1, 0)
}

// Stats returns counters from the header plus derived load figures.
//
// PagesUsed and ExtentsFree are counted, not stored: Stats walks every page
// descriptor and the extent free list, so it costs O(pages + extents).
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return Stats{}, ErrClosed
	}

	release, err := c.lock.shared()
	defer release()

	if err != nil {
		return Stats{}, err
	}

	x, p, err := c.view()
	if err != nil {
		return Stats{}, err
	}

	hdr := x.hdr
	st := Stats{
		EntriesUsed: hdr.entriesUsed(),
		BytesUsed:   hdr.bytesUsed(),
		BytesWasted: hdr.bytesWasted(),
		PagesUsed:   p.used(),
		PageCount:   c.pages,
		Buckets:     1 << c.order,
		Extents:     x.count,
	}

	if err := x.free.Attach(); err == nil {
		st.ExtentsFree = x.free.Free()
	}

	mean := float64(st.EntriesUsed) / float64(st.Buckets)
	variance := float64(hdr.entriesSquared())/float64(st.Buckets) - mean*mean
	st.LoadFactor = mean
	st.LoadStdDev = math.Sqrt(max(variance, 0))

	return st, nil
}

// Range calls fn for every live entry from least to most recently used,
// under the shared store lock, without promoting anything. Iteration stops
// when fn returns false. fn must not call methods on c.
func (c *Cache) Range(fn func(Entry) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return ErrClosed
	}

	release, err := c.lock.shared()
	defer release()

	if err != nil {
		return err
	}

	x, p, err := c.view()
	if err != nil {
		return err
	}

	var walkErr error

	x.walk(func(_ slotID, e entry) bool {
		if c.expired(e) {
			return true
		}

		buf, err := p.chunk(e.page, e.chunk)
		if err != nil {
			walkErr = err

			return false
		}

		out := Entry{
			Key:   bytes.Clone(buf[:e.keyLen]),
			Value: bytes.Clone(buf[e.keyLen:e.size()]),
		}

		if e.expiry != noExpiry {
			out.Expires = time.Unix(int64(x.hdr.timeOrigin())+int64(e.expiry), 0)
		}

		return fn(out)
	})

	return walkErr
}

// Sync flushes both mappings to disk.
func (c *Cache) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return ErrClosed
	}

	if err := msyncRange(c.meta, 0, len(c.meta)); err != nil {
		return err
	}

	return msyncRange(c.data, 0, len(c.data))
}

// Close unmaps the store and closes its files.
//
// After Close, all other methods return [ErrClosed].
// Close is idempotent; subsequent calls are no-ops.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return nil
	}

	c.isClosed = true

	var errs []error

	if c.meta != nil {
		errs = append(errs, unix.Munmap(c.meta))
		c.meta = nil
	}

	if c.data != nil {
		errs = append(errs, unix.Munmap(c.data))
		c.data = nil
	}

	errs = append(errs, unix.Close(c.metaFd), unix.Close(c.dataFd))

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close %s: %w: %w", c.path, ErrSystemIO, err)
	}

	return nil
}

// view remaps the meta file if another process grew the extent array and
// returns fresh views over both mappings. The caller holds the store lock.
func (c *Cache) view() (*hashIndex, *pageAllocator, error) {
	if c.meta == nil {
		return nil, nil, ErrClosed
	}

	if err := c.refresh(); err != nil {
		return nil, nil, err
	}

	x, err := newHashIndex(c.meta)
	if err != nil {
		return nil, nil, err
	}

	p := newPageAllocator(c.meta, c.data, c.pages)
	p.hints = &c.hints

	return x, p, nil
}

func (c *Cache) refresh() error {
	n := header(c.meta).extentsCount()
	if n == 0 || n > maxExtents {
		return fmt.Errorf("extents count %d outside 1..%d: %w", n, maxExtents, ErrProtocolMismatch)
	}

	want := newLayout(c.pages, c.order, n).metaSize()
	if want == int64(len(c.meta)) {
		return nil
	}

	var st unix.Stat_t
	if err := unix.Fstat(c.metaFd, &st); err != nil {
		return fmt.Errorf("stat meta file: %w: %w", ErrSystemIO, err)
	}

	if st.Size < want {
		return fmt.Errorf("meta file is %d bytes, %d extents need %d: %w", st.Size, n, want, ErrProtocolMismatch)
	}

	if err := c.remap(want); err != nil {
		return err
	}

	c.log.Info("remapped meta file", "path", c.path, "extents", n)

	return nil
}

func (c *Cache) remap(size int64) error {
	if err := unix.Munmap(c.meta); err != nil {
		return fmt.Errorf("munmap meta file: %w: %w", ErrSystemIO, err)
	}

	c.meta = nil

	meta, err := mmap(c.metaFd, size)
	if err != nil {
		// The handle has no usable mapping left.
		c.isClosed = true
		_ = unix.Close(c.metaFd)
		_ = unix.Munmap(c.data)
		_ = unix.Close(c.dataFd)
		c.data = nil

		return fmt.Errorf("remap meta file: %w", err)
	}

	c.meta = meta

	return nil
}

// growExtents doubles the extent array. Reports false when it is already at
// its maximum size. The caller holds the exclusive store lock and must
// rebuild its views.
func (c *Cache) growExtents() (bool, error) {
	hdr := header(c.meta)
	old := hdr.extentsCount()

	if old >= maxExtents {
		return false, nil
	}

	next := min(old*2, maxExtents)
	l := newLayout(c.pages, c.order, next)

	if err := unix.Ftruncate(c.metaFd, l.metaSize()); err != nil {
		return false, fmt.Errorf("grow meta file: %w: %w", ErrSystemIO, err)
	}

	if err := c.remap(l.metaSize()); err != nil {
		return false, err
	}

	// The header still records old, so this view covers the old extents only.
	x, err := newHashIndex(c.meta)
	if err != nil {
		return false, err
	}

	x.extents = c.meta[l.extentsOff():l.metaSize()]
	for ext := old; ext < next; ext++ {
		x.resetExtent(ext)
	}

	if err := x.free.Extend(x.extents, next); err != nil {
		return false, fmt.Errorf("extend extent free list: %w: %w", ErrProtocolMismatch, err)
	}

	header(c.meta).setExtentsCount(next)

	c.log.Info("grew hash extents", "path", c.path, "from", old, "to", next)

	return true, nil
}

// find looks up key, resolving hash collisions by comparing key bytes.
func (c *Cache) find(x *hashIndex, p *pageAllocator, h uint32, key []byte) (slotID, entry, bool) {
	return x.lookup(h, func(e entry) bool {
		if e.keyLen != len(key) {
			return false
		}

		buf, err := p.chunk(e.page, e.chunk)
		if err != nil || e.size() > len(buf) {
			return false
		}

		return bytes.Equal(buf[:e.keyLen], key)
	})
}

// rollback returns a chunk that never made it into the index. err is
// returned unchanged when the free succeeds.
func rollback(p *pageAllocator, err error, page, chunk uint32) error {
	if ferr := p.free(page, chunk); ferr != nil {
		return errors.Join(err, ferr)
	}

	return err
}

// drop frees an entry's chunk and removes it from the index.
func (c *Cache) drop(x *hashIndex, p *pageAllocator, id slotID, e entry) error {
	waste := p.waste(e.page, e.size())

	if err := p.free(e.page, e.chunk); err != nil {
		return err
	}

	if err := x.remove(id); err != nil {
		return err
	}

	x.hdr.addBytes(-int64(e.size()), -waste)

	return nil
}

// evictOldest drops the least recently used entry.
func (c *Cache) evictOldest(x *hashIndex, p *pageAllocator) error {
	id, e, ok := x.oldest()
	if !ok {
		return errNothingToEvict
	}

	if err := c.drop(x, p, id, e); err != nil {
		return err
	}

	c.metrics.Evict(EvictCapacity)
	c.log.Debug("evicted entry", "path", c.path, "page", e.page, "chunk", e.chunk, "bytes", e.size())

	return nil
}

func (c *Cache) now(hdr header) int64 {
	return c.clock.Now().Unix() - int64(hdr.timeOrigin())
}

func (c *Cache) expired(e entry) bool {
	return e.expiry != noExpiry && c.now(header(c.meta)) >= int64(e.expiry)
}

// expiryFor converts a TTL to seconds since the store's time origin.
func (c *Cache) expiryFor(hdr header, ttl time.Duration) (uint32, error) {
	if ttl <= 0 {
		return noExpiry, nil
	}

	secs := c.now(hdr) + int64((ttl+time.Second-1)/time.Second)
	if secs < 0 || secs >= noExpiry {
		return 0, fmt.Errorf("ttl %s beyond expiry horizon: %w", ttl, ErrInvalidArgument)
	}

	return uint32(secs), nil
}

func (c *Cache) reportSize(hdr header) {
	c.metrics.Size(int64(hdr.entriesUsed()), int64(hdr.bytesUsed()))
}

// flush msyncs the meta file and n data pages from page when the handle was
// opened with WritebackSync.
func (c *Cache) flush(page, n int) error {
	if c.writeback != WritebackSync {
		return nil
	}

	if err := msyncRange(c.meta, 0, len(c.meta)); err != nil {
		return err
	}

	if page < 0 {
		return nil
	}

	return msyncRange(c.data, page*PageSize, n*PageSize)
}
