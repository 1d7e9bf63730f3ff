package mmcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/mmcache/internal/fs"
	"github.com/calvinalkan/mmcache/pkg/mmcache/internal/freelist"
)

// fsys performs the file operations that do not need raw descriptors.
var fsys fs.FS = fs.NewReal()

const (
	filePerm = 0o600
	dirPerm  = 0o750
)

// Open opens the store at opts.Path, creating it if it does not exist and
// opts.PageCount > 0.
//
// Creation is serialized under the exclusive store lock; the meta file is
// written to a temporary file and renamed into place, so other processes never
// observe a partially initialized header.
//
// The returned Cache must be closed with [Cache.Close] when no longer needed.
//
// Possible errors:
//   - [ErrInvalidArgument]: invalid options, or a missing store with PageCount 0
//   - [ErrProtocolMismatch]: bad magic, foreign byte order, geometry mismatch,
//     damaged header fields, truncated files
//   - [ErrUnsupported]: different format version
//   - [ErrTimeout]: lock not acquired within LockTimeout
//   - [ErrSystemIO]: file, mapping or lock syscall failures
func Open(opts Options) (*Cache, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}

	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}

	lock := newStoreLock(opts.Path, opts.LockTimeout, opts.DisableLocking, opts.Logger)
	metaPath := opts.Path + ".meta"

	exists, err := fsys.Exists(metaPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w: %w", metaPath, ErrSystemIO, err)
	}

	if exists {
		release, err := lock.shared()
		defer release()

		if err != nil {
			return nil, err
		}

		return openExisting(opts, lock)
	}

	if opts.PageCount == 0 {
		return nil, fmt.Errorf("store %q does not exist and page count is 0: %w", opts.Path, ErrInvalidArgument)
	}

	release, err := lock.exclusive()
	defer release()

	if err != nil {
		return nil, err
	}

	// Another process may have created the store while we waited.
	exists, err = fsys.Exists(metaPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w: %w", metaPath, ErrSystemIO, err)
	}

	if !exists {
		if err := create(opts); err != nil {
			return nil, err
		}
	}

	return openExisting(opts, lock)
}

func validateOptions(opts Options) error {
	if opts.Path == "" {
		return fmt.Errorf("path is required: %w", ErrInvalidArgument)
	}

	if opts.PageCount < 0 || opts.PageCount > MaxPageCount {
		return fmt.Errorf("page count %d outside 0..%d: %w", opts.PageCount, MaxPageCount, ErrInvalidArgument)
	}

	if opts.HashTableSize != 0 && (opts.HashTableSize < minHashTableSize || opts.HashTableSize > maxHashTableSize) {
		return fmt.Errorf("hash table size %d outside %d..%d: %w", opts.HashTableSize, minHashTableSize, maxHashTableSize, ErrInvalidArgument)
	}

	if opts.InitialExtents < 0 || opts.InitialExtents > maxExtents {
		return fmt.Errorf("initial extents %d outside 0..%d: %w", opts.InitialExtents, maxExtents, ErrInvalidArgument)
	}

	if opts.LockTimeout < 0 {
		return fmt.Errorf("negative lock timeout %s: %w", opts.LockTimeout, ErrInvalidArgument)
	}

	switch opts.Writeback {
	case WritebackNone, WritebackSync:
	default:
		return fmt.Errorf("unknown writeback mode %d: %w", opts.Writeback, ErrInvalidArgument)
	}

	return nil
}

// create writes both files of a new store. The data file is sized first so a
// meta file never exists without its pages.
func create(opts Options) error {
	order := opts.HashTableSize
	if order == 0 {
		order = defaultHashTableSize(opts.PageCount)
	}

	extents := opts.InitialExtents
	if extents == 0 {
		extents = defaultExtents
	}

	l := newLayout(uint32(opts.PageCount), uint8(order), uint32(extents))

	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := fsys.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory: %w: %w", ErrSystemIO, err)
		}
	}

	data, err := fsys.OpenFile(opts.Path+".data", os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return fmt.Errorf("create data file: %w: %w", ErrSystemIO, err)
	}

	// Sparse; pages are typed before use so stale bytes are never read.
	truncErr := data.Truncate(l.dataSize())
	closeErr := data.Close()

	if err := errors.Join(truncErr, closeErr); err != nil {
		return fmt.Errorf("size data file: %w: %w", ErrSystemIO, err)
	}

	image, err := newMetaImage(l, uint32(opts.Clock.Now().Unix()))
	if err != nil {
		return err
	}

	if err := fsys.WriteAtomic(opts.Path+".meta", image); err != nil {
		return fmt.Errorf("write meta file: %w: %w", ErrSystemIO, err)
	}

	opts.Logger.Info("created store",
		"path", opts.Path,
		"pages", l.pages,
		"hash_table_size", l.order,
		"extents", l.extents,
	)

	return nil
}

// newMetaImage streams the initial contents of a meta file: header, unused
// page descriptors, empty buckets and a chained extent free list.
func newMetaImage(l layout, origin uint32) (io.Reader, error) {
	head := make([]byte, l.bucketsOff())
	hdr := header(head[:headerSize])
	initHeader(hdr, l.pages, l.order, l.extents, origin)

	for page := range l.pages {
		off := headerSize + int(page)*descriptorSize
		descriptor(head[off : off+descriptorSize]).reset()
	}

	bucket := make([]byte, bucketSize)
	fill(bucket, 0xFF)
	clear(bucket[entrySize:bucketExtent])

	extents := make([]byte, int(l.extents)*extentSize)
	x := &hashIndex{extents: extents}

	for ext := range l.extents {
		x.resetExtent(ext)
	}

	free, err := freelist.New(extents, hdr.extentsHead(), extentSize, 4, l.extents, 0)
	if err != nil {
		return nil, fmt.Errorf("extent free list: %w: %w", ErrInvalidArgument, err)
	}

	free.Init()

	return io.MultiReader(
		bytes.NewReader(head),
		&repeatReader{pattern: bucket, n: int64(l.buckets())},
		bytes.NewReader(extents),
	), nil
}

// repeatReader yields pattern n times.
type repeatReader struct {
	pattern []byte
	n       int64
	off     int
}

func (r *repeatReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, io.EOF
	}

	var w int

	for w < len(p) && r.n > 0 {
		c := copy(p[w:], r.pattern[r.off:])
		w += c
		r.off += c

		if r.off == len(r.pattern) {
			r.off = 0
			r.n--
		}
	}

	return w, nil
}

// openExisting maps and validates an existing store. The caller holds the
// store lock.
func openExisting(opts Options, lock *storeLock) (*Cache, error) {
	metaFd, err := unix.Open(opts.Path+".meta", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open meta file: %w: %w", ErrSystemIO, err)
	}

	c, err := mapStore(opts, lock, metaFd)
	if err != nil {
		_ = unix.Close(metaFd)

		opts.Logger.Warn("open store failed", "path", opts.Path, "err", err)

		return nil, err
	}

	opts.Logger.Info("opened store",
		"path", opts.Path,
		"pages", c.pages,
		"hash_table_size", c.order,
		"entries", header(c.meta).entriesUsed(),
	)

	return c, nil
}

func mapStore(opts Options, lock *storeLock, metaFd int) (*Cache, error) {
	var st unix.Stat_t
	if err := unix.Fstat(metaFd, &st); err != nil {
		return nil, fmt.Errorf("stat meta file: %w: %w", ErrSystemIO, err)
	}

	if st.Size < headerSize {
		return nil, fmt.Errorf("meta file is %d bytes, header needs %d: %w", st.Size, headerSize, ErrProtocolMismatch)
	}

	hdr := make(header, headerSize)
	n, err := unix.Pread(metaFd, hdr, 0)
	if err != nil {
		return nil, fmt.Errorf("read header: %w: %w", ErrSystemIO, err)
	}

	if n != headerSize {
		return nil, fmt.Errorf("short header read of %d bytes: %w", n, ErrProtocolMismatch)
	}

	if err := validateHeader(hdr); err != nil {
		return nil, err
	}

	if opts.PageCount != 0 && uint32(opts.PageCount) != hdr.pageCount() {
		return nil, fmt.Errorf("page count %d, store has %d: %w", opts.PageCount, hdr.pageCount(), ErrProtocolMismatch)
	}

	if opts.HashTableSize != 0 && uint8(opts.HashTableSize) != hdr.hashTableSize() {
		return nil, fmt.Errorf("hash table size %d, store has %d: %w", opts.HashTableSize, hdr.hashTableSize(), ErrProtocolMismatch)
	}

	l := newLayout(hdr.pageCount(), hdr.hashTableSize(), hdr.extentsCount())
	if st.Size < l.metaSize() {
		return nil, fmt.Errorf("meta file is %d bytes, layout needs %d: %w", st.Size, l.metaSize(), ErrProtocolMismatch)
	}

	dataFd, err := unix.Open(opts.Path+".data", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("data file missing: %w", ErrProtocolMismatch)
		}

		return nil, fmt.Errorf("open data file: %w: %w", ErrSystemIO, err)
	}

	if err := unix.Fstat(dataFd, &st); err != nil {
		_ = unix.Close(dataFd)

		return nil, fmt.Errorf("stat data file: %w: %w", ErrSystemIO, err)
	}

	if st.Size < l.dataSize() {
		_ = unix.Close(dataFd)

		return nil, fmt.Errorf("data file is %d bytes, %d pages need %d: %w", st.Size, l.pages, l.dataSize(), ErrProtocolMismatch)
	}

	meta, err := mmap(metaFd, l.metaSize())
	if err != nil {
		_ = unix.Close(dataFd)

		return nil, fmt.Errorf("map meta file: %w", err)
	}

	data, err := mmap(dataFd, l.dataSize())
	if err != nil {
		_ = unix.Munmap(meta)
		_ = unix.Close(dataFd)

		return nil, fmt.Errorf("map data file: %w", err)
	}

	return &Cache{
		path:      opts.Path,
		metaFd:    metaFd,
		dataFd:    dataFd,
		meta:      meta,
		data:      data,
		pages:     l.pages,
		order:     l.order,
		lock:      lock,
		writeback: opts.Writeback,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
	}, nil
}

func mmap(fd int, size int64) ([]byte, error) {
	if size > int64(maxInt) {
		return nil, fmt.Errorf("mapping of %d bytes exceeds address space: %w", size, ErrInvalidArgument)
	}

	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w: %w", size, ErrSystemIO, err)
	}

	return b, nil
}

const maxInt = int(^uint(0) >> 1)
