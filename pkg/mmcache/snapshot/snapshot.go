// Package snapshot saves the live entries of an mmcache store to a portable
// file and loads them back into another store.
//
// A snapshot is independent of page count and hash table size, so it can be
// used to resize a store: save, recreate with different geometry, load.
//
// File layout (little endian):
//
//	offset 0   "MMSN"
//	offset 4   version (1)
//	offset 5   codec (see [Codec])
//	offset 6   reserved, zero
//	offset 8   saved-at, unix seconds (int64)
//	offset 16  body, compressed with codec
//
// The body is a sequence of records followed by a terminator of twelve zero
// bytes:
//
//	keyLen u32 | valueLen u32 | ttlSeconds u32 | key | value
//
// ttlSeconds is the remaining lifetime at save time, 0 for no expiry.
// Records are written from least to most recently used, so loading restores
// the recency order.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/calvinalkan/mmcache/internal/fs"
	"github.com/calvinalkan/mmcache/pkg/mmcache"
)

var (
	// ErrCorrupt indicates the file is not a snapshot or is damaged.
	ErrCorrupt = errors.New("snapshot: corrupt")

	// ErrUnknownCodec indicates a codec name or id that is not supported.
	ErrUnknownCodec = errors.New("snapshot: unknown codec")
)

const (
	magic         = "MMSN"
	version       = 1
	headerSize    = 16
	recordHdrSize = 12
	bufferSize    = 64 << 10
)

// Options configures [Save] and [Load]. The zero value is usable.
type Options struct {
	// Codec compresses the body on save. Ignored by Load, which reads the
	// codec from the file.
	Codec Codec

	// FS defaults to the real filesystem.
	FS fs.FS

	// Clock converts between absolute expiry and remaining TTL. It should
	// match the clock of the cache. Defaults to time.Now.
	Clock mmcache.Clock
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (o Options) withDefaults() Options {
	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.Clock == nil {
		o.Clock = wallClock{}
	}

	return o
}

// Result summarizes a [Load].
type Result struct {
	// Loaded is the number of entries written to the cache.
	Loaded int
	// Expired is the number of records skipped because their TTL ran out
	// between save and load.
	Expired int
}

// Save writes every live entry of c to path. The file is replaced
// atomically; a failed save leaves any previous snapshot untouched.
//
// Entries are read under the shared store lock, which is held until the last
// record has been handed to the file. Returns the number of records written.
func Save(c *mmcache.Cache, path string, opts Options) (int, error) {
	opts = opts.withDefaults()

	if opts.Codec > CodecLZ4 {
		return 0, fmt.Errorf("save %s: %w: %s", path, ErrUnknownCodec, opts.Codec)
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		err := opts.FS.WriteAtomic(path, pr)
		_ = pr.CloseWithError(err)
		done <- err
	}()

	n, encErr := encode(pw, c, opts)
	_ = pw.CloseWithError(encErr)

	writeErr := <-done

	switch {
	case encErr != nil:
		return 0, fmt.Errorf("save %s: %w", path, encErr)
	case writeErr != nil:
		return 0, fmt.Errorf("save %s: %w", path, writeErr)
	}

	return n, nil
}

func encode(w io.Writer, c *mmcache.Cache, opts Options) (int, error) {
	now := opts.Clock.Now()

	hdr := make([]byte, headerSize)
	copy(hdr, magic)
	hdr[4] = version
	hdr[5] = byte(opts.Codec)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(now.Unix()))

	if _, err := w.Write(hdr); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	cw, err := opts.Codec.writer(w)
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriterSize(cw, bufferSize)
	rec := make([]byte, recordHdrSize)

	var (
		n      int
		putErr error
	)

	rangeErr := c.Range(func(e mmcache.Entry) bool {
		var ttl uint32

		if !e.Expires.IsZero() {
			left := e.Expires.Sub(now)
			if left <= 0 {
				return true
			}

			ttl = uint32((left + time.Second - 1) / time.Second)
		}

		putRecordHeader(rec, len(e.Key), len(e.Value), ttl)

		putErr = writeAll(bw, rec, e.Key, e.Value)
		if putErr != nil {
			return false
		}

		n++

		return true
	})

	err = errors.Join(rangeErr, putErr)
	if err == nil {
		clear(rec)
		err = writeAll(bw, rec)
	}

	if err == nil {
		err = bw.Flush()
	}

	if closeErr := cw.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return 0, err
	}

	return n, nil
}

func putRecordHeader(rec []byte, keyLen, valueLen int, ttl uint32) {
	binary.LittleEndian.PutUint32(rec[0:], uint32(keyLen))
	binary.LittleEndian.PutUint32(rec[4:], uint32(valueLen))
	binary.LittleEndian.PutUint32(rec[8:], ttl)
}

func writeAll(w io.Writer, parts ...[]byte) error {
	for _, p := range parts {
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}

	return nil
}

// Load replays the snapshot at path into c with [mmcache.Cache.Put] and
// [mmcache.Cache.PutTTL]. Existing entries with the same keys are replaced;
// other entries stay unless evicted to make room.
//
// Records whose TTL ran out since the snapshot was saved are skipped. On
// error, the records loaded so far remain in c.
func Load(c *mmcache.Cache, path string, opts Options) (Result, error) {
	opts = opts.withDefaults()

	f, err := opts.FS.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("load: %w", err)
	}
	defer f.Close()

	res, err := decode(bufio.NewReaderSize(f, bufferSize), c, opts)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", path, err)
	}

	return res, nil
}

func decode(r io.Reader, c *mmcache.Cache, opts Options) (Result, error) {
	var res Result

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return res, fmt.Errorf("%w: short header: %w", ErrCorrupt, err)
	}

	if string(hdr[:4]) != magic {
		return res, fmt.Errorf("%w: bad magic %q", ErrCorrupt, hdr[:4])
	}

	if hdr[4] != version {
		return res, fmt.Errorf("%w: version %d", ErrCorrupt, hdr[4])
	}

	codec := Codec(hdr[5])
	savedAt := int64(binary.LittleEndian.Uint64(hdr[8:]))
	elapsed := max(opts.Clock.Now().Unix()-savedAt, 0)

	body, err := codec.reader(r)
	if err != nil {
		return res, err
	}
	defer body.Close()

	rec := make([]byte, recordHdrSize)

	for {
		if _, err := io.ReadFull(body, rec); err != nil {
			return res, fmt.Errorf("%w: record %d: %w", ErrCorrupt, res.Loaded+res.Expired, err)
		}

		keyLen := binary.LittleEndian.Uint32(rec[0:])
		valueLen := binary.LittleEndian.Uint32(rec[4:])
		ttl := binary.LittleEndian.Uint32(rec[8:])

		if keyLen == 0 {
			if valueLen != 0 || ttl != 0 {
				return res, fmt.Errorf("%w: bad terminator", ErrCorrupt)
			}

			return res, nil
		}

		if keyLen > mmcache.MaxKeySize {
			return res, fmt.Errorf("%w: key of %d bytes", ErrCorrupt, keyLen)
		}

		if uint64(keyLen)+uint64(valueLen) > mmcache.MaxEntrySize {
			return res, fmt.Errorf("%w: record of %d bytes", ErrCorrupt, uint64(keyLen)+uint64(valueLen))
		}

		buf := make([]byte, keyLen+valueLen)
		if _, err := io.ReadFull(body, buf); err != nil {
			return res, fmt.Errorf("%w: record %d: %w", ErrCorrupt, res.Loaded+res.Expired, err)
		}

		key, value := buf[:keyLen], buf[keyLen:]

		if ttl == 0 {
			err = c.Put(key, value)
		} else {
			left := int64(ttl) - elapsed
			if left <= 0 {
				res.Expired++

				continue
			}

			err = c.PutTTL(key, value, time.Duration(left)*time.Second)
		}

		if err != nil {
			return res, err
		}

		res.Loaded++
	}
}
