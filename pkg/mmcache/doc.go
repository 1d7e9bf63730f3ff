// Package mmcache implements a persistent key/value cache backed by two
// memory-mapped files that any number of processes on one host can share
// without a server.
//
// A store named by [Options.Path] consists of:
//
//   - Path+".meta": a 256-byte header, one 8-byte descriptor per page, a fixed
//     array of hash buckets and a growable array of overflow extents.
//   - Path+".data": PageCount pages of 1 MiB. Every page in use is typed to one
//     chunk size (16 << type bytes) and each entry occupies one chunk holding
//     its key immediately followed by its value.
//   - Path+".lock": an advisory flock(2) file that serializes writers and lets
//     readers share access.
//
// All live entries are threaded on a doubly linked LRU list stored inside the
// index. When a put cannot find room, the least recently used entries are
// evicted until it can.
//
// # Concurrency
//
// Every method takes the store lock for the duration of the call only, shared
// for reads and exclusive for mutations, so each call is atomic with respect to
// every other process but calls do not compose into transactions. A [Cache]
// handle additionally serializes its own callers with a mutex and is safe for
// use by multiple goroutines.
//
// # Durability
//
// Writes go straight into the shared mappings. With [WritebackSync] both files
// are flushed with msync(2) after each mutation; otherwise the kernel writes
// them back at its own pace. There is no journal: a crash in the middle of a
// mutation can leave counters or free lists inconsistent. [Cache.Verify]
// reports such damage.
//
// # Format
//
// Integers are stored in the byte order of the machine that created the store
// and the header records which one. Opening a store created on a machine with
// the other byte order fails with [ErrProtocolMismatch].
package mmcache
