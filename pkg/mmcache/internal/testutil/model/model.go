// Package model provides a deliberately simple, in-memory model of the
// publicly observable behavior of an mmcache store that never has to evict.
//
// The model is easy to audit: a map plus a recency-ordered slice. It knows
// nothing about pages, chunks or buckets, so tests using it must size the
// store large enough that capacity evictions cannot happen.
package model

import (
	"bytes"
	"slices"
	"time"

	"github.com/calvinalkan/mmcache/pkg/mmcache"
)

// Entry mirrors mmcache.Entry. ExpiresAt is unix seconds, 0 for none.
type Entry struct {
	Key       []byte
	Value     []byte
	ExpiresAt int64
}

// Store is the persistent state; it survives a close/reopen of a handle.
type Store struct {
	// order holds keys from least to most recently used.
	order   []string
	entries map[string]Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Clone makes a deep copy so tests can fork the exact same state.
func (s *Store) Clone() *Store {
	out := &Store{
		order:   slices.Clone(s.order),
		entries: make(map[string]Entry, len(s.entries)),
	}

	for k, e := range s.entries {
		out.entries[k] = Entry{Key: bytes.Clone(e.Key), Value: bytes.Clone(e.Value), ExpiresAt: e.ExpiresAt}
	}

	return out
}

func expired(e Entry, now time.Time) bool {
	return e.ExpiresAt != 0 && now.Unix() >= e.ExpiresAt
}

func (s *Store) unlink(key string) {
	if i := slices.Index(s.order, key); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}

	delete(s.entries, key)
}

func checkKey(key []byte) error {
	if len(key) == 0 || len(key) > mmcache.MaxKeySize {
		return mmcache.ErrInvalidArgument
	}

	return nil
}

// Put stores value under key as the most recently used entry. ttl <= 0
// means no expiry; positive TTLs round up to whole seconds.
func (s *Store) Put(key, value []byte, ttl time.Duration, now time.Time) error {
	if err := checkKey(key); err != nil {
		return err
	}

	if len(key)+len(value) > mmcache.MaxEntrySize {
		return mmcache.ErrTooLarge
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Unix() + int64((ttl+time.Second-1)/time.Second)
	}

	k := string(key)
	s.unlink(k)
	s.order = append(s.order, k)
	s.entries[k] = Entry{Key: bytes.Clone(key), Value: bytes.Clone(value), ExpiresAt: expiresAt}

	return nil
}

// Get returns the value and marks the entry most recently used. An expired
// entry is removed and reported as missing.
func (s *Store) Get(key []byte, now time.Time) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	k := string(key)

	e, ok := s.entries[k]
	if !ok {
		return nil, mmcache.ErrNotFound
	}

	if expired(e, now) {
		s.unlink(k)

		return nil, mmcache.ErrNotFound
	}

	s.unlink(k)
	s.order = append(s.order, k)
	s.entries[k] = e

	return bytes.Clone(e.Value), nil
}

// Peek is Get without side effects.
func (s *Store) Peek(key []byte, now time.Time) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	e, ok := s.entries[string(key)]
	if !ok || expired(e, now) {
		return nil, mmcache.ErrNotFound
	}

	return bytes.Clone(e.Value), nil
}

// Delete removes key, expired or not.
func (s *Store) Delete(key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}

	k := string(key)
	if _, ok := s.entries[k]; !ok {
		return mmcache.ErrNotFound
	}

	s.unlink(k)

	return nil
}

// Live returns unexpired entries from least to most recently used.
func (s *Store) Live(now time.Time) []Entry {
	out := make([]Entry, 0, len(s.order))

	for _, k := range s.order {
		if e := s.entries[k]; !expired(e, now) {
			out = append(out, e)
		}
	}

	return out
}

// Len counts stored entries including expired ones not yet removed.
func (s *Store) Len() int { return len(s.entries) }

// Bytes is the sum of key and value sizes of stored entries.
func (s *Store) Bytes() uint64 {
	var n uint64

	for _, e := range s.entries {
		n += uint64(len(e.Key) + len(e.Value))
	}

	return n
}
