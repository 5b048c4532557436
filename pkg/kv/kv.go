// Package kv provides a small key-value store interface with hierarchical
// path-based keys, an in-memory implementation for tests and volatile use,
// and a BadgerDB-backed implementation for durable storage.
//
// Keys are string slices (e.g. ["thread", "t1"]) joined internally with a
// non-printable separator, so segments may contain any printable characters,
// including opaque caller-supplied identifiers.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// sep joins key segments in the encoded representation. ASCII Record
// Separator: segments must not contain it.
const sep byte = 0x1e

// Key is a hierarchical path represented as a slice of string segments.
type Key []string

// String renders the key with '/' between segments, for display only.
func (k Key) String() string {
	return strings.Join(k, "/")
}

// encode converts a key to its stored byte representation.
func (k Key) encode() []byte {
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, sep)
		}
		buf = append(buf, seg...)
	}
	return buf
}

// decodeKey converts a stored byte representation back to a Key.
func decodeKey(b []byte) Key {
	parts := strings.Split(string(b), string(sep))
	return Key(parts)
}

// listPrefix returns the encoded prefix for List: the encoded key followed
// by the separator, so ["a","b"] does not match ["a","bc"]. An empty prefix
// scans everything.
func (k Key) listPrefix() []byte {
	if len(k) == 0 {
		return nil
	}
	return append(k.encode(), sep)
}

// Entry is a key-value pair yielded by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with path-based keys. Writes to a single key
// are atomic; last writer wins.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates over all entries whose key extends the given prefix,
	// in lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// Close releases resources held by the store.
	Close() error
}
