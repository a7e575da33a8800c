// Package index implements spec.md §4.5: one B-tree-like ordered index
// (primary, direct secondary, or reference secondary) backed by a
// manifest (pkg/manifest) and a set of pages (pkg/page).
package index

import (
	"bytes"
	"fmt"

	"github.com/cuemby/pagestore/pkg/page"
)

// Key is the comparison key an index orders its entries by (spec.md §4.5
// "Ordering rules"). Value is empty for a primary index, so comparison
// degenerates to comparing ID alone; for secondary indexes Value holds
// the indexed field and ties are broken by ID. Callers are responsible
// for encoding Value/ID such that byte order matches logical order --
// e.g. a big-endian 128-bit encoding for UUIDs, per spec.md's "numeric
// order for UUIDs" design note.
type Key struct {
	Value []byte
	ID    []byte
}

// Compare orders keys: Value first, then ID.
func (k Key) Compare(other Key) int {
	if c := bytes.Compare(k.Value, other.Value); c != 0 {
		return c
	}
	return bytes.Compare(k.ID, other.ID)
}

// Equal reports whether k and other compare as the same key.
func (k Key) Equal(other Key) bool { return k.Compare(other) == 0 }

// KeyFromHeaders extracts an entry's comparison key from its decoded
// header list, per spec.md §3 "Entry"'s per-kind header layout:
//
//	primary:   {version} {identifier}
//	direct:    {version} {indexed value} {identifier}
//	reference: {indexed value} {identifier}
func KeyFromHeaders(kind page.IndexKind, headers [][]byte) (Key, error) {
	switch kind {
	case page.KindPrimary:
		if len(headers) != 2 {
			return Key{}, fmt.Errorf("index: primary entry wants 2 headers, got %d", len(headers))
		}
		return Key{ID: headers[1]}, nil
	case page.KindDirect:
		if len(headers) != 3 {
			return Key{}, fmt.Errorf("index: direct entry wants 3 headers, got %d", len(headers))
		}
		return Key{Value: headers[1], ID: headers[2]}, nil
	case page.KindReference:
		if len(headers) != 2 {
			return Key{}, fmt.Errorf("index: reference entry wants 2 headers, got %d", len(headers))
		}
		return Key{Value: headers[0], ID: headers[1]}, nil
	default:
		return Key{}, fmt.Errorf("index: unknown index kind %q", kind)
	}
}
