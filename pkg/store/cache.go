package store

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/index"
	"github.com/cuemby/pagestore/pkg/page"
)

// Capacities for the three rolling handle caches (spec.md §4.9
// "In-memory caches"). golang-lru/v2 gives the precise recency eviction
// the spec's "insertion overwrites position i mod cap" prose only
// approximates.
const (
	rootCacheCapacity  = 16
	indexCacheCapacity = 128
	pageCacheCapacity  = 4096
)

// caches holds the three rolling handle caches one Store keeps warm:
// recently touched datastore roots, indexes, and pages. Entries are
// mutated only by their owning actor; callers receive the handles
// already stored, never a copy (spec.md §5 "Shared resource policy").
type caches struct {
	roots   *lru.Cache[dateid.ID, *dsroot.Root]
	indexes *lru.Cache[dateid.ID, *index.Index]
	pages   *lru.Cache[dateid.ID, *page.Page]
}

func newCaches() *caches {
	roots, _ := lru.New[dateid.ID, *dsroot.Root](rootCacheCapacity)
	indexes, _ := lru.New[dateid.ID, *index.Index](indexCacheCapacity)
	pages, _ := lru.New[dateid.ID, *page.Page](pageCacheCapacity)
	return &caches{roots: roots, indexes: indexes, pages: pages}
}
