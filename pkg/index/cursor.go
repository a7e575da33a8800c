package index

import "github.com/cuemby/pagestore/pkg/dateid"

// Position locates one contiguous span of an entry's blocks: it starts
// at BlockIndex within the page PageID (at PageIndex in the index's
// current page order). An entry whose blocks straddle a page boundary
// is described by more than one Position.
type Position struct {
	PageIndex  int
	PageID     dateid.ID
	BlockIndex int
}

// InstanceCursor locates an existing entry (spec.md §3 "Cursors").
type InstanceCursor struct {
	Path []Position
}

// InsertionCursor locates the gap where a new entry belongs. An empty
// Path means "insert at the beginning" (spec.md §3).
type InsertionCursor struct {
	Path []Position
}

// Empty reports whether c is the "insert at the beginning" cursor.
func (c InsertionCursor) Empty() bool { return len(c.Path) == 0 }

// head returns c's first position, for the common single-page case.
func (c InsertionCursor) head() (Position, bool) {
	if len(c.Path) == 0 {
		return Position{}, false
	}
	return c.Path[0], true
}
