package index

import (
	"context"
	"fmt"

	"github.com/cuemby/pagestore/pkg/codec"
	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/page"
)

// located is one fully reassembled entry produced by an iterator, along
// with its comparison key and the Path an InstanceCursor/InsertionCursor
// would carry to name it.
type located struct {
	Key  Key
	Raw  []byte
	Path []Position
}

// entryIterator walks entries across an index's ordered page list,
// stitching an entry's blocks across a page boundary when one page ends
// mid-entry (spec.md §4.2's "head|slice*|tail" run may straddle pages).
type entryIterator struct {
	ix  *Index
	ctx context.Context

	ids     []dateid.ID
	pageIdx int

	runs    []page.Run
	runIdx  int
	trailing page.Run
	pageID  dateid.ID

	pendingHead []codec.Block
	pendingPath []Position
}

func (ix *Index) iterate(ctx context.Context, ids []dateid.ID, fromPageIdx int) *entryIterator {
	return &entryIterator{ix: ix, ctx: ctx, ids: ids, pageIdx: fromPageIdx}
}

func (it *entryIterator) loadPage() error {
	it.pageID = it.ids[it.pageIdx]
	p, err := it.ix.resolve(it.ctx, it.pageID)
	if err != nil {
		return err
	}
	runs, trailing, err := p.BlockRuns(it.ctx)
	if err != nil {
		return err
	}
	it.runs = runs
	it.runIdx = 0
	it.trailing = trailing
	return nil
}

// Next returns the next entry in page order, or ok=false once the
// iterator reaches the end of ids.
func (it *entryIterator) Next() (located, bool, error) {
	for {
		if it.pageIdx >= len(it.ids) {
			return located{}, false, nil
		}
		if it.runs == nil {
			if err := it.loadPage(); err != nil {
				return located{}, false, fmt.Errorf("index: reading page %s: %w", it.ids[it.pageIdx], err)
			}
		}

		if it.runIdx >= len(it.runs) {
			if len(it.trailing.Blocks) != 0 {
				it.pendingHead = append(it.pendingHead, it.trailing.Blocks...)
				it.pendingPath = append(it.pendingPath, Position{
					PageIndex:  it.pageIdx,
					PageID:     it.pageID,
					BlockIndex: it.trailing.StartBlockIndex,
				})
			}
			it.pageIdx++
			if it.pageIdx < len(it.ids) {
				it.runs = nil // keep the last page's runs for endPosition
			}
			continue
		}

		run := it.runs[it.runIdx]
		it.runIdx++
		pos := Position{PageIndex: it.pageIdx, PageID: it.pageID, BlockIndex: run.StartBlockIndex}

		blocks := run.Blocks
		path := []Position{pos}
		if len(it.pendingHead) != 0 {
			blocks = append(append([]codec.Block{}, it.pendingHead...), blocks...)
			path = append(append([]Position{}, it.pendingPath...), pos)
			it.pendingHead = nil
			it.pendingPath = nil
		}

		raw, err := codec.Reassemble(blocks)
		if err != nil {
			return located{}, false, fmt.Errorf("index: reassembling entry: %w", err)
		}
		entry, err := codec.DecodeEntry(raw)
		if err != nil {
			return located{}, false, fmt.Errorf("index: decoding entry: %w", err)
		}
		key, err := KeyFromHeaders(it.ix.kind, entry.Headers)
		if err != nil {
			return located{}, false, err
		}
		return located{Key: key, Raw: raw, Path: path}, true, nil
	}
}

// endPosition reports the insertion position one past the last block
// read so far on the current page, used when a scan exhausts all pages
// without finding a key -- the new entry belongs at the very end.
func (it *entryIterator) endPosition() (Position, bool) {
	if it.pageIdx == 0 && it.runs == nil {
		return Position{}, false
	}
	idx := it.pageIdx
	if idx >= len(it.ids) {
		idx = len(it.ids) - 1
	}
	if idx < 0 {
		return Position{}, false
	}
	blockIdx := 0
	for _, r := range it.runs {
		blockIdx += len(r.Blocks)
	}
	blockIdx += len(it.trailing.Blocks)
	return Position{PageIndex: idx, PageID: it.ids[idx], BlockIndex: blockIdx}, true
}
