package index

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/pagestore/pkg/codec"
	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/manifest"
	"github.com/cuemby/pagestore/pkg/page"
	"github.com/rs/zerolog"
)

// Loader opens the page file backing id, given its on-disk locator. The
// store layer (Store.pageLoader) wires this to its rolling page LRU (spec.md §4.9 "three
// rolling arrays") so hot pages are not re-read from disk on every call.
type Loader func(ctx context.Context, locator page.Locator) (*page.Page, error)

// Index is one ordered index: primary, direct secondary, or reference
// secondary (spec.md §4.5). It owns an in-memory working copy of a
// manifest plus whichever pages have been touched or loaded during the
// current transaction. Like every mutable entity in this engine, an
// Index is meant to be driven by a single goroutine at a time -- the
// transaction that currently holds it -- so it carries no internal lock
// (spec.md §5 "actor-per-object model").
type Index struct {
	kind page.IndexKind
	id   dateid.ID
	name string

	man *manifest.Manifest

	datastoreDir string
	pageSize     int
	load         Loader

	pages    map[dateid.ID]*page.Page
	boundary map[dateid.ID]Key

	log zerolog.Logger
}

// New wraps an index's manifest with the machinery to navigate and
// mutate it. pageSize is the target size (spec.md §9 open question:
// implementations must make this configurable; callers typically derive
// it from store configuration). name is the index's declared field name
// (empty for the primary index) and feeds spec.md §6's on-disk
// directory naming.
func New(kind page.IndexKind, id dateid.ID, name string, man *manifest.Manifest, datastoreDir string, pageSize int, load Loader, log zerolog.Logger) *Index {
	return &Index{
		kind:         kind,
		id:           id,
		name:         name,
		man:          man,
		datastoreDir: datastoreDir,
		pageSize:     pageSize,
		load:         load,
		pages:        make(map[dateid.ID]*page.Page),
		boundary:     make(map[dateid.ID]Key),
		log:          log.With().Str("index_id", id.String()).Str("index_kind", string(kind)).Logger(),
	}
}

// Kind reports the index's flavor.
func (ix *Index) Kind() page.IndexKind { return ix.kind }

// ID returns the index's identifier.
func (ix *Index) ID() dateid.ID { return ix.id }

// Name returns the index's declared field name, empty for the primary
// index.
func (ix *Index) Name() string { return ix.name }

// Manifest returns the index's current in-memory manifest.
func (ix *Index) Manifest() *manifest.Manifest { return ix.man }

// DeriveWorking returns a fresh *Index carrying a copy-on-write
// successor manifest (manifest.DeriveFrom) under newManifestID, leaving
// ix and its manifest untouched. Every ordinary mutation (Insert,
// Delete) must run against the derived copy, never against an Index
// handle that might still be shared with other transactions via the
// store's index cache (spec.md line 294: copy-on-write is "the
// atomicity mechanism and the undo-history mechanism").
func (ix *Index) DeriveWorking(newManifestID dateid.ID) *Index {
	return &Index{
		kind:         ix.kind,
		id:           ix.id,
		name:         ix.name,
		man:          manifest.DeriveFrom(newManifestID, ix.man),
		datastoreDir: ix.datastoreDir,
		pageSize:     ix.pageSize,
		load:         ix.load,
		pages:        make(map[dateid.ID]*page.Page),
		boundary:     make(map[dateid.ID]Key),
		log:          ix.log,
	}
}

func (ix *Index) locatorFor(pageID dateid.ID) page.Locator {
	return page.Locator{DatastoreDir: ix.datastoreDir, IndexKind: ix.kind, IndexID: ix.id, IndexName: ix.name, PageID: pageID}
}

func (ix *Index) resolve(ctx context.Context, id dateid.ID) (*page.Page, error) {
	if p, ok := ix.pages[id]; ok {
		return p, nil
	}
	p, err := ix.load(ctx, ix.locatorFor(id))
	if err != nil {
		return nil, err
	}
	ix.pages[id] = p
	return p, nil
}

func (ix *Index) newPage() (*page.Page, error) {
	id, err := dateid.Generate(time.Now())
	if err != nil {
		return nil, fmt.Errorf("index: generating page id: %w", err)
	}
	p := page.New(id, ix.log)
	ix.pages[id] = p
	return p, nil
}

func (ix *Index) invalidateBoundaries() {
	ix.boundary = make(map[dateid.ID]Key)
}

// boundaryKey returns the comparison key of the first entry that starts
// on (or continues into) page ids[i] -- spec.md §4.5's cached
// per-manifest boundary key. If the page's leading blocks are
// themselves a continuation of the previous page's last entry (no entry
// starts on this page), the boundary key is inherited from the previous
// page, per this implementation's resolution of that edge case.
func (ix *Index) boundaryKey(ctx context.Context, ids []dateid.ID, i int) (Key, error) {
	id := ids[i]
	if k, ok := ix.boundary[id]; ok {
		return k, nil
	}
	p, err := ix.resolve(ctx, id)
	if err != nil {
		return Key{}, err
	}
	runs, _, err := p.BlockRuns(ctx)
	if err != nil {
		return Key{}, err
	}
	if len(runs) == 0 || runs[0].StartBlockIndex != 0 {
		if i == 0 {
			return Key{}, fmt.Errorf("index: page %s has no entry of its own and no preceding page", id)
		}
		k, err := ix.boundaryKey(ctx, ids, i-1)
		if err != nil {
			return Key{}, err
		}
		ix.boundary[id] = k
		return k, nil
	}
	raw, err := codec.Reassemble(runs[0].Blocks)
	if err != nil {
		return Key{}, err
	}
	entry, err := codec.DecodeEntry(raw)
	if err != nil {
		return Key{}, err
	}
	k, err := KeyFromHeaders(ix.kind, entry.Headers)
	if err != nil {
		return Key{}, err
	}
	ix.boundary[id] = k
	return k, nil
}

// pageFor returns the index of the page responsible for key: the
// largest i such that boundaryKey(ids[i]) <= key.
func (ix *Index) pageFor(ctx context.Context, ids []dateid.ID, key Key) (int, error) {
	i := sort.Search(len(ids), func(i int) bool {
		k, err := ix.boundaryKey(ctx, ids, i)
		if err != nil {
			return false
		}
		return k.Compare(key) > 0
	})
	if i == 0 {
		return 0, nil
	}
	return i - 1, nil
}

// Locate implements spec.md §4.5's cursor lookup: binary search on page
// boundary keys, then a linear scan (stitched transparently across a
// page boundary if an entry straddles one) for the first entry with key
// >= K.
func (ix *Index) Locate(ctx context.Context, key Key) (InstanceCursor, InsertionCursor, bool, error) {
	ids := ix.man.OrderedPageIDs()
	if len(ids) == 0 {
		return InstanceCursor{}, InsertionCursor{}, false, nil
	}
	start, err := ix.pageFor(ctx, ids, key)
	if err != nil {
		return InstanceCursor{}, InsertionCursor{}, false, err
	}

	it := ix.iterate(ctx, ids, start)
	for {
		e, ok, err := it.Next()
		if err != nil {
			return InstanceCursor{}, InsertionCursor{}, false, err
		}
		if !ok {
			break
		}
		cmp := e.Key.Compare(key)
		if cmp == 0 {
			return InstanceCursor{Path: e.Path}, InsertionCursor{}, true, nil
		}
		if cmp > 0 {
			return InstanceCursor{}, InsertionCursor{Path: e.Path}, false, nil
		}
	}
	pos, ok := it.endPosition()
	if !ok {
		return InstanceCursor{}, InsertionCursor{}, false, nil
	}
	return InstanceCursor{}, InsertionCursor{Path: []Position{pos}}, false, nil
}

// Read is a point lookup: the raw encoded entry bytes whose comparison
// key equals key, if any. Locate deliberately discards an entry's bytes
// once it has its Path (a cursor only ever needs to name a position for
// insert/delete), so a caller that actually wants the stored value --
// the typed record facade's Get, chiefly -- reads it separately here
// rather than through a cursor.
func (ix *Index) Read(ctx context.Context, key Key) ([]byte, bool, error) {
	ids := ix.man.OrderedPageIDs()
	if len(ids) == 0 {
		return nil, false, nil
	}
	start, err := ix.pageFor(ctx, ids, key)
	if err != nil {
		return nil, false, err
	}
	it := ix.iterate(ctx, ids, start)
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		cmp := e.Key.Compare(key)
		if cmp == 0 {
			return e.Raw, true, nil
		}
		if cmp > 0 {
			return nil, false, nil
		}
	}
}

// Bound is one side of a range-scan extent (spec.md §4.5 "Range scan").
type Bound struct {
	Extent    bool // no bound on this side
	Including bool // inclusive of Value, vs. strictly excluding
	Value     []byte
}

// Extent is the unbounded Bound.
func Extent() Bound { return Bound{Extent: true} }

// Including returns an inclusive bound at v.
func Including(v []byte) Bound { return Bound{Including: true, Value: v} }

// Excluding returns an exclusive bound at v.
func Excluding(v []byte) Bound { return Bound{Value: v} }

// ScanConsumer is invoked once per entry yielded by a range scan. A
// false return stops the scan early (cooperative backpressure per
// spec.md §4.5 step 3).
type ScanConsumer func(ctx context.Context, raw []byte) (bool, error)

// Scan implements spec.md §4.5's range scan over [lo, hi] in the given
// direction.
func (ix *Index) Scan(ctx context.Context, lo, hi Bound, ascending bool, consume ScanConsumer) error {
	ids := ix.man.OrderedPageIDs()
	if len(ids) == 0 {
		return nil
	}

	start := 0
	if !lo.Extent {
		var err error
		start, err = ix.pageFor(ctx, ids, Key{Value: lo.Value})
		if err != nil {
			return err
		}
	}
	if !ascending {
		return ix.scanDescending(ctx, ids, start, lo, hi, consume)
	}

	it := ix.iterate(ctx, ids, start)
	for {
		e, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !lo.Extent && !withinLower(e.Key, lo) {
			continue
		}
		if !hi.Extent && !withinUpper(e.Key, hi) {
			return nil
		}
		more, err := consume(ctx, e.Raw)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// scanDescending buffers the candidate page range and walks it backward;
// descending scans are expected to cover a narrow span of pages, so the
// simplicity of materializing it outweighs a streaming implementation.
func (ix *Index) scanDescending(ctx context.Context, ids []dateid.ID, start int, lo, hi Bound, consume ScanConsumer) error {
	var entries []located
	it := ix.iterate(ctx, ids, start)
	for {
		e, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if !lo.Extent && !withinLower(e.Key, lo) {
			continue
		}
		if !hi.Extent && !withinUpper(e.Key, hi) {
			break
		}
		entries = append(entries, e)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		more, err := consume(ctx, entries[i].Raw)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func withinLower(k Key, lo Bound) bool {
	c := bytes.Compare(k.Value, lo.Value)
	if lo.Including {
		return c >= 0
	}
	return c > 0
}

func withinUpper(k Key, hi Bound) bool {
	c := bytes.Compare(k.Value, hi.Value)
	if hi.Including {
		return c <= 0
	}
	return c < 0
}

// encodedSize sums the wire size of blocks, the basis for spec.md §4.2's
// remaining_page_space when a page already holds them.
func encodedSize(blocks []codec.Block) int {
	total := 0
	for _, b := range blocks {
		total += len(b.Encode())
	}
	return total
}

// Insert implements spec.md §4.5's insertion algorithm: splice the
// entry's blocks into the target page at the insertion cursor, split
// near the middle if the page outgrows pageSize, and adjust the
// manifest's added/removed sets.
func (ix *Index) Insert(ctx context.Context, cursor InsertionCursor, entry codec.Entry) (InstanceCursor, error) {
	entryBytes := entry.Encode()
	ids := ix.man.OrderedPageIDs()

	pos, hasTarget := cursor.head()
	if !hasTarget {
		if len(ids) == 0 {
			return ix.insertFirstPage(entryBytes)
		}
		pos = Position{PageIndex: 0, PageID: ids[0], BlockIndex: 0}
	}

	target, err := ix.resolve(ctx, pos.PageID)
	if err != nil {
		return InstanceCursor{}, err
	}
	existing := target.PendingBlocks()
	if len(existing) == 0 {
		runs, trailing, err := target.BlockRuns(ctx)
		if err != nil {
			return InstanceCursor{}, err
		}
		for _, r := range runs {
			existing = append(existing, r.Blocks...)
		}
		existing = append(existing, trailing.Blocks...)
	}

	remaining := ix.pageSize - encodedSize(existing)
	result, err := codec.Pack(entryBytes, remaining, ix.pageSize)
	if err != nil {
		return InstanceCursor{}, err
	}

	var extraPages []dateid.ID
	var overflowBlocks []codec.Block
	if len(result.Blocks) > 1 {
		overflowBlocks = result.Blocks[1:]
	}
	for _, b := range overflowBlocks {
		np, err := ix.newPage()
		if err != nil {
			return InstanceCursor{}, err
		}
		np.AppendPending(b)
		extraPages = append(extraPages, np.ID())
	}

	if result.SkipCurrentPage {
		np, err := ix.newPage()
		if err != nil {
			return InstanceCursor{}, err
		}
		np.AppendPending(result.Blocks[0])
		newIDs := append([]dateid.ID{np.ID()}, extraPages...)
		if pos.BlockIndex == 0 {
			ix.man.InsertBefore(pos.PageID, newIDs)
		} else {
			ix.man.InsertAfter(pos.PageID, newIDs)
		}
		ix.invalidateBoundaries()
		return InstanceCursor{Path: []Position{{PageID: np.ID(), BlockIndex: 0}}}, nil
	}

	combined := make([]codec.Block, 0, len(existing)+1)
	combined = append(combined, existing[:pos.BlockIndex]...)
	combined = append(combined, result.Blocks[0])
	combined = append(combined, existing[pos.BlockIndex:]...)

	newIDs, instancePos, err := ix.materializePage(combined, pos.BlockIndex)
	if err != nil {
		return InstanceCursor{}, err
	}
	newIDs = append(newIDs, extraPages...)
	ix.man.ReplaceAt(pos.PageID, newIDs)
	ix.invalidateBoundaries()
	return InstanceCursor{Path: []Position{instancePos}}, nil
}

func (ix *Index) insertFirstPage(entryBytes []byte) (InstanceCursor, error) {
	result, err := codec.Pack(entryBytes, ix.pageSize, ix.pageSize)
	if err != nil {
		return InstanceCursor{}, err
	}
	var ids []dateid.ID
	for _, b := range result.Blocks {
		p, err := ix.newPage()
		if err != nil {
			return InstanceCursor{}, err
		}
		p.AppendPending(b)
		ids = append(ids, p.ID())
	}
	for _, id := range ids {
		ix.man.MarkAdded(id)
	}
	ix.invalidateBoundaries()
	return InstanceCursor{Path: []Position{{PageID: ids[0], BlockIndex: 0}}}, nil
}

// materializePage turns a combined block list into one or two new pages
// (splitting near the middle when it exceeds pageSize, per spec.md §4.5
// step 3), returning the new page ids in order and the position the
// just-inserted block (at insertedAt in combined) ended up at.
func (ix *Index) materializePage(combined []codec.Block, insertedAt int) ([]dateid.ID, Position, error) {
	if encodedSize(combined) <= ix.pageSize {
		p, err := ix.newPage()
		if err != nil {
			return nil, Position{}, err
		}
		for _, b := range combined {
			p.AppendPending(b)
		}
		return []dateid.ID{p.ID()}, Position{PageID: p.ID(), BlockIndex: insertedAt}, nil
	}

	split := splitNearMiddle(combined)
	first, second := combined[:split], combined[split:]

	p1, err := ix.newPage()
	if err != nil {
		return nil, Position{}, err
	}
	for _, b := range first {
		p1.AppendPending(b)
	}
	p2, err := ix.newPage()
	if err != nil {
		return nil, Position{}, err
	}
	for _, b := range second {
		p2.AppendPending(b)
	}

	if insertedAt < split {
		return []dateid.ID{p1.ID(), p2.ID()}, Position{PageID: p1.ID(), BlockIndex: insertedAt}, nil
	}
	return []dateid.ID{p1.ID(), p2.ID()}, Position{PageID: p2.ID(), BlockIndex: insertedAt - split}, nil
}

// splitNearMiddle returns the first block boundary at which the running
// encoded size of combined reaches half of its total.
func splitNearMiddle(combined []codec.Block) int {
	total := encodedSize(combined)
	half := total / 2
	running := 0
	for i, b := range combined {
		running += len(b.Encode())
		if running >= half {
			if i+1 >= len(combined) {
				return i
			}
			return i + 1
		}
	}
	return len(combined) / 2
}

// Delete implements spec.md §4.5's deletion: the symmetric operation to
// Insert. If the owning page becomes empty, its id is marked removed
// without a replacement. A cursor whose Path spans multiple pages (the
// entry straddled a page boundary) is unwound one page at a time: every
// page but the last loses blocks from its cursor position through the
// end of the page; the last loses exactly the closing run.
func (ix *Index) Delete(ctx context.Context, cursor InstanceCursor) error {
	if len(cursor.Path) == 0 {
		return fmt.Errorf("index: delete requires a non-empty cursor")
	}
	for i, pos := range cursor.Path {
		p, err := ix.resolve(ctx, pos.PageID)
		if err != nil {
			return err
		}
		runs, trailing, err := p.BlockRuns(ctx)
		if err != nil {
			return err
		}
		var all []codec.Block
		for _, r := range runs {
			all = append(all, r.Blocks...)
		}
		all = append(all, trailing.Blocks...)

		removeCount := len(all) - pos.BlockIndex
		if i == len(cursor.Path)-1 {
			removeCount = -1
			for _, r := range runs {
				if r.StartBlockIndex == pos.BlockIndex {
					removeCount = len(r.Blocks)
					break
				}
			}
			if removeCount < 0 {
				return fmt.Errorf("index: delete cursor does not name an entry boundary on page %s", pos.PageID)
			}
		}

		remaining := append(append([]codec.Block{}, all[:pos.BlockIndex]...), all[pos.BlockIndex+removeCount:]...)
		if len(remaining) == 0 {
			ix.man.MarkRemoved(pos.PageID)
			continue
		}
		newPage, err := ix.newPage()
		if err != nil {
			return err
		}
		for _, b := range remaining {
			newPage.AppendPending(b)
		}
		ix.man.ReplaceAt(pos.PageID, []dateid.ID{newPage.ID()})
	}
	ix.invalidateBoundaries()
	return nil
}

// Reset implements spec.md §4.5's reset: discard all pages by replacing
// the manifest with an empty one. Callers are expected to reinsert
// afresh; the discarded pages remain on disk until the pruner collects
// them (spec.md §4.9 "Retention").
func (ix *Index) Reset(newManifestID dateid.ID) {
	ix.man = manifest.Empty(newManifestID)
	ix.pages = make(map[dateid.ID]*page.Page)
	ix.invalidateBoundaries()
}

// PersistIfNeeded writes every not-yet-persisted page touched by this
// index's working copy to disk. Callers persist the manifest itself
// separately once every index in the transaction has done so (spec.md
// §4.9 "Commit" step 1: pages before manifests).
func (ix *Index) PersistIfNeeded() error {
	for _, id := range ix.man.AddedPageIDs() {
		p, ok := ix.pages[id]
		if !ok {
			continue
		}
		if err := p.PersistIfNeeded(ix.locatorFor(id)); err != nil {
			return fmt.Errorf("index %s: %w", ix.id, err)
		}
	}
	return nil
}
