// Package page implements spec.md §4.3: a lazy, cacheable reader/writer
// of one page file, presenting its entries as a restartable asynchronous
// sequence of blocks (§4.2).
package page

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/pagestore/pkg/codec"
	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/rs/zerolog"
)

// Page is immutable once persisted (spec.md §4.3 invariant): a given page
// ID resolves to exactly one byte sequence forever. Before that point it
// holds a pending, in-memory block list that the owning index is still
// building.
type Page struct {
	id   dateid.ID
	path string // empty until the page has been assigned a location

	mu        sync.Mutex
	persisted bool
	pending   []codec.Block
	stream    *stream

	log zerolog.Logger
}

// New creates a fresh, unpersisted page with the given ID.
func New(id dateid.ID, log zerolog.Logger) *Page {
	return &Page{id: id, log: log.With().Str("page_id", id.String()).Logger()}
}

// Open wraps an existing page file already on disk at path. Its contents
// are not read until a Cursor (or BlockRuns/Entries) first reads from it.
func Open(id dateid.ID, path string, log zerolog.Logger) *Page {
	p := &Page{id: id, path: path, persisted: true, log: log.With().Str("page_id", id.String()).Logger()}
	p.stream = newStream(func() (io.ReadCloser, error) { return os.Open(path) })
	return p
}

// ID returns the page's dated identifier.
func (p *Page) ID() dateid.ID { return p.id }

// IsPersisted reports whether the page has been written to disk.
func (p *Page) IsPersisted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persisted
}

// AppendPending adds a block to an unpersisted page's working set. It
// panics if called on an already-persisted page, since pages are
// immutable once written (a programmer error, not a runtime condition).
func (p *Page) AppendPending(b codec.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.persisted {
		panic("page: AppendPending called on a persisted page")
	}
	p.pending = append(p.pending, b)
}

// PendingSize returns the encoded byte size of the page's current
// pending blocks.
func (p *Page) PendingSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, b := range p.pending {
		total += len(b.Encode())
	}
	return total
}

// PendingBlocks returns a copy of the page's current pending blocks.
func (p *Page) PendingBlocks() []codec.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]codec.Block, len(p.pending))
	copy(out, p.pending)
	return out
}

// Cursor returns a fresh, independent cursor over the page's blocks.
func (p *Page) Cursor() *Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.persisted {
		pending := make([]codec.Block, len(p.pending))
		copy(pending, p.pending)
		return &Cursor{pending: pending}
	}
	return &Cursor{stream: p.stream}
}

// Run is one entry's block run within a page, along with the block
// index at which it starts (used to build InstanceCursor/InsertionCursor
// positions in the index layer).
type Run struct {
	Blocks          []codec.Block
	StartBlockIndex int
}

// BlockRuns walks the page's full block stream and groups it into
// complete entry runs (each either a lone "complete" block or a
// "head, slice*, tail" sequence). A page may end mid-run when its last
// entry's tail lives on a following page; that trailing, not-yet-closed
// run is returned separately rather than treated as an error, so callers
// spanning multiple pages (the index layer) can stitch it to the next
// page's leading blocks.
func (p *Page) BlockRuns(ctx context.Context) (runs []Run, trailing Run, err error) {
	cur := p.Cursor()
	var run []codec.Block
	runStart := 0
	for i := 0; ; i++ {
		b, ok, nerr := cur.Next(ctx)
		if nerr != nil {
			return nil, Run{}, fmt.Errorf("page %s: %w", p.id, nerr)
		}
		if !ok {
			break
		}
		if len(run) == 0 {
			runStart = i
		}
		run = append(run, b)
		if b.Kind == codec.KindComplete || b.Kind == codec.KindTail {
			runs = append(runs, Run{Blocks: run, StartBlockIndex: runStart})
			run = nil
		}
	}
	if len(run) != 0 {
		trailing = Run{Blocks: run, StartBlockIndex: runStart}
	}
	return runs, trailing, nil
}

// Entries decodes the page's full block stream into reassembled entry
// byte runs. It is a convenience for callers that know (or require) that
// no entry straddles this page's boundary, such as tests and ad hoc
// inspection; use BlockRuns directly when entries may continue onto a
// following page.
func (p *Page) Entries(ctx context.Context) ([][]byte, error) {
	runs, trailing, err := p.BlockRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(trailing.Blocks) != 0 {
		return nil, fmt.Errorf("page %s: %w: trailing incomplete block run", p.id, codec.ErrInvalidPageFormat)
	}
	entries := make([][]byte, 0, len(runs))
	for _, run := range runs {
		entry, err := codec.Reassemble(run.Blocks)
		if err != nil {
			return nil, fmt.Errorf("page %s: %w", p.id, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PersistIfNeeded writes the page to disk at locator's path if it has
// not been persisted yet. The write is atomic: content lands in a
// sibling temp file which is then renamed into place, so a crash never
// leaves a partially written page visible under its final name.
func (p *Page) PersistIfNeeded(locator Locator) error {
	p.mu.Lock()
	if p.persisted {
		p.mu.Unlock()
		return nil
	}
	blocks := make([]codec.Block, len(p.pending))
	copy(blocks, p.pending)
	p.mu.Unlock()

	path, err := locator.Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("page: creating directory for %s: %w", p.id, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".page-*.tmp")
	if err != nil {
		return fmt.Errorf("page: creating temp file for %s: %w", p.id, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.WriteString(Header); err != nil {
		tmp.Close()
		return fmt.Errorf("page: writing header for %s: %w", p.id, err)
	}
	for _, b := range blocks {
		if _, err := tmp.Write(b.Encode()); err != nil {
			tmp.Close()
			return fmt.Errorf("page: writing block for %s: %w", p.id, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("page: syncing %s: %w", p.id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("page: closing temp file for %s: %w", p.id, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("page: renaming into place for %s: %w", p.id, err)
	}

	p.mu.Lock()
	p.persisted = true
	p.path = path
	p.stream = newStream(func() (io.ReadCloser, error) { return os.Open(path) })
	p.mu.Unlock()

	p.log.Debug().Str("path", path).Int("blocks", len(blocks)).Msg("page persisted")
	return nil
}

// Path returns the page's on-disk path, if it has been assigned one.
func (p *Page) Path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}
