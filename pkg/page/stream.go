package page

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/pagestore/pkg/codec"
)

// Header is the fixed page-file preamble (spec.md §4.3).
const Header = "PAGE\n"

// stream is the lazy, multiplexed block reader described in spec.md's
// design note "Lazy reopenable streams": a single background read of the
// page file feeds any number of independent cursors, each remembering
// only its own position into a shared, append-only buffer. The file
// handle closes as soon as the last block (or the read error) has been
// produced.
type stream struct {
	open func() (io.ReadCloser, error)

	startOnce sync.Once

	mu       sync.Mutex
	blocks   []codec.Block
	finished bool
	err      error
	updated  chan struct{}
}

func newStream(open func() (io.ReadCloser, error)) *stream {
	return &stream{open: open, updated: make(chan struct{})}
}

func (s *stream) ensureStarted() {
	s.startOnce.Do(func() { go s.run() })
}

func (s *stream) run() {
	rc, err := s.open()
	if err != nil {
		s.finish(fmt.Errorf("page: opening page file: %w", err))
		return
	}
	defer rc.Close()

	br := bufio.NewReader(rc)
	header := make([]byte, len(Header))
	if _, err := io.ReadFull(br, header); err != nil {
		s.finish(fmt.Errorf("%w: reading page header: %v", codec.ErrInvalidPageFormat, err))
		return
	}
	if string(header) != Header {
		s.finish(fmt.Errorf("%w: page missing %q header", codec.ErrInvalidPageFormat, Header))
		return
	}

	for {
		b, err := codec.DecodeBlock(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(nil)
				return
			}
			s.finish(err)
			return
		}
		s.append(b)
	}
}

func (s *stream) append(b codec.Block) {
	s.mu.Lock()
	s.blocks = append(s.blocks, b)
	ch := s.updated
	s.updated = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

func (s *stream) finish(err error) {
	s.mu.Lock()
	s.finished = true
	s.err = err
	ch := s.updated
	s.mu.Unlock()
	close(ch)
}

// at blocks until the i-th block is available, the stream finishes, or
// ctx is cancelled.
func (s *stream) at(ctx context.Context, i int) (codec.Block, bool, error) {
	s.ensureStarted()
	for {
		s.mu.Lock()
		if i < len(s.blocks) {
			b := s.blocks[i]
			s.mu.Unlock()
			return b, true, nil
		}
		if s.finished {
			err := s.err
			s.mu.Unlock()
			return codec.Block{}, false, err
		}
		ch := s.updated
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return codec.Block{}, false, ctx.Err()
		}
	}
}

// Cursor is a restartable, forward-only position into a page's block
// sequence. Distinct cursors over the same page never re-read the file
// or race one another.
type Cursor struct {
	pending []codec.Block // set for in-memory, not-yet-persisted pages
	stream  *stream        // set for pages backed by a file on disk
	pos     int
}

// Next returns the next block, or ok=false once the sequence is
// exhausted (err is nil in that case).
func (c *Cursor) Next(ctx context.Context) (codec.Block, bool, error) {
	if c.pending != nil {
		if c.pos >= len(c.pending) {
			return codec.Block{}, false, nil
		}
		b := c.pending[c.pos]
		c.pos++
		return b, true, nil
	}
	b, ok, err := c.stream.at(ctx, c.pos)
	if err != nil || !ok {
		return codec.Block{}, false, err
	}
	c.pos++
	return b, true, nil
}

// Reset rewinds the cursor to the first block.
func (c *Cursor) Reset() { c.pos = 0 }
