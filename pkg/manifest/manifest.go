// Package manifest implements spec.md §4.4: the index manifest, an
// ordered list of page IDs with add/remove markers describing one
// index's shape at one iteration.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"

	"github.com/cuemby/pagestore/pkg/dateid"
)

// ErrInvalidFormat is returned when manifest text cannot be parsed.
var ErrInvalidFormat = errors.New("manifest: invalid index manifest format")

// PageState marks why a page info entry appears in a manifest.
type PageState byte

const (
	// StateExisting pages are inherited unchanged from the manifest this
	// one supersedes.
	StateExisting PageState = ' '
	// StateAdded pages were introduced by the iteration that wrote this
	// manifest.
	StateAdded PageState = '+'
	// StateRemoved pages were demoted by the iteration that wrote this
	// manifest; they remain on disk so earlier readers stay valid, and
	// become eligible for pruning once no reachable iteration needs them.
	StateRemoved PageState = '-'
)

// PageInfo is one line of a manifest: a page ID and its state relative
// to the manifest's predecessor.
type PageInfo struct {
	State  PageState
	PageID dateid.ID
}

// FormatVersion is the current on-disk manifest format.
const FormatVersion = 1

// Manifest is an immutable (once persisted) snapshot of one index.
type Manifest struct {
	ID      dateid.ID
	Version int
	Pages   []PageInfo
}

// Empty creates a manifest with no pages, as used by Index.Reset.
func Empty(id dateid.ID) *Manifest {
	return &Manifest{ID: id, Version: FormatVersion}
}

// DeriveFrom starts a new manifest for id, inheriting the previous
// manifest's currently-present pages as StateExisting. The caller then
// calls MarkAdded/MarkRemoved to record this iteration's delta.
func DeriveFrom(id dateid.ID, prev *Manifest) *Manifest {
	m := &Manifest{ID: id, Version: prev.Version}
	for _, pid := range prev.OrderedPageIDs() {
		m.Pages = append(m.Pages, PageInfo{State: StateExisting, PageID: pid})
	}
	return m
}

// MarkAdded appends a newly-introduced page.
func (m *Manifest) MarkAdded(id dateid.ID) {
	m.Pages = append(m.Pages, PageInfo{State: StateAdded, PageID: id})
}

// MarkRemoved flips id's first non-removed page info (existing or added) to StateRemoved,
// preserving its position so ordering is unaffected for readers that
// still need it. It is a no-op if id is not present.
func (m *Manifest) MarkRemoved(id dateid.ID) {
	for i := range m.Pages {
		if m.Pages[i].PageID.Equal(id) && m.Pages[i].State != StateRemoved {
			m.Pages[i].State = StateRemoved
			return
		}
	}
}

// PositionOf returns the slice index of id's page info entry, if present
// (regardless of state).
func (m *Manifest) PositionOf(id dateid.ID) (int, bool) {
	for i := range m.Pages {
		if m.Pages[i].PageID.Equal(id) {
			return i, true
		}
	}
	return 0, false
}

// InsertBefore splices newly-added page infos immediately before anchor's
// position, leaving anchor itself untouched. Used when a fresh page is
// allocated to hold entry content that could not fit alongside anchor
// (spec.md §4.2 step 3's "skip the current page" case), but must still
// sort ahead of it.
func (m *Manifest) InsertBefore(anchor dateid.ID, ids []dateid.ID) {
	m.insertAt(anchor, 0, ids)
}

// InsertAfter is InsertBefore's mirror, splicing after anchor's position.
func (m *Manifest) InsertAfter(anchor dateid.ID, ids []dateid.ID) {
	m.insertAt(anchor, 1, ids)
}

func (m *Manifest) insertAt(anchor dateid.ID, offset int, ids []dateid.ID) {
	if len(ids) == 0 {
		return
	}
	added := make([]PageInfo, len(ids))
	for i, id := range ids {
		added[i] = PageInfo{State: StateAdded, PageID: id}
	}
	pos, ok := m.PositionOf(anchor)
	if !ok {
		m.Pages = append(m.Pages, added...)
		return
	}
	at := pos + offset
	m.Pages = append(m.Pages[:at], append(append([]PageInfo{}, added...), m.Pages[at:]...)...)
}

// ReplaceAt marks oldID removed in place and splices newIDs in as added
// entries immediately after its position, so the present page order
// reflects newIDs occupying oldID's logical slot. It is a no-op (beyond
// the removal) if oldID is not present.
func (m *Manifest) ReplaceAt(oldID dateid.ID, newIDs []dateid.ID) {
	m.MarkRemoved(oldID)
	m.InsertAfter(oldID, newIDs)
}

// OrderedPageIDs returns the present (non-removed) page IDs in manifest
// order, the order of Pages: added pages appear wherever MarkAdded or
// InsertBefore/InsertAfter/ReplaceAt placed them among existing ones.
func (m *Manifest) OrderedPageIDs() []dateid.ID {
	var out []dateid.ID
	for _, p := range m.Pages {
		if p.State != StateRemoved {
			out = append(out, p.PageID)
		}
	}
	return out
}

// AddedPageIDs returns pages introduced by the iteration that wrote this
// manifest.
func (m *Manifest) AddedPageIDs() []dateid.ID {
	var out []dateid.ID
	for _, p := range m.Pages {
		if p.State == StateAdded {
			out = append(out, p.PageID)
		}
	}
	return out
}

// RemovedPageIDs returns pages demoted by the iteration that wrote this
// manifest.
func (m *Manifest) RemovedPageIDs() []dateid.ID {
	var out []dateid.ID
	for _, p := range m.Pages {
		if p.State == StateRemoved {
			out = append(out, p.PageID)
		}
	}
	return out
}

// Encode renders the manifest's on-disk text form: "INDEX\n" followed by
// one line per page info.
func (m *Manifest) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString("INDEX\n")
	for _, p := range m.Pages {
		buf.WriteByte(byte(p.State))
		buf.WriteString(p.PageID.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Decode parses manifest text, assigning it the given ID (the manifest's
// identity comes from its filename, not its content).
func Decode(id dateid.ID, raw []byte) (*Manifest, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: empty manifest", ErrInvalidFormat)
	}
	if scanner.Text() != "INDEX" {
		return nil, fmt.Errorf("%w: missing INDEX header", ErrInvalidFormat)
	}

	m := &Manifest{ID: id, Version: FormatVersion}
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) != dateid.Length+1 {
			return nil, fmt.Errorf("%w: malformed page line %q", ErrInvalidFormat, line)
		}
		state := PageState(line[0])
		switch state {
		case StateExisting, StateAdded, StateRemoved:
		default:
			return nil, fmt.Errorf("%w: unknown page state %q", ErrInvalidFormat, line[0])
		}
		pageID, err := dateid.Parse(line[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		m.Pages = append(m.Pages, PageInfo{State: state, PageID: pageID})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return m, nil
}
