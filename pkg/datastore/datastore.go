// Package datastore implements spec.md §4.7: the in-process registry of
// root/index/page handles for one record collection, dispatching the
// transactional cursor and mutation API and emitting change events to
// observers.
package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pagestore/pkg/codec"
	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/index"
	"github.com/cuemby/pagestore/pkg/page"
	"github.com/rs/zerolog"
)

// IndexOpener opens (or freshly creates) the *index.Index handle for one
// manifest id. name is "" for the primary index. A Datastore calls this
// at most once per manifest id over its own lifetime (one transaction),
// caching the result in its indexes map (spec.md §4.9's "Ownership" note).
type IndexOpener func(ctx context.Context, kind page.IndexKind, name string, indexID, manifestID dateid.ID) (*index.Index, error)

// Datastore is one typed record collection (spec.md §3 "Datastore"):
// one primary index plus any number of declared direct/secondary
// indexes, addressed by datastore_key within its owning snapshot.
type Datastore struct {
	key string
	dir string

	root *dsroot.Root
	open IndexOpener

	mu        sync.Mutex
	indexes   map[string]*index.Index
	working   map[string]*index.Index // by index name; the private copy this transaction mutates
	observers []*Observer

	log zerolog.Logger
}

// New wraps a working root with the machinery to resolve, cursor over,
// and mutate its indexes. root is typically produced by dsroot.Empty or
// dsroot.DeriveFrom by the owning snapshot/persistence layer.
func New(key, dir string, root *dsroot.Root, open IndexOpener, log zerolog.Logger) *Datastore {
	return &Datastore{
		key:     key,
		dir:     dir,
		root:    root,
		open:    open,
		indexes: make(map[string]*index.Index),
		working: make(map[string]*index.Index),
		log:     log.With().Str("datastore", key).Logger(),
	}
}

// Key returns the datastore_key this instance was opened under.
func (d *Datastore) Key() string { return d.key }

// Root returns the current working root. Callers in the same
// transaction that mutate indexes through this Datastore observe the
// root's added/removed bookkeeping update as a side effect.
func (d *Datastore) Root() *dsroot.Root { return d.root }

func (d *Datastore) resolverFor(ctx context.Context, kind page.IndexKind, name string, indexID dateid.ID) dsroot.Resolver {
	return func(manifestID dateid.ID) (*index.Index, error) {
		return d.getIndex(ctx, kind, name, indexID, manifestID)
	}
}

func (d *Datastore) getIndex(ctx context.Context, kind page.IndexKind, name string, indexID, manifestID dateid.ID) (*index.Index, error) {
	d.mu.Lock()
	if ix, ok := d.indexes[manifestID.String()]; ok {
		d.mu.Unlock()
		return ix, nil
	}
	d.mu.Unlock()

	ix, err := d.open(ctx, kind, name, indexID, manifestID)
	if err != nil {
		return nil, fmt.Errorf("datastore: opening index %q: %w", name, err)
	}
	d.mu.Lock()
	d.indexes[manifestID.String()] = ix
	d.mu.Unlock()
	return ix, nil
}

// PrimaryIndex resolves the primary index handle.
func (d *Datastore) PrimaryIndex(ctx context.Context) (*index.Index, error) {
	return d.root.PrimaryIndex(d.resolverFor(ctx, page.KindPrimary, "", dateid.ID{}))
}

// DirectIndex resolves a declared direct index by name.
func (d *Datastore) DirectIndex(ctx context.Context, name string) (*index.Index, error) {
	info, ok := findInfo(d.root.DirectIndexes, name)
	if !ok {
		return nil, fmt.Errorf("%w: direct index %q", ErrIndexNotFound, name)
	}
	return d.root.DirectIndex(d.resolverFor(ctx, page.KindDirect, name, info.IndexID), name)
}

// SecondaryIndex resolves a declared reference secondary index by name.
func (d *Datastore) SecondaryIndex(ctx context.Context, name string) (*index.Index, error) {
	info, ok := findInfo(d.root.SecondaryIndexes, name)
	if !ok {
		return nil, fmt.Errorf("%w: secondary index %q", ErrIndexNotFound, name)
	}
	return d.root.SecondaryIndex(d.resolverFor(ctx, page.KindReference, name, info.IndexID), name)
}

func findInfo(infos []dsroot.IndexInfo, name string) (dsroot.IndexInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return dsroot.IndexInfo{}, false
}

// --- cursor_for ---

func (d *Datastore) lookupCursor(ctx context.Context, ix *index.Index, sc scope, name string, key index.Key) (*Cursor, error) {
	instance, _, found, err := ix.Locate(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrInstanceNotFound
	}
	return &Cursor{owner: d, scope: sc, name: name, ix: ix, key: key, instance: &instance}, nil
}

func (d *Datastore) insertionCursor(ctx context.Context, ix *index.Index, sc scope, name string, key index.Key) (*Cursor, error) {
	_, insertion, found, err := ix.Locate(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, ErrInstanceAlreadyExists
	}
	return &Cursor{owner: d, scope: sc, name: name, ix: ix, key: key, insertion: &insertion}, nil
}

// PrimaryInstanceCursor looks up an existing primary entry by identifier.
func (d *Datastore) PrimaryInstanceCursor(ctx context.Context, identifier []byte) (*Cursor, error) {
	ix, err := d.PrimaryIndex(ctx)
	if err != nil {
		return nil, err
	}
	return d.lookupCursor(ctx, ix, scopePrimary, "", index.Key{ID: identifier})
}

// PrimaryInsertionCursor locates where a not-yet-present identifier
// would be inserted.
func (d *Datastore) PrimaryInsertionCursor(ctx context.Context, identifier []byte) (*Cursor, error) {
	ix, err := d.PrimaryIndex(ctx)
	if err != nil {
		return nil, err
	}
	return d.insertionCursor(ctx, ix, scopePrimary, "", index.Key{ID: identifier})
}

// DirectInstanceCursor looks up an existing direct-index entry.
func (d *Datastore) DirectInstanceCursor(ctx context.Context, name string, value, identifier []byte) (*Cursor, error) {
	ix, err := d.DirectIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.lookupCursor(ctx, ix, scopeDirect, name, index.Key{Value: value, ID: identifier})
}

// DirectInsertionCursor locates where a direct-index entry would insert.
func (d *Datastore) DirectInsertionCursor(ctx context.Context, name string, value, identifier []byte) (*Cursor, error) {
	ix, err := d.DirectIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.insertionCursor(ctx, ix, scopeDirect, name, index.Key{Value: value, ID: identifier})
}

// SecondaryInstanceCursor looks up an existing reference-index entry.
func (d *Datastore) SecondaryInstanceCursor(ctx context.Context, name string, value, identifier []byte) (*Cursor, error) {
	ix, err := d.SecondaryIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.lookupCursor(ctx, ix, scopeSecondary, name, index.Key{Value: value, ID: identifier})
}

// SecondaryInsertionCursor locates where a reference-index entry would
// insert.
func (d *Datastore) SecondaryInsertionCursor(ctx context.Context, name string, value, identifier []byte) (*Cursor, error) {
	ix, err := d.SecondaryIndex(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.insertionCursor(ctx, ix, scopeSecondary, name, index.Key{Value: value, ID: identifier})
}

// --- range scans ---

// PrimaryIndexScan walks the primary index between lo and hi.
func (d *Datastore) PrimaryIndexScan(ctx context.Context, lo, hi index.Bound, ascending bool, consume index.ScanConsumer) error {
	ix, err := d.PrimaryIndex(ctx)
	if err != nil {
		return err
	}
	return ix.Scan(ctx, lo, hi, ascending, consume)
}

// DirectIndexScan walks a named direct index between lo and hi.
func (d *Datastore) DirectIndexScan(ctx context.Context, name string, lo, hi index.Bound, ascending bool, consume index.ScanConsumer) error {
	ix, err := d.DirectIndex(ctx, name)
	if err != nil {
		return err
	}
	return ix.Scan(ctx, lo, hi, ascending, consume)
}

// SecondaryIndexScan walks a named reference index between lo and hi.
func (d *Datastore) SecondaryIndexScan(ctx context.Context, name string, lo, hi index.Bound, ascending bool, consume index.ScanConsumer) error {
	ix, err := d.SecondaryIndex(ctx, name)
	if err != nil {
		return err
	}
	return ix.Scan(ctx, lo, hi, ascending, consume)
}

// --- mutations ---

// claimWorkingIndex returns the private copy-on-write successor of the
// named index that every mutation within this transaction must run
// against, deriving one (via index.DeriveWorking, under a freshly
// generated manifest id) and rotating the working root to point at it
// the first time this transaction touches that index. ix is the handle
// a cursor resolved the index through; it is only consulted the first
// time, since every later resolution of the same name already lands on
// the derived copy once the root's pointer has moved (spec.md line 294:
// copy-on-write is "the atomicity mechanism and the undo-history
// mechanism" -- an ordinary Insert/Delete must never mutate a manifest
// that might still be shared, via the store's index cache, with another
// in-flight or already-aborted transaction).
func (d *Datastore) claimWorkingIndex(name string, ix *index.Index) (*index.Index, error) {
	d.mu.Lock()
	if working, ok := d.working[name]; ok {
		d.mu.Unlock()
		return working, nil
	}
	d.mu.Unlock()

	now := time.Now()
	manifestID, err := dateid.Generate(now)
	if err != nil {
		return nil, fmt.Errorf("datastore: allocating working manifest for index %q: %w", name, err)
	}
	working := ix.DeriveWorking(manifestID)
	if err := d.root.ReplaceIndex(now, name, manifestID); err != nil {
		return nil, fmt.Errorf("datastore: claiming working copy for index %q: %w", name, err)
	}

	d.mu.Lock()
	d.working[name] = working
	d.indexes[manifestID.String()] = working
	d.mu.Unlock()
	return working, nil
}

func (d *Datastore) persistEntry(ctx context.Context, cursor *Cursor, sc scope, name string, entry codec.Entry) error {
	if err := cursor.checkUsable(d, sc, name); err != nil {
		return err
	}
	defer cursor.consume()

	ix, err := d.claimWorkingIndex(name, cursor.ix)
	if err != nil {
		return fmt.Errorf("datastore: persisting entry: %w", err)
	}

	eventType := EventCreated
	if cursor.instance != nil {
		if err := ix.Delete(ctx, *cursor.instance); err != nil {
			return fmt.Errorf("datastore: replacing entry: %w", err)
		}
		_, insertion, found, err := ix.Locate(ctx, cursor.key)
		if err != nil {
			return fmt.Errorf("datastore: relocating entry for update: %w", err)
		}
		if found {
			return fmt.Errorf("datastore: entry for %v still present after delete", cursor.key)
		}
		if _, err := ix.Insert(ctx, insertion, entry); err != nil {
			return fmt.Errorf("datastore: inserting updated entry: %w", err)
		}
		eventType = EventUpdated
	} else {
		if _, err := ix.Insert(ctx, *cursor.insertion, entry); err != nil {
			return fmt.Errorf("datastore: inserting entry: %w", err)
		}
	}

	d.emit(Event{Type: eventType, IndexName: name, Identifier: cursor.key.ID, Entry: entry.Content})
	d.log.Debug().Str("index", name).Str("event", string(eventType)).Msg("entry persisted")
	return nil
}

func (d *Datastore) deleteEntry(ctx context.Context, cursor *Cursor, sc scope, name string) error {
	if err := cursor.checkUsable(d, sc, name); err != nil {
		return err
	}
	if cursor.instance == nil {
		return fmt.Errorf("datastore: delete requires a lookup cursor")
	}
	defer cursor.consume()

	ix, err := d.claimWorkingIndex(name, cursor.ix)
	if err != nil {
		return fmt.Errorf("datastore: deleting entry: %w", err)
	}

	if err := ix.Delete(ctx, *cursor.instance); err != nil {
		return fmt.Errorf("datastore: deleting entry: %w", err)
	}
	d.emit(Event{Type: EventDeleted, IndexName: name, Identifier: cursor.key.ID})
	return nil
}

// PersistPrimaryEntry writes entry at cursor, consuming it.
func (d *Datastore) PersistPrimaryEntry(ctx context.Context, cursor *Cursor, entry codec.Entry) error {
	return d.persistEntry(ctx, cursor, scopePrimary, "", entry)
}

// DeletePrimaryEntry removes the entry at cursor, consuming it.
func (d *Datastore) DeletePrimaryEntry(ctx context.Context, cursor *Cursor) error {
	return d.deleteEntry(ctx, cursor, scopePrimary, "")
}

// PersistDirectEntry writes entry at cursor in the named direct index.
func (d *Datastore) PersistDirectEntry(ctx context.Context, name string, cursor *Cursor, entry codec.Entry) error {
	return d.persistEntry(ctx, cursor, scopeDirect, name, entry)
}

// DeleteDirectEntry removes the entry at cursor in the named direct
// index.
func (d *Datastore) DeleteDirectEntry(ctx context.Context, name string, cursor *Cursor) error {
	return d.deleteEntry(ctx, cursor, scopeDirect, name)
}

// PersistSecondaryEntry writes entry at cursor in the named reference
// index.
func (d *Datastore) PersistSecondaryEntry(ctx context.Context, name string, cursor *Cursor, entry codec.Entry) error {
	return d.persistEntry(ctx, cursor, scopeSecondary, name, entry)
}

// DeleteSecondaryEntry removes the entry at cursor in the named
// reference index.
func (d *Datastore) DeleteSecondaryEntry(ctx context.Context, name string, cursor *Cursor) error {
	return d.deleteEntry(ctx, cursor, scopeSecondary, name)
}

func (d *Datastore) resetIndex(ctx context.Context, now time.Time, kind page.IndexKind, name string, indexID dateid.ID) error {
	manifestID, err := dateid.Generate(now)
	if err != nil {
		return fmt.Errorf("datastore: allocating reset manifest: %w", err)
	}
	if err := d.root.ReplaceIndex(now, name, manifestID); err != nil {
		return fmt.Errorf("datastore: resetting index %q: %w", name, err)
	}
	ix, err := d.getIndex(ctx, kind, name, indexID, manifestID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.working[name] = ix
	d.mu.Unlock()
	return nil
}

// ResetPrimaryIndex replaces the primary index with a fresh empty
// manifest.
func (d *Datastore) ResetPrimaryIndex(ctx context.Context, now time.Time) error {
	return d.resetIndex(ctx, now, page.KindPrimary, "", dateid.ID{})
}

// ResetDirectIndex replaces a named direct index with a fresh empty
// manifest.
func (d *Datastore) ResetDirectIndex(ctx context.Context, now time.Time, name string) error {
	info, ok := findInfo(d.root.DirectIndexes, name)
	if !ok {
		return fmt.Errorf("%w: direct index %q", ErrIndexNotFound, name)
	}
	return d.resetIndex(ctx, now, page.KindDirect, name, info.IndexID)
}

// ResetSecondaryIndex replaces a named reference index with a fresh
// empty manifest.
func (d *Datastore) ResetSecondaryIndex(ctx context.Context, now time.Time, name string) error {
	info, ok := findInfo(d.root.SecondaryIndexes, name)
	if !ok {
		return fmt.Errorf("%w: secondary index %q", ErrIndexNotFound, name)
	}
	return d.resetIndex(ctx, now, page.KindReference, name, info.IndexID)
}

// DeleteDirectIndex drops a declared direct index entirely.
func (d *Datastore) DeleteDirectIndex(now time.Time, name string) error {
	if err := d.root.DeleteIndex(now, name); err != nil {
		return err
	}
	d.emit(Event{Type: EventIndexRemoved, IndexName: name})
	return nil
}

// DeleteSecondaryIndex drops a declared reference index entirely.
func (d *Datastore) DeleteSecondaryIndex(now time.Time, name string) error {
	if err := d.root.DeleteIndex(now, name); err != nil {
		return err
	}
	d.emit(Event{Type: EventIndexRemoved, IndexName: name})
	return nil
}

// ApplyDescriptor merges a new descriptor into the working root,
// emitting indexAdded/indexRemoved for every declaration that changed.
func (d *Datastore) ApplyDescriptor(now time.Time, desc dsroot.Descriptor, newIndex dsroot.NewIndexFunc) error {
	before := make(map[string]bool)
	for _, info := range append(append([]dsroot.IndexInfo{}, d.root.DirectIndexes...), d.root.SecondaryIndexes...) {
		before[info.Name] = true
	}
	if err := d.root.ApplyDescriptor(now, desc, newIndex); err != nil {
		return err
	}
	after := make(map[string]bool)
	for _, info := range append(append([]dsroot.IndexInfo{}, d.root.DirectIndexes...), d.root.SecondaryIndexes...) {
		after[info.Name] = true
		if !before[info.Name] {
			d.emit(Event{Type: EventIndexAdded, IndexName: info.Name})
		}
	}
	for name := range before {
		if !after[name] {
			d.emit(Event{Type: EventIndexRemoved, IndexName: name})
		}
	}
	return nil
}

// TouchedIndexes returns every index handle this datastore has resolved
// so far in its lifetime (spec.md §4.9 commit step 1, "for each touched
// root: write ... any new pages"): the set a commit needs to persist.
func (d *Datastore) TouchedIndexes() []*index.Index {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*index.Index, 0, len(d.indexes))
	for _, ix := range d.indexes {
		out = append(out, ix)
	}
	return out
}

// --- observers ---

// MakeObserver registers a new subscriber with the given buffering
// policy and returns it; the caller drains Events() and calls Close()
// when done.
func (d *Datastore) MakeObserver(policy BufferingPolicy) *Observer {
	o := newObserver(policy)
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
	return o
}

func (d *Datastore) emit(ev Event) {
	d.mu.Lock()
	observers := append([]*Observer{}, d.observers...)
	d.mu.Unlock()
	for _, o := range observers {
		o.publish(ev)
	}
}
