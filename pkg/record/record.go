// Package record is the typed record facade spec.md §1 names as a
// collaborator, not part of the core: it maps a user-declared Go type T
// onto one datastore's primary/direct/secondary indexes, handling
// serialization, key-path extraction, and per-version migration so
// callers never touch codec.Entry or index.Key directly.
//
// It generalizes cuemby-warren/pkg/types' approach -- plain value
// structs with a string identifier -- to an arbitrary declared type via
// Go generics, since this store has no fixed domain vocabulary the way
// warren has Node/Service/Task.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/pagestore/pkg/codec"
	"github.com/cuemby/pagestore/pkg/datastore"
	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/index"
	"github.com/google/uuid"
)

// Field names one declared index over a key path of T's value.
type Field[T any] struct {
	Name      string
	ValueType string
	Value     func(T) []byte
}

// Migration decodes a stored entry whose version header does not match
// the collection's current Version, producing a current-version T. Keyed
// by the version it migrates *from*.
type Migration[T any] func(content []byte) (T, error)

// Descriptor declares everything the facade needs to persist and
// retrieve values of type T: how to encode the identifier (spec.md §8's
// worked examples use a UUID, big-endian so byte order matches numeric
// order -- see UUIDIdentifier), which fields are indexed and how, and
// what to do when an older version's bytes are read back.
type Descriptor[T any] struct {
	InstanceType   string
	IdentifierType string
	Version        int
	Identifier     func(T) []byte
	Direct         []Field[T]
	Secondary      []Field[T]
	Migrations     map[int]Migration[T]
}

func (d Descriptor[T]) toDsroot() dsroot.Descriptor {
	out := dsroot.Descriptor{InstanceType: d.InstanceType, IdentifierType: d.IdentifierType}
	for _, f := range d.Direct {
		out.DirectIndexes = append(out.DirectIndexes, dsroot.FieldSpec{Name: f.Name, ValueType: f.ValueType, Version: d.Version})
	}
	for _, f := range d.Secondary {
		out.SecondaryIndexes = append(out.SecondaryIndexes, dsroot.FieldSpec{Name: f.Name, ValueType: f.ValueType, Version: d.Version})
	}
	return out
}

// UUIDIdentifier encodes id as its raw 16 bytes. uuid.UUID is already
// big-endian per RFC 4122, which is what spec.md §9's "numeric order for
// UUIDs" design note requires of an identifier's byte encoding.
func UUIDIdentifier(id uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// Collection is Descriptor bound to an open datastore within one
// transaction (spec.md §1 "the user-facing typed record facade").
type Collection[T any] struct {
	ds   *datastore.Datastore
	desc Descriptor[T]
}

// Open resolves (or, within a read-write transaction, creates) the named
// datastore and wraps it for T. desc.toDsroot is only consulted when the
// datastore does not already exist.
func Open[T any](ctx context.Context, begin func(string, dsroot.Descriptor) (*datastore.Datastore, error), key string, desc Descriptor[T]) (*Collection[T], error) {
	ds, err := begin(key, desc.toDsroot())
	if err != nil {
		return nil, err
	}
	return &Collection[T]{ds: ds, desc: desc}, nil
}

// Bind wraps an already-resolved datastore handle, e.g. one obtained
// from *store.Transaction.Datastore directly.
func Bind[T any](ds *datastore.Datastore, desc Descriptor[T]) *Collection[T] {
	return &Collection[T]{ds: ds, desc: desc}
}

func versionHeader(v int) []byte { return []byte(strconv.Itoa(v)) }

func parseVersionHeader(h []byte) (int, error) {
	return strconv.Atoi(string(h))
}

func (c *Collection[T]) encodePrimary(v T) (codec.Entry, error) {
	content, err := json.Marshal(v)
	if err != nil {
		return codec.Entry{}, fmt.Errorf("record: encoding %s: %w", c.desc.InstanceType, err)
	}
	return codec.Entry{Headers: [][]byte{versionHeader(c.desc.Version), c.desc.Identifier(v)}, Content: content}, nil
}

func (c *Collection[T]) encodeDirect(f Field[T], v T) (codec.Entry, error) {
	content, err := json.Marshal(v)
	if err != nil {
		return codec.Entry{}, fmt.Errorf("record: encoding %s: %w", c.desc.InstanceType, err)
	}
	headers := [][]byte{versionHeader(c.desc.Version), f.Value(v), c.desc.Identifier(v)}
	return codec.Entry{Headers: headers, Content: content}, nil
}

func (c *Collection[T]) encodeSecondary(f Field[T], v T) codec.Entry {
	return codec.Entry{Headers: [][]byte{f.Value(v), c.desc.Identifier(v)}}
}

func (c *Collection[T]) decodeContent(version int, content []byte) (T, error) {
	var zero T
	if version == c.desc.Version {
		var v T
		if err := json.Unmarshal(content, &v); err != nil {
			return zero, fmt.Errorf("record: decoding %s: %w", c.desc.InstanceType, err)
		}
		return v, nil
	}
	migrate, ok := c.desc.Migrations[version]
	if !ok {
		return zero, fmt.Errorf("record: %s: no migration registered from version %d to %d", c.desc.InstanceType, version, c.desc.Version)
	}
	return migrate(content)
}

func (c *Collection[T]) decodeEntry(raw []byte) (T, error) {
	var zero T
	entry, err := codec.DecodeEntry(raw)
	if err != nil {
		return zero, fmt.Errorf("record: %s: %w", c.desc.InstanceType, err)
	}
	if len(entry.Headers) == 0 {
		return zero, fmt.Errorf("record: %s: entry has no version header", c.desc.InstanceType)
	}
	version, err := parseVersionHeader(entry.Headers[0])
	if err != nil {
		return zero, fmt.Errorf("record: %s: malformed version header: %w", c.desc.InstanceType, err)
	}
	return c.decodeContent(version, entry.Content)
}

// Get resolves a record by identifier. ok is false when no entry exists
// for id.
func (c *Collection[T]) Get(ctx context.Context, id []byte) (value T, ok bool, err error) {
	ix, err := c.ds.PrimaryIndex(ctx)
	if err != nil {
		return value, false, err
	}
	raw, found, err := ix.Read(ctx, index.Key{ID: id})
	if err != nil || !found {
		return value, false, err
	}
	value, err = c.decodeEntry(raw)
	return value, err == nil, err
}

// Put upserts v, keyed by its identifier. Existing direct/secondary
// index entries are assumed to key on the same field values as before --
// callers whose indexed fields change across an update should Delete
// then Put instead, so the stale index entry is removed rather than
// orphaned.
func (c *Collection[T]) Put(ctx context.Context, v T) error {
	id := c.desc.Identifier(v)

	cur, err := c.ds.PrimaryInstanceCursor(ctx, id)
	if errors.Is(err, datastore.ErrInstanceNotFound) {
		cur, err = c.ds.PrimaryInsertionCursor(ctx, id)
	}
	if err != nil {
		return err
	}
	entry, err := c.encodePrimary(v)
	if err != nil {
		return err
	}
	if err := c.ds.PersistPrimaryEntry(ctx, cur, entry); err != nil {
		return err
	}

	for _, f := range c.desc.Direct {
		value := f.Value(v)
		dcur, derr := c.ds.DirectInstanceCursor(ctx, f.Name, value, id)
		if errors.Is(derr, datastore.ErrInstanceNotFound) {
			dcur, derr = c.ds.DirectInsertionCursor(ctx, f.Name, value, id)
		}
		if derr != nil {
			return derr
		}
		dentry, eerr := c.encodeDirect(f, v)
		if eerr != nil {
			return eerr
		}
		if err := c.ds.PersistDirectEntry(ctx, f.Name, dcur, dentry); err != nil {
			return err
		}
	}

	for _, f := range c.desc.Secondary {
		value := f.Value(v)
		scur, serr := c.ds.SecondaryInstanceCursor(ctx, f.Name, value, id)
		if errors.Is(serr, datastore.ErrInstanceNotFound) {
			scur, serr = c.ds.SecondaryInsertionCursor(ctx, f.Name, value, id)
		}
		if serr != nil {
			return serr
		}
		if err := c.ds.PersistSecondaryEntry(ctx, f.Name, scur, c.encodeSecondary(f, v)); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes v's primary entry and every declared index entry that
// describes it. v need only have its identifier and indexed fields
// populated correctly; Delete does not read the stored value back.
func (c *Collection[T]) Delete(ctx context.Context, v T) error {
	id := c.desc.Identifier(v)

	for _, f := range c.desc.Secondary {
		cur, err := c.ds.SecondaryInstanceCursor(ctx, f.Name, f.Value(v), id)
		if errors.Is(err, datastore.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := c.ds.DeleteSecondaryEntry(ctx, f.Name, cur); err != nil {
			return err
		}
	}
	for _, f := range c.desc.Direct {
		cur, err := c.ds.DirectInstanceCursor(ctx, f.Name, f.Value(v), id)
		if errors.Is(err, datastore.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := c.ds.DeleteDirectEntry(ctx, f.Name, cur); err != nil {
			return err
		}
	}

	cur, err := c.ds.PrimaryInstanceCursor(ctx, id)
	if errors.Is(err, datastore.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.ds.DeletePrimaryEntry(ctx, cur)
}

// Consumer receives one decoded value during a scan; a false return
// stops the scan early.
type Consumer[T any] func(ctx context.Context, v T) (bool, error)

// ScanDirect walks a declared direct index in [lo, hi]; entries there
// carry the full value inline, so no further lookup is needed.
func (c *Collection[T]) ScanDirect(ctx context.Context, name string, lo, hi index.Bound, ascending bool, consume Consumer[T]) error {
	return c.ds.DirectIndexScan(ctx, name, lo, hi, ascending, func(ctx context.Context, raw []byte) (bool, error) {
		v, err := c.decodeEntry(raw)
		if err != nil {
			return false, err
		}
		return consume(ctx, v)
	})
}

// ScanSecondary walks a declared reference index in [lo, hi]. Each
// matched entry is a pointer back to the primary, so this fetches the
// full value with one extra Get per match.
func (c *Collection[T]) ScanSecondary(ctx context.Context, name string, lo, hi index.Bound, ascending bool, consume Consumer[T]) error {
	return c.ds.SecondaryIndexScan(ctx, name, lo, hi, ascending, func(ctx context.Context, raw []byte) (bool, error) {
		entry, err := codec.DecodeEntry(raw)
		if err != nil {
			return false, err
		}
		if len(entry.Headers) != 2 {
			return false, fmt.Errorf("record: %s: malformed reference entry", c.desc.InstanceType)
		}
		id := entry.Headers[1]
		v, ok, err := c.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		return consume(ctx, v)
	})
}

// defaultNewIndex mints fresh index/manifest ids for a newly-declared
// index, for use with Reconcile below.
func defaultNewIndex(now time.Time) dsroot.NewIndexFunc {
	return func(string) (dateid.ID, dateid.ID, error) {
		indexID, err := dateid.Generate(now)
		if err != nil {
			return dateid.ID{}, dateid.ID{}, err
		}
		manifestID, err := dateid.Generate(now)
		if err != nil {
			return dateid.ID{}, dateid.ID{}, err
		}
		return indexID, manifestID, nil
	}
}

func indexNameSet(infos []dsroot.IndexInfo) map[string]bool {
	out := make(map[string]bool, len(infos))
	for _, info := range infos {
		out[info.Name] = true
	}
	return out
}

// Reconcile applies desc's current index declarations to the bound
// datastore (spec.md §8 "Index change triggers reindex"): a field newly
// present in Direct/Secondary gets a fresh empty index that is then
// backfilled from every existing primary entry; a field no longer
// present is dropped; an index already declared keeps its identity and
// its existing entries untouched.
func (c *Collection[T]) Reconcile(ctx context.Context, now time.Time) error {
	before := c.ds.Root()
	hadDirect := indexNameSet(before.DirectIndexes)
	hadSecondary := indexNameSet(before.SecondaryIndexes)

	if err := c.ds.ApplyDescriptor(now, c.desc.toDsroot(), defaultNewIndex(now)); err != nil {
		return err
	}

	for _, f := range c.desc.Direct {
		if hadDirect[f.Name] {
			continue
		}
		if err := c.backfillDirect(ctx, f); err != nil {
			return fmt.Errorf("record: backfilling direct index %q: %w", f.Name, err)
		}
	}
	for _, f := range c.desc.Secondary {
		if hadSecondary[f.Name] {
			continue
		}
		if err := c.backfillSecondary(ctx, f); err != nil {
			return fmt.Errorf("record: backfilling secondary index %q: %w", f.Name, err)
		}
	}
	return nil
}

func (c *Collection[T]) backfillDirect(ctx context.Context, f Field[T]) error {
	return c.ds.PrimaryIndexScan(ctx, index.Extent(), index.Extent(), true, func(ctx context.Context, raw []byte) (bool, error) {
		v, err := c.decodeEntry(raw)
		if err != nil {
			return false, err
		}
		cur, err := c.ds.DirectInsertionCursor(ctx, f.Name, f.Value(v), c.desc.Identifier(v))
		if err != nil {
			return false, err
		}
		entry, err := c.encodeDirect(f, v)
		if err != nil {
			return false, err
		}
		return true, c.ds.PersistDirectEntry(ctx, f.Name, cur, entry)
	})
}

func (c *Collection[T]) backfillSecondary(ctx context.Context, f Field[T]) error {
	return c.ds.PrimaryIndexScan(ctx, index.Extent(), index.Extent(), true, func(ctx context.Context, raw []byte) (bool, error) {
		v, err := c.decodeEntry(raw)
		if err != nil {
			return false, err
		}
		cur, err := c.ds.SecondaryInsertionCursor(ctx, f.Name, f.Value(v), c.desc.Identifier(v))
		if err != nil {
			return false, err
		}
		return true, c.ds.PersistSecondaryEntry(ctx, f.Name, cur, c.encodeSecondary(f, v))
	})
}
