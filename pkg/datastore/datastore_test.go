package datastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/pagestore/pkg/codec"
	"github.com/cuemby/pagestore/pkg/datastore"
	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/index"
	"github.com/cuemby/pagestore/pkg/manifest"
	"github.com/cuemby/pagestore/pkg/page"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diskLoader() index.Loader {
	return func(ctx context.Context, locator page.Locator) (*page.Page, error) {
		path, err := locator.Path()
		if err != nil {
			return nil, err
		}
		return page.Open(locator.PageID, path, zerolog.Nop()), nil
	}
}

func testOpener(dir string) datastore.IndexOpener {
	return func(ctx context.Context, kind page.IndexKind, name string, indexID, manifestID dateid.ID) (*index.Index, error) {
		man := manifest.Empty(manifestID)
		return index.New(kind, indexID, name, man, dir, 4096, diskLoader(), zerolog.Nop()), nil
	}
}

func newTestDatastore(t *testing.T) *datastore.Datastore {
	t.Helper()
	dir := t.TempDir()
	rootID, err := dateid.Generate(time.Now())
	require.NoError(t, err)
	primaryManifest, err := dateid.Generate(time.Now())
	require.NoError(t, err)
	root := dsroot.Empty(rootID, time.Now(), dsroot.Descriptor{InstanceType: "Item"}, primaryManifest)
	return datastore.New("items", dir, root, testOpener(dir), zerolog.Nop())
}

func entry(identifier byte, content string) codec.Entry {
	return codec.Entry{Headers: [][]byte{[]byte("v1"), {identifier}}, Content: []byte(content)}
}

func TestPrimaryInsertLookupDelete(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	cursor, err := ds.PrimaryInsertionCursor(ctx, []byte{1})
	require.NoError(t, err)
	require.NoError(t, ds.PersistPrimaryEntry(ctx, cursor, entry(1, "alice")))

	_, err = ds.PrimaryInsertionCursor(ctx, []byte{1})
	assert.ErrorIs(t, err, datastore.ErrInstanceAlreadyExists)

	lookup, err := ds.PrimaryInstanceCursor(ctx, []byte{1})
	require.NoError(t, err)
	require.NoError(t, ds.DeletePrimaryEntry(ctx, lookup))

	_, err = ds.PrimaryInstanceCursor(ctx, []byte{1})
	assert.ErrorIs(t, err, datastore.ErrInstanceNotFound)
}

func TestPersistPrimaryEntryUpdatesExisting(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	insert, err := ds.PrimaryInsertionCursor(ctx, []byte{1})
	require.NoError(t, err)
	require.NoError(t, ds.PersistPrimaryEntry(ctx, insert, entry(1, "v1")))

	lookup, err := ds.PrimaryInstanceCursor(ctx, []byte{1})
	require.NoError(t, err)
	require.NoError(t, ds.PersistPrimaryEntry(ctx, lookup, entry(1, "v2")))

	var seen string
	ix, err := ds.PrimaryIndex(ctx)
	require.NoError(t, err)
	err = ix.Scan(ctx, index.Extent(), index.Extent(), true, func(ctx context.Context, raw []byte) (bool, error) {
		e, err := codec.DecodeEntry(raw)
		require.NoError(t, err)
		seen = string(e.Content)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", seen)
}

func TestCursorCannotBeUsedTwice(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	cursor, err := ds.PrimaryInsertionCursor(ctx, []byte{1})
	require.NoError(t, err)
	require.NoError(t, ds.PersistPrimaryEntry(ctx, cursor, entry(1, "x")))

	err = ds.PersistPrimaryEntry(ctx, cursor, entry(1, "y"))
	assert.ErrorIs(t, err, datastore.ErrStaleCursor)
}

func TestCursorForeignToAnotherDatastoreIsRejected(t *testing.T) {
	dsA := newTestDatastore(t)
	dsB := newTestDatastore(t)
	ctx := context.Background()

	cursor, err := dsA.PrimaryInsertionCursor(ctx, []byte{1})
	require.NoError(t, err)

	err = dsB.PersistPrimaryEntry(ctx, cursor, entry(1, "x"))
	assert.ErrorIs(t, err, datastore.ErrUnknownCursor)
}

func TestApplyDescriptorAddsDirectIndexUsableForCursors(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	var tok uint64 = 10
	newIndex := func(name string) (dateid.ID, dateid.ID, error) {
		tok++
		indexID := dateid.New(time.Now(), tok)
		tok++
		manifestID := dateid.New(time.Now(), tok)
		return indexID, manifestID, nil
	}
	err := ds.ApplyDescriptor(time.Now(), dsroot.Descriptor{
		InstanceType:  "Item",
		DirectIndexes: []dsroot.FieldSpec{{Name: "title", ValueType: "string", Version: 1}},
	}, newIndex)
	require.NoError(t, err)

	cursor, err := ds.DirectInsertionCursor(ctx, "title", []byte("Hello"), []byte{1})
	require.NoError(t, err)
	require.NoError(t, ds.PersistDirectEntry(ctx, "title", cursor, codec.Entry{
		Headers: [][]byte{[]byte("v1"), []byte("Hello"), {1}},
		Content: []byte("ref"),
	}))

	_, err = ds.DirectInstanceCursor(ctx, "title", []byte("Hello"), []byte{1})
	require.NoError(t, err)
}

func TestDeleteDirectIndexEmitsIndexRemoved(t *testing.T) {
	ds := newTestDatastore(t)

	var tok uint64 = 50
	newIndex := func(name string) (dateid.ID, dateid.ID, error) {
		tok++
		indexID := dateid.New(time.Now(), tok)
		tok++
		manifestID := dateid.New(time.Now(), tok)
		return indexID, manifestID, nil
	}
	require.NoError(t, ds.ApplyDescriptor(time.Now(), dsroot.Descriptor{
		DirectIndexes: []dsroot.FieldSpec{{Name: "title", Version: 1}},
	}, newIndex))

	obs := ds.MakeObserver(datastore.Unbounded())
	defer obs.Close()

	require.NoError(t, ds.DeleteDirectIndex(time.Now(), "title"))

	ev := <-obs.Events()
	assert.Equal(t, datastore.EventIndexRemoved, ev.Type)
	assert.Equal(t, "title", ev.IndexName)

	_, err := ds.DirectIndex(context.Background(), "title")
	assert.ErrorIs(t, err, datastore.ErrIndexNotFound)
}

func TestObserverReceivesCreatedEvent(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	obs := ds.MakeObserver(datastore.BufferingOldest(4))
	defer obs.Close()

	cursor, err := ds.PrimaryInsertionCursor(ctx, []byte{7})
	require.NoError(t, err)
	require.NoError(t, ds.PersistPrimaryEntry(ctx, cursor, entry(7, "z")))

	ev := <-obs.Events()
	assert.Equal(t, datastore.EventCreated, ev.Type)
	assert.Equal(t, []byte{7}, ev.Identifier)
}

func TestResetPrimaryIndexClearsEntries(t *testing.T) {
	ds := newTestDatastore(t)
	ctx := context.Background()

	cursor, err := ds.PrimaryInsertionCursor(ctx, []byte{1})
	require.NoError(t, err)
	require.NoError(t, ds.PersistPrimaryEntry(ctx, cursor, entry(1, "x")))

	require.NoError(t, ds.ResetPrimaryIndex(ctx, time.Now()))

	_, err = ds.PrimaryInstanceCursor(ctx, []byte{1})
	assert.ErrorIs(t, err, datastore.ErrInstanceNotFound)
}
