package record

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/index"
	"github.com/cuemby/pagestore/pkg/retention"
	"github.com/cuemby/pagestore/pkg/store"
	"github.com/stretchr/testify/require"
)

type widget struct {
	ID    []byte
	Title string
	Owner string
}

func widgetDescriptor() Descriptor[widget] {
	return Descriptor[widget]{
		InstanceType: "Widget",
		Version:      1,
		Identifier:   func(w widget) []byte { return w.ID },
		Direct: []Field[widget]{
			{Name: "title", Value: func(w widget) []byte { return []byte(w.Title) }},
		},
		Secondary: []Field[widget]{
			{Name: "owner", Value: func(w widget) []byte { return []byte(w.Owner) }},
		},
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), store.Options{PageSize: 4096, Retention: retention.Indefinite()})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	desc := widgetDescriptor()

	tx, err := s.Begin(ctx, false)
	require.NoError(t, err)
	ds, err := tx.Datastore("widgets", desc.toDsroot())
	require.NoError(t, err)
	coll := Bind(ds, desc)

	require.NoError(t, coll.Put(ctx, widget{ID: []byte{0x01}, Title: "a", Owner: "alice"}))
	require.NoError(t, tx.Commit())

	tx2, err := s.Begin(ctx, true)
	require.NoError(t, err)
	ds2, err := tx2.Datastore("widgets", dsroot.Descriptor{})
	require.NoError(t, err)
	coll2 := Bind(ds2, desc)

	got, ok, err := coll2.Get(ctx, []byte{0x01})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", got.Title)
	tx2.Rollback()
}

func TestScanDirectOverTitle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	desc := widgetDescriptor()

	tx, err := s.Begin(ctx, false)
	require.NoError(t, err)
	ds, err := tx.Datastore("widgets", desc.toDsroot())
	require.NoError(t, err)
	coll := Bind(ds, desc)

	titles := []string{"A", "B", "C", "D"}
	for i, title := range titles {
		require.NoError(t, coll.Put(ctx, widget{ID: []byte{byte(i + 1)}, Title: title, Owner: "alice"}))
	}
	require.NoError(t, tx.Commit())

	tx2, err := s.Begin(ctx, true)
	require.NoError(t, err)
	ds2, err := tx2.Datastore("widgets", dsroot.Descriptor{})
	require.NoError(t, err)
	coll2 := Bind(ds2, desc)
	defer tx2.Rollback()

	var seen []string
	err = coll2.ScanDirect(ctx, "title", index.Including([]byte("B")), index.Excluding([]byte("D")), true,
		func(_ context.Context, w widget) (bool, error) {
			seen = append(seen, w.Title)
			return true, nil
		})
	require.NoError(t, err)
	require.Equal(t, []string{"B", "C"}, seen)
}

func TestDeleteRemovesEveryIndexEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	desc := widgetDescriptor()

	tx, err := s.Begin(ctx, false)
	require.NoError(t, err)
	ds, err := tx.Datastore("widgets", desc.toDsroot())
	require.NoError(t, err)
	coll := Bind(ds, desc)

	w := widget{ID: []byte{0x09}, Title: "gone", Owner: "bob"}
	require.NoError(t, coll.Put(ctx, w))
	require.NoError(t, coll.Delete(ctx, w))
	require.NoError(t, tx.Commit())

	tx2, err := s.Begin(ctx, true)
	require.NoError(t, err)
	ds2, err := tx2.Datastore("widgets", dsroot.Descriptor{})
	require.NoError(t, err)
	defer tx2.Rollback()
	coll2 := Bind(ds2, desc)

	_, ok, err := coll2.Get(ctx, []byte{0x09})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReconcileBackfillsNewDirectIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	baseDesc := Descriptor[widget]{
		InstanceType: "Widget",
		Version:      1,
		Identifier:   func(w widget) []byte { return w.ID },
	}

	tx, err := s.Begin(ctx, false)
	require.NoError(t, err)
	ds, err := tx.Datastore("widgets", baseDesc.toDsroot())
	require.NoError(t, err)
	coll := Bind(ds, baseDesc)
	require.NoError(t, coll.Put(ctx, widget{ID: []byte{0x01}, Title: "a", Owner: "alice"}))
	require.NoError(t, coll.Put(ctx, widget{ID: []byte{0x02}, Title: "b", Owner: "alice"}))
	require.NoError(t, tx.Commit())

	widened := widgetDescriptor()
	tx2, err := s.Begin(ctx, false)
	require.NoError(t, err)
	ds2, err := tx2.Datastore("widgets", dsroot.Descriptor{})
	require.NoError(t, err)
	coll2 := Bind(ds2, widened)
	require.NoError(t, coll2.Reconcile(ctx, time.Now()))
	require.NoError(t, tx2.Commit())

	tx3, err := s.Begin(ctx, true)
	require.NoError(t, err)
	ds3, err := tx3.Datastore("widgets", dsroot.Descriptor{})
	require.NoError(t, err)
	defer tx3.Rollback()
	coll3 := Bind(ds3, widened)

	var titles []string
	err = coll3.ScanDirect(ctx, "title", index.Extent(), index.Extent(), true,
		func(_ context.Context, w widget) (bool, error) {
			titles = append(titles, w.Title)
			return true, nil
		})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, titles)
}
