package index_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/pagestore/pkg/codec"
	"github.com/cuemby/pagestore/pkg/dateid"
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

func newTestIndex(t *testing.T, pageSize int) (*index.Index, dateid.ID, string) {
	t.Helper()
	dir := t.TempDir()
	id, err := dateid.Generate(time.Now())
	require.NoError(t, err)
	man := manifest.Empty(id)
	return index.New(page.KindPrimary, id, "", man, dir, pageSize, diskLoader(), zerolog.Nop()), id, dir
}

func primaryEntry(token byte, content string) codec.Entry {
	identifier := []byte{token}
	return codec.Entry{Headers: [][]byte{[]byte("v1"), identifier}, Content: []byte(content)}
}

func primaryKey(token byte) index.Key { return index.Key{ID: []byte{token}} }

func TestIndexInsertThenLocate(t *testing.T) {
	ix, _, _ := newTestIndex(t, 4096)
	ctx := context.Background()

	tokens := []byte{5, 1, 9, 3}
	for _, tok := range tokens {
		_, insCursor, found, err := ix.Locate(ctx, primaryKey(tok))
		require.NoError(t, err)
		require.False(t, found)
		_, err = ix.Insert(ctx, insCursor, primaryEntry(tok, fmt.Sprintf("value-%d", tok)))
		require.NoError(t, err)
	}

	for _, tok := range tokens {
		instance, _, found, err := ix.Locate(ctx, primaryKey(tok))
		require.NoError(t, err)
		require.True(t, found)
		require.NotEmpty(t, instance.Path)
	}

	_, _, found, err := ix.Locate(ctx, primaryKey(200))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIndexScanAscendingIsSorted(t *testing.T) {
	ix, _, _ := newTestIndex(t, 4096)
	ctx := context.Background()

	for _, tok := range []byte{5, 1, 9, 3, 7} {
		_, insCursor, _, err := ix.Locate(ctx, primaryKey(tok))
		require.NoError(t, err)
		_, err = ix.Insert(ctx, insCursor, primaryEntry(tok, fmt.Sprintf("v%d", tok)))
		require.NoError(t, err)
	}

	var seen []string
	err := ix.Scan(ctx, index.Extent(), index.Extent(), true, func(ctx context.Context, raw []byte) (bool, error) {
		e, err := codec.DecodeEntry(raw)
		require.NoError(t, err)
		seen = append(seen, string(e.Content))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v3", "v5", "v7", "v9"}, seen)
}

func TestIndexDeleteRemovesEntry(t *testing.T) {
	ix, _, _ := newTestIndex(t, 4096)
	ctx := context.Background()

	for _, tok := range []byte{1, 2, 3} {
		_, insCursor, _, err := ix.Locate(ctx, primaryKey(tok))
		require.NoError(t, err)
		_, err = ix.Insert(ctx, insCursor, primaryEntry(tok, "x"))
		require.NoError(t, err)
	}

	instance, _, found, err := ix.Locate(ctx, primaryKey(2))
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, ix.Delete(ctx, instance))

	_, _, found, err = ix.Locate(ctx, primaryKey(2))
	require.NoError(t, err)
	assert.False(t, found)

	for _, tok := range []byte{1, 3} {
		_, _, found, err := ix.Locate(ctx, primaryKey(tok))
		require.NoError(t, err)
		assert.True(t, found)
	}
}

func TestIndexSplitsOversizedPage(t *testing.T) {
	ix, _, _ := newTestIndex(t, 64)
	ctx := context.Background()

	for tok := byte(0); tok < 20; tok++ {
		_, insCursor, _, err := ix.Locate(ctx, primaryKey(tok))
		require.NoError(t, err)
		_, err = ix.Insert(ctx, insCursor, primaryEntry(tok, "payload-bytes-here"))
		require.NoError(t, err)
	}

	assert.Greater(t, len(ix.Manifest().OrderedPageIDs()), 1)
	for tok := byte(0); tok < 20; tok++ {
		_, _, found, err := ix.Locate(ctx, primaryKey(tok))
		require.NoError(t, err)
		assert.True(t, found, "token %d", tok)
	}
}

func TestIndexPersistThenReopenLocates(t *testing.T) {
	ix, id, dir := newTestIndex(t, 4096)
	ctx := context.Background()

	for _, tok := range []byte{1, 2, 3} {
		_, insCursor, _, err := ix.Locate(ctx, primaryKey(tok))
		require.NoError(t, err)
		_, err = ix.Insert(ctx, insCursor, primaryEntry(tok, "persisted"))
		require.NoError(t, err)
	}
	require.NoError(t, ix.PersistIfNeeded())

	reopened := index.New(page.KindPrimary, id, "", ix.Manifest(), dir, 4096, diskLoader(), zerolog.Nop())
	for _, tok := range []byte{1, 2, 3} {
		_, _, found, err := reopened.Locate(ctx, primaryKey(tok))
		require.NoError(t, err)
		assert.True(t, found)
	}
}

func TestDeriveWorkingLeavesOriginalUntouched(t *testing.T) {
	ix, _, _ := newTestIndex(t, 4096)
	ctx := context.Background()

	_, insCursor, _, err := ix.Locate(ctx, primaryKey(1))
	require.NoError(t, err)
	_, err = ix.Insert(ctx, insCursor, primaryEntry(1, "original"))
	require.NoError(t, err)
	originalManifestID := ix.Manifest().ID

	newManifestID, err := dateid.Generate(time.Now())
	require.NoError(t, err)
	working := ix.DeriveWorking(newManifestID)

	_, insCursor2, found, err := working.Locate(ctx, primaryKey(2))
	require.NoError(t, err)
	require.False(t, found)
	_, err = working.Insert(ctx, insCursor2, primaryEntry(2, "added-to-working-copy"))
	require.NoError(t, err)

	// The derived copy carries a new manifest identity and the new entry...
	assert.False(t, working.Manifest().ID.Equal(originalManifestID))
	_, _, found, err = working.Locate(ctx, primaryKey(2))
	require.NoError(t, err)
	assert.True(t, found)

	// ...but ix itself, and the id it was opened under, are unaffected.
	assert.True(t, ix.Manifest().ID.Equal(originalManifestID))
	_, _, found, err = ix.Locate(ctx, primaryKey(2))
	require.NoError(t, err)
	assert.False(t, found, "mutating the derived working copy must not affect the index it was derived from")
}
