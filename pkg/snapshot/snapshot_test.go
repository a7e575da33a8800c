package snapshot_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/snapshot"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genID(t *testing.T) dateid.ID {
	t.Helper()
	id, err := dateid.Generate(time.Now())
	require.NoError(t, err)
	return id
}

func newTestSnapshot(t *testing.T, persist snapshot.PersistFunc) (*snapshot.Snapshot, *snapshot.Manifest) {
	t.Helper()
	dir := t.TempDir()
	id := genID(t)
	first := snapshot.Empty(genID(t), time.Now())
	man := &snapshot.Manifest{Version: "alpha", ID: id, ModificationDate: time.Now(), CurrentIteration: first.ID}
	s := snapshot.New(dir, man, first, persist, zerolog.Nop())
	t.Cleanup(s.Close)
	return s, man
}

func TestCurrentIterationReturnsConstructedValue(t *testing.T) {
	s, _ := newTestSnapshot(t, nil)
	it, err := s.CurrentIteration(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, it)
}

func TestUpdateAdvancesCurrentIterationAndManifest(t *testing.T) {
	s, man := newTestSnapshot(t, nil)
	ctx := context.Background()

	nextID := genID(t)
	result, err := s.Update(ctx, func(ctx context.Context, current *snapshot.Iteration) (*snapshot.Iteration, error) {
		next := snapshot.DeriveFrom(nextID, time.Now(), current)
		next.DataStores["items"] = snapshot.DatastoreRef{Key: "items", ID: genID(t), RootID: genID(t)}
		return next, nil
	})
	require.NoError(t, err)
	assert.True(t, result.ID.Equal(nextID))
	assert.True(t, man.CurrentIteration.Equal(nextID))

	current, err := s.CurrentIteration(ctx)
	require.NoError(t, err)
	assert.Contains(t, current.DataStores, "items")
}

func TestUpdateNoopWhenFnReturnsCurrent(t *testing.T) {
	s, man := newTestSnapshot(t, nil)
	ctx := context.Background()
	before := man.CurrentIteration

	_, err := s.Update(ctx, func(ctx context.Context, current *snapshot.Iteration) (*snapshot.Iteration, error) {
		return current, nil
	})
	require.NoError(t, err)
	assert.True(t, man.CurrentIteration.Equal(before))
}

func TestUpdateRollsBackWhenPersistFails(t *testing.T) {
	boom := assert.AnError
	s, man := newTestSnapshot(t, func(ctx context.Context, it *snapshot.Iteration) error { return boom })
	ctx := context.Background()
	before := man.CurrentIteration

	_, err := s.Update(ctx, func(ctx context.Context, current *snapshot.Iteration) (*snapshot.Iteration, error) {
		return snapshot.DeriveFrom(genID(t), time.Now(), current), nil
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, man.CurrentIteration.Equal(before))
}

func TestReentrantUpdateFromWithinReadRunsInline(t *testing.T) {
	s, _ := newTestSnapshot(t, nil)
	ctx := context.Background()

	err := s.Read(ctx, func(taskCtx context.Context, current *snapshot.Iteration) error {
		_, err := s.Update(taskCtx, func(context.Context, *snapshot.Iteration) (*snapshot.Iteration, error) {
			return nil, nil
		})
		return err
	})
	require.NoError(t, err)
}

func TestCloseRejectsFurtherCalls(t *testing.T) {
	s, _ := newTestSnapshot(t, nil)
	s.Close()
	_, err := s.CurrentIteration(context.Background())
	assert.ErrorIs(t, err, snapshot.ErrClosed)
}

func TestCopyClonesDirectoryTree(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "Iterations"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "Manifest.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "Iterations", "a.json"), []byte(`{"id":"a"}`), 0o644))

	destDir := t.TempDir()
	require.NoError(t, snapshot.Copy(context.Background(), srcDir, snapshot.CopyTarget{Dir: destDir}))

	data, err := os.ReadFile(filepath.Join(destDir, "Iterations", "a.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, string(data))
}
