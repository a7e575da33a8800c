package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/retention"
	"github.com/cuemby/pagestore/pkg/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genID(t *testing.T, token uint64) dateid.ID {
	t.Helper()
	return dateid.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), token)
}

// chain builds n iterations, oldest first, each one hour apart, linked
// via PrecedingIteration/SuccessiveIterations, and returns them plus a
// loader over the in-memory set.
func chain(t *testing.T, n int) ([]*snapshot.Iteration, retention.IterationLoader) {
	t.Helper()
	its := make([]*snapshot.Iteration, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := genID(t, uint64(i))
		its[i] = &snapshot.Iteration{ID: id, CreationDate: base.Add(time.Duration(i) * time.Hour)}
		if i > 0 {
			prevID := its[i-1].ID
			its[i].PrecedingIteration = &prevID
			its[i].RemovedDatastoreRoots = []dateid.ID{genID(t, uint64(1000+i))}
		}
	}
	byID := make(map[string]*snapshot.Iteration, n)
	for _, it := range its {
		byID[it.ID.String()] = it
	}
	return its, func(_ context.Context, id dateid.ID) (*snapshot.Iteration, error) {
		return byID[id.String()], nil
	}
}

func TestNoneNeverPrunes(t *testing.T) {
	its, load := chain(t, 5)
	current := its[len(its)-1]
	plan, err := retention.Evaluate(context.Background(), time.Now(), current, retention.None(), load)
	require.NoError(t, err)
	assert.Empty(t, plan.Iterations)
}

func TestIndefiniteNeverPrunes(t *testing.T) {
	its, load := chain(t, 5)
	current := its[len(its)-1]
	plan, err := retention.Evaluate(context.Background(), time.Now(), current, retention.Indefinite(), load)
	require.NoError(t, err)
	assert.Empty(t, plan.Iterations)
}

func TestTransactionCountPrunesBeyondDistance(t *testing.T) {
	its, load := chain(t, 5)
	current := its[len(its)-1]
	plan, err := retention.Evaluate(context.Background(), time.Now(), current, retention.TransactionCount(2), load)
	require.NoError(t, err)

	// distance 1,2 retained; distance 3,4 (its[1], its[0]) pruned.
	require.Len(t, plan.Iterations, 2)
	assert.True(t, plan.Iterations[0].Equal(its[1].ID))
	assert.True(t, plan.Iterations[1].Equal(its[0].ID))
}

func TestDurationPrunesOlderThan(t *testing.T) {
	its, load := chain(t, 5)
	current := its[len(its)-1]
	now := its[len(its)-1].CreationDate

	plan, err := retention.Evaluate(context.Background(), now, current, retention.Duration(2*time.Hour), load)
	require.NoError(t, err)

	require.Len(t, plan.Iterations, 2)
	assert.True(t, plan.Iterations[0].Equal(its[1].ID))
	assert.True(t, plan.Iterations[1].Equal(its[0].ID))
}

func TestBothRequiresBothPolicies(t *testing.T) {
	its, load := chain(t, 5)
	current := its[len(its)-1]
	now := its[len(its)-1].CreationDate

	strict := retention.Both(retention.TransactionCount(1), retention.Duration(time.Hour))
	plan, err := retention.Evaluate(context.Background(), now, current, strict, load)
	require.NoError(t, err)

	// distance 1 (age 1h) satisfies neither; from distance 2 (age 2h) both
	// agree, so its[2], its[1] and its[0] are pruned.
	require.Len(t, plan.Iterations, 3)
}

func TestEitherRequiresOnePolicy(t *testing.T) {
	its, load := chain(t, 5)
	current := its[len(its)-1]
	now := its[len(its)-1].CreationDate

	lenient := retention.Either(retention.TransactionCount(3), retention.Duration(time.Hour))
	plan, err := retention.Evaluate(context.Background(), now, current, lenient, load)
	require.NoError(t, err)

	// Duration(1h) starts pruning from distance 2 (age 2h > 1h), the
	// looser of the two thresholds.
	require.Len(t, plan.Iterations, 3)
}

func TestEvaluateStopsAtChainStart(t *testing.T) {
	its, load := chain(t, 3)
	current := its[len(its)-1]
	plan, err := retention.Evaluate(context.Background(), time.Now(), current, retention.TransactionCount(0), load)
	require.NoError(t, err)
	assert.Len(t, plan.Iterations, 2)
}

func TestExpandDatastoreRootsFoldsRemovedSets(t *testing.T) {
	rootID := genID(t, 99)
	manifestID := genID(t, 100)
	indexID := genID(t, 101)

	plan := retention.Plan{DatastoreRoots: []dateid.ID{rootID}}
	load := func(_ context.Context, id dateid.ID) (*dsroot.Root, error) {
		assert.True(t, id.Equal(rootID))
		return &dsroot.Root{
			RemovedIndexManifests: []dateid.ID{manifestID},
			RemovedIndexes:        []dateid.ID{indexID},
		}, nil
	}

	require.NoError(t, plan.ExpandDatastoreRoots(context.Background(), load))
	require.Len(t, plan.IndexManifests, 1)
	assert.True(t, plan.IndexManifests[0].Equal(manifestID))
	require.Len(t, plan.RemovedIndexes, 1)
	assert.True(t, plan.RemovedIndexes[0].Equal(indexID))
}

func TestExpandDatastoreRootsNoopWhenEmpty(t *testing.T) {
	var plan retention.Plan
	called := false
	load := func(_ context.Context, id dateid.ID) (*dsroot.Root, error) {
		called = true
		return &dsroot.Root{}, nil
	}
	require.NoError(t, plan.ExpandDatastoreRoots(context.Background(), load))
	assert.False(t, called)
}
