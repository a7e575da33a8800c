// Package retention implements spec.md §4.9 "Retention": the predicate
// that decides, for each iteration in a snapshot's history, whether it
// is still needed, and the sweep that turns that decision into a set of
// ids eligible for deletion.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/snapshot"
	"golang.org/x/sync/errgroup"
)

// Policy decides whether one historical iteration, distance commits
// behind the current one, should be pruned.
type Policy interface {
	ShouldPrune(now time.Time, it *snapshot.Iteration, distance int) bool
}

type policyFunc func(now time.Time, it *snapshot.Iteration, distance int) bool

func (f policyFunc) ShouldPrune(now time.Time, it *snapshot.Iteration, distance int) bool {
	return f(now, it, distance)
}

// None never prunes. Distinct from Indefinite only in the operator's
// stated intent (retention explicitly disabled vs. explicitly kept
// forever); both evaluate identically.
func None() Policy { return policyFunc(func(time.Time, *snapshot.Iteration, int) bool { return false }) }

// Indefinite never prunes.
func Indefinite() Policy {
	return policyFunc(func(time.Time, *snapshot.Iteration, int) bool { return false })
}

// TransactionCount prunes any iteration more than n commits behind
// current.
func TransactionCount(n int) Policy {
	return policyFunc(func(_ time.Time, _ *snapshot.Iteration, distance int) bool { return distance > n })
}

// Duration prunes any iteration older than d.
func Duration(d time.Duration) Policy {
	return policyFunc(func(now time.Time, it *snapshot.Iteration, _ int) bool { return now.Sub(it.CreationDate) > d })
}

// Both prunes only when both a and b agree.
func Both(a, b Policy) Policy {
	return policyFunc(func(now time.Time, it *snapshot.Iteration, distance int) bool {
		return a.ShouldPrune(now, it, distance) && b.ShouldPrune(now, it, distance)
	})
}

// Either prunes when a or b says to.
func Either(a, b Policy) Policy {
	return policyFunc(func(now time.Time, it *snapshot.Iteration, distance int) bool {
		return a.ShouldPrune(now, it, distance) || b.ShouldPrune(now, it, distance)
	})
}

// IterationLoader loads the iteration identified by id, for walking a
// chain backward via PrecedingIteration.
type IterationLoader func(ctx context.Context, id dateid.ID) (*snapshot.Iteration, error)

// RootLoader loads a datastore root by id, so its own removed-manifest
// and removed-index sets can be folded into the sweep.
type RootLoader func(ctx context.Context, id dateid.ID) (*dsroot.Root, error)

// Plan is the set of identifiers a sweep makes eligible for deletion.
// Pruning only ever deletes files no reachable iteration references, so
// every id here was already demoted (never live) by the time it landed
// in a removed_* set.
type Plan struct {
	Iterations     []dateid.ID
	DatastoreRoots []dateid.ID
	IndexManifests []dateid.ID
	RemovedIndexes []dateid.ID
}

// Evaluate walks the chain backward from current, classifying each
// preceding iteration against policy. Once an iteration first evaluates
// as prunable, every iteration older than it is pruned too (retention
// policies are monotonic in distance/age, so this is the "oldest
// still-retained iteration" the spec describes, found implicitly by
// continuing to walk once pruning starts) -- every iteration from there
// to the chain's start contributes its removed_* sets to the plan.
func Evaluate(ctx context.Context, now time.Time, current *snapshot.Iteration, policy Policy, load IterationLoader) (Plan, error) {
	var plan Plan
	it := current
	distance := 0
	pruning := false

	for it.PrecedingIteration != nil {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		prev, err := load(ctx, *it.PrecedingIteration)
		if err != nil {
			return Plan{}, fmt.Errorf("retention: loading iteration %s: %w", it.PrecedingIteration, err)
		}
		distance++

		if !pruning && !policy.ShouldPrune(now, prev, distance) {
			it = prev
			continue
		}
		pruning = true

		plan.Iterations = append(plan.Iterations, prev.ID)
		plan.DatastoreRoots = append(plan.DatastoreRoots, prev.RemovedDatastoreRoots...)
		it = prev
	}
	return plan, nil
}

// ExpandDatastoreRoots loads every datastore root the plan marked for
// deletion and folds each root's own removed index-manifest and
// removed-index sets into the plan (the index-manifest-level analog of
// the page-level removed sets a manifest tracks). Roots are loaded
// concurrently via an errgroup, matching spec.md §5's
// actor-per-object model: each root load is an independent I/O-bound
// suspension point with no shared mutable state between them.
func (p *Plan) ExpandDatastoreRoots(ctx context.Context, load RootLoader) error {
	if len(p.DatastoreRoots) == 0 {
		return nil
	}
	manifests := make([][]dateid.ID, len(p.DatastoreRoots))
	indexes := make([][]dateid.ID, len(p.DatastoreRoots))

	g, gctx := errgroup.WithContext(ctx)
	for i, rootID := range p.DatastoreRoots {
		i, rootID := i, rootID
		g.Go(func() error {
			root, err := load(gctx, rootID)
			if err != nil {
				return fmt.Errorf("retention: loading datastore root %s: %w", rootID, err)
			}
			manifests[i] = root.RemovedIndexManifests
			indexes[i] = root.RemovedIndexes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i := range p.DatastoreRoots {
		p.IndexManifests = append(p.IndexManifests, manifests[i]...)
		p.RemovedIndexes = append(p.RemovedIndexes, indexes[i]...)
	}
	return nil
}
