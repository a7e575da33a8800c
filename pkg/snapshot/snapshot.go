// Package snapshot implements spec.md §4.8: one snapshot's iteration
// chain, and the serialized update/read task that protects it.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Update/Read calls submitted after Close.
var ErrClosed = errors.New("snapshot: closed")

// DatastoreRef names one datastore tracked by an iteration (spec.md §6
// "Snapshot-iteration JSON" dataStores{key -> {key, id, root}}).
type DatastoreRef struct {
	Key    string    `json:"key"`
	ID     dateid.ID `json:"id"`
	RootID dateid.ID `json:"root"`
}

// Iteration is one point in a snapshot's history (spec.md §3
// "SnapshotIteration", §6 "Snapshot-iteration JSON"): immutable once
// written, linked to its predecessor and successors.
type Iteration struct {
	ID                   dateid.ID               `json:"id"`
	CreationDate         time.Time               `json:"creationDate"`
	PrecedingIteration   *dateid.ID              `json:"precedingIteration,omitempty"`
	SuccessiveIterations []dateid.ID             `json:"successiveIterations"`
	ActionName           string                  `json:"actionName,omitempty"`
	DataStores           map[string]DatastoreRef `json:"dataStores"`

	AddedDatastores       []string    `json:"addedDatastores"`
	RemovedDatastores     []string    `json:"removedDatastores"`
	AddedDatastoreRoots   []dateid.ID `json:"addedDatastoreRoots"`
	RemovedDatastoreRoots []dateid.ID `json:"removedDatastoreRoots"`
}

// Clone returns a deep-enough copy of it suitable as the starting point
// for a new iteration: map/slice fields are copied so the caller can
// mutate the result without disturbing the iteration still referenced
// by concurrent readers.
func Clone(it *Iteration) *Iteration {
	next := *it
	next.SuccessiveIterations = append([]dateid.ID{}, it.SuccessiveIterations...)
	next.AddedDatastores = nil
	next.RemovedDatastores = nil
	next.AddedDatastoreRoots = nil
	next.RemovedDatastoreRoots = nil
	next.DataStores = make(map[string]DatastoreRef, len(it.DataStores))
	for k, v := range it.DataStores {
		next.DataStores[k] = v
	}
	return &next
}

// Empty creates the first iteration of a new snapshot, with no
// datastores.
func Empty(id dateid.ID, now time.Time) *Iteration {
	return &Iteration{ID: id, CreationDate: now, DataStores: make(map[string]DatastoreRef)}
}

// DeriveFrom starts a new iteration succeeding prev: prev's datastore
// map carries over, and prev gains next's id in its successor list
// (spec.md §4.9 commit step 3, "append the new iteration id to the
// preceding iteration's successors list").
func DeriveFrom(id dateid.ID, now time.Time, prev *Iteration) *Iteration {
	next := Clone(prev)
	next.ID = id
	next.CreationDate = now
	next.PrecedingIteration = &prev.ID
	next.ActionName = ""
	prev.SuccessiveIterations = append(prev.SuccessiveIterations, id)
	return next
}

// Manifest is the snapshot-level pointer document (spec.md §6
// `Manifest.json`): {version, id, modificationDate, currentIteration}.
type Manifest struct {
	Version          string    `json:"version"`
	ID               dateid.ID `json:"id"`
	ModificationDate time.Time `json:"modificationDate"`
	CurrentIteration dateid.ID `json:"currentIteration"`
}

// PersistFunc is called with the candidate next iteration, inside the
// serialized task, before it becomes current. An error aborts the
// update; the snapshot's current iteration is left unchanged.
type PersistFunc func(ctx context.Context, it *Iteration) error

// UpdateFunc inspects the current iteration and returns the iteration
// that should become current. Returning current unchanged (or nil)
// means no-op: no new iteration is written.
type UpdateFunc func(ctx context.Context, current *Iteration) (*Iteration, error)

// ReadFunc inspects the current iteration without mutating it.
type ReadFunc func(ctx context.Context, current *Iteration) error

type taskKey struct{}

type request struct {
	run  func(ctx context.Context)
	done chan struct{}
}

// Snapshot serializes every read and mutation of one iteration chain
// behind a single goroutine-owned task queue (spec.md §4.8 "update/read
// ... behind a single task that chains requests"), grounded on the
// channel-serialized mutator idiom in
// other_examples/85b8a0cd_pulumi-pulumi__pkg-backend-snapshot.go.go's
// SnapshotManager.mutate. Reentrant calls made from inside an
// already-running task (detected via a context value) run inline
// instead of deadlocking on the same queue.
type Snapshot struct {
	id  dateid.ID
	dir string

	man     *Manifest
	current *Iteration
	persist PersistFunc

	requests chan request
	closeCh  chan struct{}

	log zerolog.Logger
}

// New wraps an already-loaded manifest and current iteration with the
// task-serialization machinery. persist may be nil for a read-only or
// in-memory-only snapshot (tests).
func New(dir string, man *Manifest, current *Iteration, persist PersistFunc, log zerolog.Logger) *Snapshot {
	s := &Snapshot{
		id:       man.ID,
		dir:      dir,
		man:      man,
		current:  current,
		persist:  persist,
		requests: make(chan request),
		closeCh:  make(chan struct{}),
		log:      log.With().Str("snapshot", man.ID.String()).Logger(),
	}
	go s.run()
	return s
}

// ID returns the snapshot's stable id.
func (s *Snapshot) ID() dateid.ID { return s.id }

// Close stops the serialization task. Calls already queued complete;
// calls submitted afterward return ErrClosed.
func (s *Snapshot) Close() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
}

func (s *Snapshot) run() {
	for {
		select {
		case req := <-s.requests:
			taskCtx := context.WithValue(context.Background(), taskKey{}, s)
			req.run(taskCtx)
			close(req.done)
		case <-s.closeCh:
			return
		}
	}
}

func (s *Snapshot) reentrant(ctx context.Context) bool {
	owner, ok := ctx.Value(taskKey{}).(*Snapshot)
	return ok && owner == s
}

func (s *Snapshot) submit(ctx context.Context, run func(ctx context.Context)) error {
	if s.reentrant(ctx) {
		run(ctx)
		return nil
	}
	req := request{run: run, done: make(chan struct{})}
	select {
	case s.requests <- req:
	case <-s.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CurrentIteration returns the iteration the manifest currently points
// at (spec.md §4.8 "current_iteration(): ... (cached)"; loaded once at
// construction, kept in memory thereafter).
func (s *Snapshot) CurrentIteration(ctx context.Context) (*Iteration, error) {
	var it *Iteration
	err := s.submit(ctx, func(context.Context) { it = s.current })
	return it, err
}

// Read runs fn against the current iteration inside the serialized
// task. fn must not mutate the iteration it is given.
func (s *Snapshot) Read(ctx context.Context, fn ReadFunc) error {
	var ferr error
	if err := s.submit(ctx, func(taskCtx context.Context) { ferr = fn(taskCtx, s.current) }); err != nil {
		return err
	}
	return ferr
}

// Update runs fn against the current iteration inside the serialized
// task. If fn returns a distinct iteration, persist (when set) is
// invoked with it; on success it becomes current and the manifest's
// currentIteration pointer advances.
func (s *Snapshot) Update(ctx context.Context, fn UpdateFunc) (*Iteration, error) {
	var (
		result *Iteration
		ferr   error
	)
	err := s.submit(ctx, func(taskCtx context.Context) {
		next, err := fn(taskCtx, s.current)
		if err != nil {
			ferr = err
			return
		}
		if next == nil || next == s.current {
			result = s.current
			return
		}
		if s.persist != nil {
			if perr := s.persist(taskCtx, next); perr != nil {
				ferr = perr
				return
			}
		}
		s.current = next
		s.man.CurrentIteration = next.ID
		s.man.ModificationDate = next.CreationDate
		result = next
		s.log.Debug().Str("iteration", next.ID.String()).Msg("iteration committed")
	})
	if err != nil {
		return nil, err
	}
	return result, ferr
}

// CopyTarget describes the destination of a logical snapshot copy
// (spec.md §4.8 "copy").
type CopyTarget struct {
	Dir        string
	NewID      dateid.ID
	ActionName string
	PageSize   int
}

// Copy produces a full logical copy of this snapshot's directory tree
// at target.Dir. The caller (pkg/store, which owns cross-persistence
// wiring) is responsible for then writing a Manifest.json under
// target.Dir stamped with target.NewID and registering the copy with
// its destination persistence.
func (s *Snapshot) Copy(ctx context.Context, target CopyTarget) error {
	return Copy(ctx, s.dir, target)
}
