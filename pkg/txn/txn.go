// Package txn implements spec.md §4.9's transaction scheduling: top-level
// write transactions on a persistence are linearized, read-only top-level
// transactions run concurrently, and a transaction opened from inside
// another active transaction attaches as a child of it.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/pagestore/pkg/dateid"
	"golang.org/x/sync/semaphore"
)

// ErrTransactingWithinExternalPersistence is raised when a non-readonly
// transaction is started from inside an active transaction belonging to
// a different persistence (spec.md §4.9).
var ErrTransactingWithinExternalPersistence = errors.New("txn: transacting within external persistence")

type ctxKey struct{}

type ctxEntry struct {
	scheduler *Scheduler
	txn       *Txn
}

func fromContext(ctx context.Context) (ctxEntry, bool) {
	e, ok := ctx.Value(ctxKey{}).(ctxEntry)
	return e, ok
}

// gate serializes non-readonly acquisitions FIFO while letting readonly
// acquisitions run concurrently, bounded by a semaphore so an unbounded
// burst of readers cannot exhaust goroutines/file descriptors.
type gate struct {
	writeCh chan struct{} // 1-buffered; holds a token when no writer is active
	readers *semaphore.Weighted
}

func newGate(maxConcurrentReaders int64) *gate {
	g := &gate{
		writeCh: make(chan struct{}, 1),
		readers: semaphore.NewWeighted(maxConcurrentReaders),
	}
	g.writeCh <- struct{}{}
	return g
}

func (g *gate) acquireWriter(ctx context.Context) (func(), error) {
	select {
	case <-g.writeCh:
		return func() { g.writeCh <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) acquireReader(ctx context.Context) (func(), error) {
	if err := g.readers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { g.readers.Release(1) }, nil
}

// defaultMaxConcurrentReaders bounds the number of readonly top-level
// transactions allowed to run at once against one persistence.
const defaultMaxConcurrentReaders = 256

// Scheduler linearizes top-level transactions for one persistence.
type Scheduler struct {
	key  string
	top  *gate
	next func() (dateid.ID, error)
}

// New builds a Scheduler for the persistence identified by key. genID
// mints the id assigned to each transaction begun through it.
func New(key string, genID func() (dateid.ID, error)) *Scheduler {
	return &Scheduler{key: key, top: newGate(defaultMaxConcurrentReaders), next: genID}
}

// Txn is a handle to one in-flight transaction, readonly or not,
// top-level or attached to a parent on the same persistence.
type Txn struct {
	id         dateid.ID
	scheduler  *Scheduler
	readonly   bool
	parent     *Txn
	release    func()
	childGate  *gate
	gateOnce   bool
	terminated bool
}

// ID returns the transaction's assigned id.
func (t *Txn) ID() dateid.ID { return t.id }

// Readonly reports whether the transaction may not mutate.
func (t *Txn) Readonly() bool { return t.readonly }

// Begin starts a transaction against s. If ctx carries an active
// transaction for a different persistence, readonly must be true, else
// ErrTransactingWithinExternalPersistence is raised. If ctx carries an
// active transaction for this same persistence, the new transaction
// attaches as its child instead of queuing behind s's top-level gate.
// The returned context carries the new transaction, so a nested Begin
// call sees it as its active transaction.
func (s *Scheduler) Begin(ctx context.Context, readonly bool) (*Txn, context.Context, error) {
	id, err := s.next()
	if err != nil {
		return nil, nil, fmt.Errorf("txn: generating id: %w", err)
	}

	if entry, ok := fromContext(ctx); ok {
		if entry.scheduler != s {
			if !readonly {
				return nil, nil, ErrTransactingWithinExternalPersistence
			}
		} else {
			return s.beginChild(ctx, entry.txn, id, readonly)
		}
	}

	var (
		release func()
		gerr    error
	)
	if readonly {
		release, gerr = s.top.acquireReader(ctx)
	} else {
		release, gerr = s.top.acquireWriter(ctx)
	}
	if gerr != nil {
		return nil, nil, gerr
	}

	t := &Txn{id: id, scheduler: s, readonly: readonly, release: release}
	return t, context.WithValue(ctx, ctxKey{}, ctxEntry{scheduler: s, txn: t}), nil
}

func (s *Scheduler) beginChild(ctx context.Context, parent *Txn, id dateid.ID, readonly bool) (*Txn, context.Context, error) {
	if !parent.gateOnce {
		parent.childGate = newGate(defaultMaxConcurrentReaders)
		parent.gateOnce = true
	}

	var (
		release func()
		err     error
	)
	if readonly {
		release, err = parent.childGate.acquireReader(ctx)
	} else {
		release, err = parent.childGate.acquireWriter(ctx)
	}
	if err != nil {
		return nil, nil, err
	}

	t := &Txn{id: id, scheduler: s, readonly: readonly, parent: parent, release: release}
	return t, context.WithValue(ctx, ctxKey{}, ctxEntry{scheduler: s, txn: t}), nil
}

// Done releases the resources t held, letting the next queued
// transaction (sibling or top-level successor) proceed. It is safe to
// call exactly once per transaction, on both commit and rollback/abort
// paths.
func (t *Txn) Done() {
	if t.terminated {
		return
	}
	t.terminated = true
	if t.release != nil {
		t.release()
	}
}
