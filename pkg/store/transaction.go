package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/datastore"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/metrics"
	"github.com/cuemby/pagestore/pkg/snapshot"
	"github.com/cuemby/pagestore/pkg/txn"
)

// Transaction is one unit of work against a Store (spec.md §4.9
// "Transaction"): a consistent view of the current iteration, plus
// whichever datastores it has touched so far. A read-only transaction
// never mutates anything it resolves; a read-write transaction derives
// a fresh working root for every datastore it opens, committed
// atomically as a group in Commit.
type Transaction struct {
	store    *Store
	ctx      context.Context
	handle   *txn.Txn
	readonly bool

	base *snapshot.Iteration

	datastores map[string]*datastore.Datastore
	dsDirs     map[string]string
	dsIDs      map[string]dateid.ID
	rootIDs    map[string]dateid.ID
	newKeys    map[string]bool

	done bool
}

// Begin starts a transaction against the store's current iteration
// (spec.md §4.9 "Transaction scheduling"). Nested Begin calls made from
// ctx attach as children of the active transaction (same store) or fail
// unless readonly (a different store).
func (s *Store) Begin(ctx context.Context, readonly bool) (*Transaction, error) {
	handle, tctx, err := s.scheduler.Begin(ctx, readonly)
	if err != nil {
		return nil, wrap("Begin", KindTransactingWithinExternal, err)
	}

	base, err := s.snap.CurrentIteration(tctx)
	if err != nil {
		handle.Done()
		return nil, wrap("Begin", KindCannotWrite, err)
	}

	mode := "write"
	if readonly {
		mode = "read"
	}
	metrics.TransactionsActive.WithLabelValues(mode).Inc()

	return &Transaction{
		store:      s,
		ctx:        tctx,
		handle:     handle,
		readonly:   readonly,
		base:       base,
		datastores: make(map[string]*datastore.Datastore),
		dsDirs:     make(map[string]string),
		dsIDs:      make(map[string]dateid.ID),
		rootIDs:    make(map[string]dateid.ID),
		newKeys:    make(map[string]bool),
	}, nil
}

// Context returns the transaction-scoped context passed to Begin's
// caller, carrying the active-transaction value child Begin calls
// detect.
func (t *Transaction) Context() context.Context { return t.ctx }

// Readonly reports whether this transaction may mutate anything.
func (t *Transaction) Readonly() bool { return t.readonly }

// DatastoreKeys lists every datastore key present in the iteration this
// transaction started from, for callers that want to enumerate a store's
// contents (the CLI's "datastores" command, chiefly) without already
// knowing which keys to ask for.
func (t *Transaction) DatastoreKeys() []string {
	keys := make([]string, 0, len(t.base.DataStores))
	for key := range t.base.DataStores {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Datastore resolves (or, for a read-write transaction, creates) the
// named datastore's working copy within this transaction. desc is only
// consulted when the key does not yet exist in the base iteration.
func (t *Transaction) Datastore(key string, desc dsroot.Descriptor) (*datastore.Datastore, error) {
	if ds, ok := t.datastores[key]; ok {
		return ds, nil
	}

	now := time.Now()
	ref, exists := t.base.DataStores[key]

	var (
		dsID        dateid.ID
		dsDir       string
		workingRoot *dsroot.Root
		err         error
	)

	switch {
	case exists:
		dsID = ref.ID
		dsDir, err = datastoreDir(t.store.snapDir, key, dsID)
		if err != nil {
			return nil, err
		}
		prevRoot, lerr := t.store.loadRoot(dsDir, ref.RootID)
		if lerr != nil {
			return nil, lerr
		}
		if t.readonly {
			workingRoot = prevRoot
		} else {
			rootID, gerr := t.store.genID()
			if gerr != nil {
				return nil, gerr
			}
			workingRoot = dsroot.DeriveFrom(rootID, now, prevRoot)
			t.rootIDs[key] = rootID
		}
		t.dsIDs[key] = dsID

	case t.readonly:
		return nil, newError("Datastore", KindDatastoreKeyNotFound, fmt.Errorf("datastore key %q not found", key))

	default:
		dsID, err = t.store.genID()
		if err != nil {
			return nil, err
		}
		dsDir, err = datastoreDir(t.store.snapDir, key, dsID)
		if err != nil {
			return nil, err
		}
		rootID, gerr := t.store.genID()
		if gerr != nil {
			return nil, gerr
		}
		manifestID, merr := t.store.genID()
		if merr != nil {
			return nil, merr
		}
		workingRoot = dsroot.Empty(rootID, now, desc, manifestID)
		t.rootIDs[key] = rootID
		t.dsIDs[key] = dsID
		t.newKeys[key] = true
	}

	ds := datastore.New(key, dsDir, workingRoot, t.store.indexOpener(dsDir), t.store.log)
	t.datastores[key] = ds
	t.dsDirs[key] = dsDir
	return ds, nil
}

// Rollback discards this transaction's working copies without touching
// disk. Safe to call on a transaction that was never mutated (e.g. a
// read-only one) in place of Commit.
func (t *Transaction) Rollback() {
	if t.done {
		return
	}
	t.done = true
	mode := "write"
	if t.readonly {
		mode = "read"
	}
	metrics.TransactionsActive.WithLabelValues(mode).Dec()
	t.handle.Done()
}

// Commit persists every touched datastore's pages, manifests, and root,
// then advances the snapshot to a new iteration referencing them, then
// rewrites the snapshot manifest and store info, then runs one
// retention sweep (spec.md §4.9 "Commit", steps 1-4, followed by
// "Retention"). A read-only transaction's Commit is equivalent to
// Rollback.
func (t *Transaction) Commit() (err error) {
	if t.done {
		return newError("Commit", KindCancelled, fmt.Errorf("transaction already finished"))
	}
	if t.readonly {
		t.Rollback()
		return nil
	}

	timer := metrics.NewTimer()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.CommitsTotal.WithLabelValues(outcome).Inc()
		timer.ObserveDuration(metrics.CommitDuration)
	}()
	defer t.Rollback()

	for _, ds := range t.datastores {
		for _, ix := range ds.TouchedIndexes() {
			if perr := ix.PersistIfNeeded(); perr != nil {
				return wrap("Commit", KindCannotWrite, perr)
			}
			data := ix.Manifest().Encode()
			path := manifestPath(t.dsDirs[ds.Key()], ix.Kind(), ix.ID(), ix.Name(), ix.Manifest().ID)
			if werr := writeFileAtomic(path, data, 0o644); werr != nil {
				return wrap("Commit", KindCannotWrite, werr)
			}
			// Now that the manifest id claimed at the start of this
			// transaction (datastore.claimWorkingIndex) is durable, it is
			// safe to hand the same *index.Index back out to the next
			// transaction that resolves it.
			t.store.caches.indexes.Add(ix.Manifest().ID, ix)
		}

		rootData, jerr := json.MarshalIndent(ds.Root(), "", "  ")
		if jerr != nil {
			return wrap("Commit", KindCannotWrite, jerr)
		}
		if werr := writeFileAtomic(rootPath(t.dsDirs[ds.Key()], ds.Root().ID), rootData, 0o644); werr != nil {
			return wrap("Commit", KindCannotWrite, werr)
		}
		t.store.caches.roots.Add(ds.Root().ID, ds.Root())
	}

	iterID, err := t.store.genID()
	if err != nil {
		return err
	}
	now := time.Now()

	next, err := t.store.snap.Update(t.ctx, func(_ context.Context, current *snapshot.Iteration) (*snapshot.Iteration, error) {
		candidate := snapshot.DeriveFrom(iterID, now, current)
		for key := range t.datastores {
			candidate.DataStores[key] = snapshot.DatastoreRef{Key: key, ID: t.dsIDs[key], RootID: t.rootIDs[key]}
			if t.newKeys[key] {
				candidate.AddedDatastores = append(candidate.AddedDatastores, key)
			}
			// A brand-new key's root is exactly as "added" as a rotated
			// one; only the removed side is conditional on a predecessor
			// existing.
			candidate.AddedDatastoreRoots = append(candidate.AddedDatastoreRoots, t.rootIDs[key])
			if ref, existed := t.base.DataStores[key]; existed {
				candidate.RemovedDatastoreRoots = append(candidate.RemovedDatastoreRoots, ref.RootID)
			}
		}
		return candidate, nil
	})
	if err != nil {
		return wrap("Commit", KindCannotWrite, err)
	}

	if werr := t.store.writeSnapshotManifest(t.store.man); werr != nil {
		return werr
	}
	if werr := t.store.writeStoreInfo(t.store.snap.ID()); werr != nil {
		return werr
	}

	t.store.runRetention(t.ctx, next)
	return nil
}
