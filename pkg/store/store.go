// Package store implements spec.md §4.9: the persistence top-level --
// warm/fresh-start, the transaction scheduler wiring, the commit
// pipeline, and the retention sweep -- tying together every lower
// package (dateid, codec, page, manifest, index, dsroot, datastore,
// snapshot, retention) into one open store rooted at a directory.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/index"
	"github.com/cuemby/pagestore/pkg/manifest"
	"github.com/cuemby/pagestore/pkg/metrics"
	"github.com/cuemby/pagestore/pkg/page"
	"github.com/cuemby/pagestore/pkg/retention"
	"github.com/cuemby/pagestore/pkg/snapshot"
	"github.com/cuemby/pagestore/pkg/txn"
	"github.com/rs/zerolog"
)

const storeInfoVersion = "1"

// StoreInfo is the store-info JSON document (spec.md §6 "Info.json"):
// {version, currentSnapshot, modificationDate}.
type StoreInfo struct {
	Version          string    `json:"version"`
	CurrentSnapshot  dateid.ID `json:"currentSnapshot"`
	ModificationDate time.Time `json:"modificationDate"`
}

// Options configures an open Store (spec.md §9 open question: page size
// and retention policy are both operator-configurable, mirroring
// pkg/manager.Config's plain-struct-of-knobs shape rather than a
// functional-options API).
type Options struct {
	PageSize  int
	Retention retention.Policy
	Log       zerolog.Logger
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.PageSize <= 0 {
		out.PageSize = 4096
	}
	if out.Retention == nil {
		out.Retention = retention.Indefinite()
	}
	return &out
}

// Store is one open persistence root (spec.md §3 "Persistence"): a
// single current snapshot's iteration chain, the datastore caches that
// back it, and the scheduler serializing transactions against it.
type Store struct {
	dir  string
	opts *Options
	log  zerolog.Logger

	info StoreInfo

	snap    *snapshot.Snapshot
	man     *snapshot.Manifest
	snapDir string
	kind    SnapshotKind

	scheduler *txn.Scheduler
	caches    *caches
}

// Open warm-starts from an existing store-info document, or fresh-starts
// a brand new store when dir has none yet (spec.md §4.9 "Open"): a
// missing Info.json is not an error, it is an empty store waiting for
// its first transaction.
func Open(dir string, opts Options) (*Store, error) {
	o := opts.withDefaults()
	log := o.Log.With().Str("component", "store").Str("dir", dir).Logger()

	info, err := readStoreInfo(dir)
	if err != nil {
		return nil, wrap("Open", KindCannotWrite, err)
	}

	now := time.Now()
	var snapID dateid.ID
	var man *snapshot.Manifest
	var current *snapshot.Iteration
	var snapDir string

	if info.CurrentSnapshot.IsZero() {
		snapID, err = dateid.Generate(now)
		if err != nil {
			return nil, wrap("Open", KindCannotWrite, err)
		}
		iterID, err := dateid.Generate(now)
		if err != nil {
			return nil, wrap("Open", KindCannotWrite, err)
		}
		man = &snapshot.Manifest{Version: storeInfoVersion, ID: snapID, ModificationDate: now, CurrentIteration: iterID}
		current = snapshot.Empty(iterID, now)
		snapDir, err = snapshotDir(dir, KindNormal, snapID)
		if err != nil {
			return nil, wrap("Open", KindCannotWrite, err)
		}
		info = StoreInfo{Version: storeInfoVersion, CurrentSnapshot: snapID, ModificationDate: now}
	} else {
		snapID = info.CurrentSnapshot
		snapDir, err = snapshotDir(dir, KindNormal, snapID)
		if err != nil {
			return nil, wrap("Open", KindCannotWrite, err)
		}
		man, current, err = readSnapshot(snapDir)
		if err != nil {
			return nil, wrap("Open", KindCannotWrite, err)
		}
	}

	s := &Store{
		dir:     dir,
		opts:    o,
		log:     log,
		info:    info,
		man:     man,
		snapDir: snapDir,
		kind:    KindNormal,
		caches:  newCaches(),
	}
	s.snap = snapshot.New(snapDir, man, current, s.persistIteration, log)
	s.scheduler = txn.New(dir, func() (dateid.ID, error) { return dateid.Generate(time.Now()) })

	// Bootstrap iteration/manifest/info are re-written on every Open, not
	// just a fresh one: idempotent for a warm start, but it guarantees a
	// crash between Open and the first commit still leaves a store that
	// warm-starts cleanly.
	if err := s.persistIteration(context.Background(), current); err != nil {
		s.snap.Close()
		return nil, wrap("Open", KindCannotWrite, err)
	}
	if err := s.writeSnapshotManifest(man); err != nil {
		s.snap.Close()
		return nil, err
	}
	if err := s.writeStoreInfo(info.CurrentSnapshot); err != nil {
		s.snap.Close()
		return nil, err
	}
	return s, nil
}

// Close stops the background serialization goroutines. Any in-flight
// transactions should already have committed or rolled back.
func (s *Store) Close() {
	s.snap.Close()
}

// Info returns the store-info document as of the last successful
// commit, for callers that only want to inspect a store (the CLI's
// "info" command, chiefly) without opening a transaction.
func (s *Store) Info() StoreInfo {
	return s.info
}

// CollectGarbage runs one retention sweep against the store's current
// iteration outside of a commit, for operator-triggered maintenance
// (spec.md §4.9's pruner, invoked on demand rather than only ever as a
// side effect of a write transaction).
func (s *Store) CollectGarbage(ctx context.Context) error {
	current, err := s.snap.CurrentIteration(ctx)
	if err != nil {
		return wrap("CollectGarbage", KindCannotWrite, err)
	}
	s.runRetention(ctx, current)
	return nil
}

func readStoreInfo(dir string) (StoreInfo, error) {
	raw, err := os.ReadFile(infoPath(dir))
	if os.IsNotExist(err) {
		return StoreInfo{}, nil
	}
	if err != nil {
		return StoreInfo{}, fmt.Errorf("reading store info: %w", err)
	}
	var info StoreInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return StoreInfo{}, fmt.Errorf("decoding store info: %w", err)
	}
	return info, nil
}

func readSnapshot(snapDir string) (*snapshot.Manifest, *snapshot.Iteration, error) {
	raw, err := os.ReadFile(snapshotManifestPath(snapDir))
	if err != nil {
		return nil, nil, fmt.Errorf("reading snapshot manifest: %w", err)
	}
	var man snapshot.Manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return nil, nil, fmt.Errorf("decoding snapshot manifest: %w", err)
	}
	iterPath, err := iterationPath(snapDir, man.CurrentIteration)
	if err != nil {
		return nil, nil, err
	}
	raw, err = os.ReadFile(iterPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading current iteration: %w", err)
	}
	var it snapshot.Iteration
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, nil, fmt.Errorf("decoding current iteration: %w", err)
	}
	return &man, &it, nil
}

// persistIteration is the snapshot.PersistFunc: it writes the candidate
// iteration's JSON document atomically, the only disk effect the
// snapshot package itself triggers (spec.md §4.9 commit step 3).
func (s *Store) persistIteration(_ context.Context, it *snapshot.Iteration) error {
	path, err := iterationPath(s.snapDir, it.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding iteration %s: %w", it.ID, err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// writeSnapshotManifest rewrites the snapshot-level Manifest.json from
// the in-memory document snapshot.New was given -- snapshot.Update
// mutates that same struct in place on every successful commit, so
// re-encoding it here always reflects the latest currentIteration.
func (s *Store) writeSnapshotManifest(man *snapshot.Manifest) error {
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding snapshot manifest: %w", err)
	}
	return writeFileAtomic(snapshotManifestPath(s.snapDir), data, 0o644)
}

func (s *Store) writeStoreInfo(snapshotID dateid.ID) error {
	s.info.Version = storeInfoVersion
	s.info.CurrentSnapshot = snapshotID
	s.info.ModificationDate = time.Now()
	data, err := json.MarshalIndent(s.info, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding store info: %w", err)
	}
	return wrap("writeStoreInfo", KindCannotWrite, writeFileAtomic(infoPath(s.dir), data, 0o644))
}

func (s *Store) genID() (dateid.ID, error) {
	id, err := dateid.Generate(time.Now())
	if err != nil {
		return dateid.ID{}, wrap("genID", KindCannotWrite, err)
	}
	return id, nil
}

func (s *Store) loadRoot(dsDir string, id dateid.ID) (*dsroot.Root, error) {
	if r, ok := s.caches.roots.Get(id); ok {
		return r, nil
	}
	raw, err := os.ReadFile(rootPath(dsDir, id))
	if err != nil {
		return nil, wrap("loadRoot", KindDatastoreNotFound, err)
	}
	var r dsroot.Root
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, wrap("loadRoot", KindCannotWrite, err)
	}
	s.caches.roots.Add(id, &r)
	return &r, nil
}

func (s *Store) loadManifest(dsDir string, kind page.IndexKind, indexID dateid.ID, name string, manifestID dateid.ID) (*manifest.Manifest, error) {
	raw, err := os.ReadFile(manifestPath(dsDir, kind, indexID, name, manifestID))
	if os.IsNotExist(err) {
		return manifest.Empty(manifestID), nil
	}
	if err != nil {
		return nil, wrap("loadManifest", KindCannotWrite, err)
	}
	return manifest.Decode(manifestID, raw)
}

// indexOpener builds the datastore.IndexOpener one Datastore resolves
// its index handles through: a cache hit returns the shared, already
// immutable-until-next-mutation index (safe once every mutation derives
// a fresh manifest id before touching it, per datastore.claimWorkingIndex);
// a miss loads its manifest from disk (or mints an empty one for a
// manifest id not yet written, per pkg/index.Index.Reset/
// dsroot.ApplyDescriptor's lazily-materialized manifests) and wraps it.
func (s *Store) indexOpener(dsDir string) func(ctx context.Context, kind page.IndexKind, name string, indexID, manifestID dateid.ID) (*index.Index, error) {
	return func(_ context.Context, kind page.IndexKind, name string, indexID, manifestID dateid.ID) (*index.Index, error) {
		if ix, ok := s.caches.indexes.Get(manifestID); ok {
			return ix, nil
		}
		man, err := s.loadManifest(dsDir, kind, indexID, name, manifestID)
		if err != nil {
			return nil, err
		}
		ix := index.New(kind, indexID, name, man, dsDir, s.opts.PageSize, s.pageLoader(), s.log)
		s.caches.indexes.Add(manifestID, ix)
		return ix, nil
	}
}

func (s *Store) pageLoader() index.Loader {
	return func(_ context.Context, locator page.Locator) (*page.Page, error) {
		if p, ok := s.caches.pages.Get(locator.PageID); ok {
			return p, nil
		}
		path, err := locator.Path()
		if err != nil {
			return nil, err
		}
		p := page.Open(locator.PageID, path, s.log)
		s.caches.pages.Add(locator.PageID, p)
		return p, nil
	}
}
