package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/cuemby/pagestore/pkg/metrics"
	"github.com/cuemby/pagestore/pkg/page"
	"github.com/cuemby/pagestore/pkg/retention"
	"github.com/cuemby/pagestore/pkg/snapshot"
)

// rootLocation is enough to find a historical datastore root's (and its
// indexes') files on disk: which datastore it belonged to, and that
// datastore's directory.
type rootLocation struct {
	key string
	dir string
}

// runRetention evaluates the configured policy against the chain
// current now heads, then deletes every file the plan makes eligible
// (spec.md §4.9 "Retention"). Best-effort: a failed deletion is logged
// and counted, never returned to the committing caller, since a commit
// that already landed must not fail because cleanup of old data
// stumbled.
func (s *Store) runRetention(ctx context.Context, current *snapshot.Iteration) {
	now := time.Now()
	locations := make(map[dateid.ID]rootLocation)

	load := func(ctx context.Context, id dateid.ID) (*snapshot.Iteration, error) {
		it, err := s.loadIteration(id)
		if err != nil {
			return nil, err
		}
		if it.PrecedingIteration != nil {
			if path, perr := iterationPath(s.snapDir, *it.PrecedingIteration); perr == nil {
				if _, serr := os.Stat(path); os.IsNotExist(serr) {
					it.PrecedingIteration = nil // deleted by an earlier sweep: the walk ends here
				}
			}
		}
		for key, ref := range it.DataStores {
			if _, ok := locations[ref.RootID]; ok {
				continue
			}
			dir, derr := datastoreDir(s.snapDir, key, ref.ID)
			if derr != nil {
				continue
			}
			locations[ref.RootID] = rootLocation{key: key, dir: dir}
		}
		for _, rootID := range it.RemovedDatastoreRoots { // a demoted root shares its datastore's directory
			for _, loc := range locations {
				if _, serr := os.Stat(rootPath(loc.dir, rootID)); serr == nil {
					locations[rootID] = loc
					break
				}
			}
		}
		return it, nil
	}

	plan, err := retention.Evaluate(ctx, now, current, s.opts.Retention, load)
	if err != nil {
		s.log.Warn().Err(err).Msg("retention evaluation failed")
		return
	}

	manifestOwners := make(map[dateid.ID]manifestLocation)
	rootLoader := func(ctx context.Context, id dateid.ID) (*dsroot.Root, error) {
		loc, ok := locations[id]
		if !ok {
			return nil, fmt.Errorf("retention: no recorded datastore for root %s", id)
		}
		root, err := s.loadRoot(loc.dir, id)
		if err != nil {
			return nil, err
		}
		recordManifestOwners(manifestOwners, loc.dir, root)
		return root, nil
	}
	if err := plan.ExpandDatastoreRoots(ctx, rootLoader); err != nil {
		s.log.Warn().Err(err).Msg("retention expansion failed")
		return
	}

	metrics.PrunePassesTotal.Inc()
	if len(plan.Iterations) == 0 && len(plan.DatastoreRoots) == 0 && len(plan.IndexManifests) == 0 {
		return
	}

	for _, id := range plan.Iterations {
		s.deleteIteration(id)
	}
	metrics.PrunedIterationsTotal.Add(float64(len(plan.Iterations)))

	for _, id := range plan.DatastoreRoots {
		loc, ok := locations[id]
		if !ok {
			continue
		}
		if err := os.Remove(rootPath(loc.dir, id)); err == nil {
			metrics.PrunedFilesTotal.WithLabelValues("root").Inc()
		}
		s.caches.roots.Remove(id)
	}

	for _, id := range plan.IndexManifests {
		owner, ok := manifestOwners[id]
		if !ok {
			continue
		}
		if err := os.Remove(manifestPath(owner.dir, owner.kind, owner.indexID, owner.name, id)); err == nil {
			metrics.PrunedFilesTotal.WithLabelValues("manifest").Inc()
		}
		s.caches.indexes.Remove(id)
	}
}

type manifestLocation struct {
	dir     string
	kind    page.IndexKind
	indexID dateid.ID
	name    string
}

// recordManifestOwners notes every manifest id a root mentions (present
// or historical) so a later pruned manifest id can still be located --
// over-recording is harmless, only ids retention.Plan actually names get
// deleted.
func recordManifestOwners(owners map[dateid.ID]manifestLocation, dir string, root *dsroot.Root) {
	owners[root.PrimaryIndexManifest] = manifestLocation{dir: dir, kind: page.KindPrimary, indexID: dateid.ID{}}
	for _, info := range root.DirectIndexes {
		owners[info.ManifestID] = manifestLocation{dir: dir, kind: page.KindDirect, indexID: info.IndexID, name: info.Name}
	}
	for _, info := range root.SecondaryIndexes {
		owners[info.ManifestID] = manifestLocation{dir: dir, kind: page.KindReference, indexID: info.IndexID, name: info.Name}
	}
	for _, id := range root.AddedIndexManifests {
		if _, ok := owners[id]; !ok {
			owners[id] = manifestLocation{dir: dir, kind: page.KindDirect, indexID: dateid.ID{}}
		}
	}
}

func (s *Store) loadIteration(id dateid.ID) (*snapshot.Iteration, error) {
	path, err := iterationPath(s.snapDir, id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, wrap("loadIteration", KindCannotWrite, err)
	}
	var it snapshot.Iteration
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, wrap("loadIteration", KindCannotWrite, err)
	}
	return &it, nil
}

func (s *Store) deleteIteration(id dateid.ID) {
	path, err := iterationPath(s.snapDir, id)
	if err != nil {
		return
	}
	if err := os.Remove(path); err == nil {
		metrics.PrunedFilesTotal.WithLabelValues("iteration").Inc()
	}
}
