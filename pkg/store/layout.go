package store

import (
	"fmt"
	"path/filepath"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/page"
)

// SnapshotKind distinguishes a normal, auto-trimmable snapshot from a
// user-pinned backup (spec.md §3 "may be normal ... or backup"). Kind is
// structural -- which top-level directory a snapshot lives under -- so it
// needs no field on pkg/snapshot's JSON documents.
type SnapshotKind int

const (
	KindNormal SnapshotKind = iota
	KindBackup
)

func (k SnapshotKind) dirName() string {
	if k == KindBackup {
		return "Backups"
	}
	return "Snapshots"
}

func datedPath(base string, id dateid.ID, tail ...string) (string, error) {
	when, err := id.Time()
	if err != nil {
		return "", fmt.Errorf("store: locating %s: %w", id, err)
	}
	parts := append([]string{
		base,
		fmt.Sprintf("%04d", when.Year()),
		when.Format("01-02"),
		when.Format("15-04"),
	}, tail...)
	return filepath.Join(parts...), nil
}

// infoPath is the store-info document (spec.md §6 "Info.json").
func infoPath(root string) string {
	return filepath.Join(root, "Info.json")
}

// snapshotDir is the directory one snapshot lives under, dated by its own
// id (spec.md §6 "Snapshots/YYYY/MM-DD/HH-MM/<snapshot-id>.snapshot/").
func snapshotDir(root string, kind SnapshotKind, id dateid.ID) (string, error) {
	return datedPath(filepath.Join(root, kind.dirName()), id, id.String()+".snapshot")
}

func snapshotManifestPath(snapDir string) string {
	return filepath.Join(snapDir, "Manifest.json")
}

func dirtyMarkerPath(snapDir string) string {
	return filepath.Join(snapDir, "Dirty")
}

// iterationPath is one iteration's JSON document, dated by its own id.
func iterationPath(snapDir string, id dateid.ID) (string, error) {
	return datedPath(filepath.Join(snapDir, "Iterations"), id, id.String()+".json")
}

// datastoreDir names one datastore's directory: the registered key plus
// the datastore id's random token, matching spec.md §6's
// "<Key-XXXXXXXXXXXXXXXX>.datastore" shape.
func datastoreDir(snapDir, key string, id dateid.ID) (string, error) {
	token, err := id.Token()
	if err != nil {
		return "", fmt.Errorf("store: locating datastore %q: %w", key, err)
	}
	return filepath.Join(snapDir, "Datastores", fmt.Sprintf("%s-%016X.datastore", key, token)), nil
}

func inboxDir(snapDir string) string {
	return filepath.Join(snapDir, "Inbox")
}

// rootPath is one datastore-root document.
func rootPath(dsDir string, rootID dateid.ID) string {
	return filepath.Join(dsDir, "Root", rootID.String()+".json")
}

// manifestPath is one index manifest's on-disk location, under the same
// directory its pages' Locator values descend from.
func manifestPath(dsDir string, kind page.IndexKind, indexID dateid.ID, name string, manifestID dateid.ID) string {
	return filepath.Join(page.IndexDir(dsDir, kind, indexID, name), "Manifest", manifestID.String()+".indexmanifest")
}
