package page

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
)

// IndexKind distinguishes the three index flavors a page can belong to
// (spec.md §4.5), purely for locating the page file on disk.
type IndexKind string

const (
	KindPrimary   IndexKind = "Primary"
	KindDirect    IndexKind = "Direct"
	KindReference IndexKind = "Reference"
)

// Locator derives a page's on-disk path (spec.md §4.3 page_url): a dated
// directory hierarchy rooted at the owning datastore root, to avoid huge
// flat directories.
//
//	{datastore-root}/{DirectIndexes|SecondaryIndexes}/{index-dir}/Pages/
//	  YYYY/MM-DD/HH-MM/{page-id}.datastorepage
//
// where the primary and direct indexes live under DirectIndexes, reference
// indexes under SecondaryIndexes, and {index-dir} is
// Primary.datastoreindex for the primary index, {name}-{index-id}.datastoreindex
// for a named index, or {index-id}.datastoreindex when the name is empty.
type Locator struct {
	DatastoreDir string // e.g. .../Datastores/<Key-XXXX>.datastore
	IndexKind    IndexKind
	IndexID      dateid.ID
	IndexName    string // declared field name; empty for the primary index
	PageID       dateid.ID
}

// Path renders the full page file path.
func (l Locator) Path() (string, error) {
	when, err := l.PageID.Time()
	if err != nil {
		return "", fmt.Errorf("page: locating %s: %w", l.PageID, err)
	}
	indexDir := indexDirName(l.IndexKind, l.IndexID, l.IndexName)
	return filepath.Join(
		l.DatastoreDir,
		indexContainer(l.IndexKind),
		indexDir,
		"Pages",
		fmt.Sprintf("%04d", when.Year()),
		when.Format("01-02"),
		when.Format("15-04"),
		l.PageID.String()+".datastorepage",
	), nil
}

// IndexDir returns the directory one index's manifest and page files
// live under (spec.md §6 directory layout): the same
// `{DirectIndexes,SecondaryIndexes}/{Primary|name-id|id}.datastoreindex`
// directory a page Locator's Pages/ subtree descends from. name is
// ignored for the primary index.
func IndexDir(datastoreDir string, kind IndexKind, id dateid.ID, name string) string {
	return filepath.Join(datastoreDir, indexContainer(kind), indexDirName(kind, id, name))
}

func indexContainer(kind IndexKind) string {
	switch kind {
	case KindPrimary, KindDirect:
		return "DirectIndexes"
	case KindReference:
		return "SecondaryIndexes"
	default:
		return "DirectIndexes"
	}
}

// indexDirName renders spec.md §6's "<name>-XXXX.datastoreindex" for a
// named direct/secondary index. The primary index is always
// "Primary.datastoreindex"; a non-primary index with an empty name falls
// back to the bare id.
func indexDirName(kind IndexKind, id dateid.ID, name string) string {
	if kind == KindPrimary {
		return "Primary.datastoreindex"
	}
	if name == "" {
		return id.String() + ".datastoreindex"
	}
	return name + "-" + id.String() + ".datastoreindex"
}

// dirComponentsFor returns t's dated YYYY, MM-DD and HH-MM directory
// components, the same ones Locator.Path renders.
func dirComponentsFor(t time.Time) []string {
	return []string{
		fmt.Sprintf("%04d", t.Year()),
		t.Format("01-02"),
		t.Format("15-04"),
	}
}
