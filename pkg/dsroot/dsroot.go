// Package dsroot implements spec.md §4.6: a datastore root, the
// immutable-once-persisted pointer structure that locates one
// datastore's indexes at one iteration. Within one transaction the
// working root keeps its identity and is mutated in place: unlike
// pkg/manifest/pkg/index, a *Root is never shared across transactions
// (a fresh one is minted by DeriveFrom every time a transaction opens a
// datastore), so in-place mutation of the working copy is safe here. The
// manifest id a root points at, by contrast, only rotates -- via
// ReplaceIndex -- the first time a transaction actually mutates that
// index (pkg/datastore.claimWorkingIndex), since the old id may still
// be resolved, read-only, by the cache a concurrent transaction shares.
package dsroot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/index"
)

// FieldSpec names one declared index over a key path of the record
// value type (spec.md §3 DatastoreRoot "descriptor").
type FieldSpec struct {
	Name      string `json:"name"`
	ValueType string `json:"valueType"`
	Version   int    `json:"version"`
}

// Descriptor is versioning plus index-shape information for one record
// collection.
type Descriptor struct {
	InstanceType     string      `json:"instanceType"`
	IdentifierType   string      `json:"identifierType"`
	DirectIndexes    []FieldSpec `json:"directIndexes"`
	SecondaryIndexes []FieldSpec `json:"secondaryIndexes"`
}

// IndexInfo names one declared index instance: its stable id (constant
// across re-creations) and the manifest currently realizing it.
type IndexInfo struct {
	Name       string    `json:"name"`
	IndexID    dateid.ID `json:"indexId"`
	ManifestID dateid.ID `json:"manifestId"`
}

// Root is one datastore-root working copy (spec.md §3, §6
// "Datastore-root JSON"); immutable once persisted.
type Root struct {
	ID               dateid.ID  `json:"id"`
	ModificationDate time.Time  `json:"modificationDate"`
	Descriptor       Descriptor `json:"descriptor"`

	PrimaryIndexManifest dateid.ID   `json:"primaryIndexManifest"`
	DirectIndexes        []IndexInfo `json:"directIndexManifests"`
	SecondaryIndexes     []IndexInfo `json:"secondaryIndexManifests"`

	AddedIndexes          []dateid.ID `json:"addedIndexes"`
	RemovedIndexes        []dateid.ID `json:"removedIndexes"`
	AddedIndexManifests   []dateid.ID `json:"addedIndexManifests"`
	RemovedIndexManifests []dateid.ID `json:"removedIndexManifests"`
}

// UnmarshalJSON decodes a Root, accepting the legacy `referenceIndexes`
// key as a synonym for `secondaryIndexManifests` (spec.md §9 open
// question: "treat these as synonyms; persisted JSON may use either key
// for backward compatibility during decoding").
func (r *Root) UnmarshalJSON(data []byte) error {
	type alias Root
	aux := struct {
		ReferenceIndexes []IndexInfo `json:"referenceIndexes"`
		*alias
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(r.SecondaryIndexes) == 0 && len(aux.ReferenceIndexes) != 0 {
		r.SecondaryIndexes = aux.ReferenceIndexes
	}
	return nil
}

// Resolver looks up the live *index.Index handle for a manifest id,
// typically backed by the owning datastore's tracked map (spec.md §4.6:
// "return Index handles resolved via the owning datastore's tracked
// map").
type Resolver func(id dateid.ID) (*index.Index, error)

// Empty creates a fresh root with no indexes beyond the mandatory
// primary, given its manifest id.
func Empty(id dateid.ID, now time.Time, desc Descriptor, primaryManifest dateid.ID) *Root {
	return &Root{ID: id, ModificationDate: now, Descriptor: desc, PrimaryIndexManifest: primaryManifest}
}

// DeriveFrom starts a new transaction's working root atop the committed
// prev: present index declarations carry over unchanged, but the
// added/removed sets reset to empty, since those describe only the
// delta the transaction that writes this root will have made (mirrors
// pkg/manifest.DeriveFrom one layer down).
func DeriveFrom(id dateid.ID, now time.Time, prev *Root) *Root {
	return &Root{
		ID:                   id,
		ModificationDate:     now,
		Descriptor:           prev.Descriptor,
		PrimaryIndexManifest: prev.PrimaryIndexManifest,
		DirectIndexes:        append([]IndexInfo{}, prev.DirectIndexes...),
		SecondaryIndexes:     append([]IndexInfo{}, prev.SecondaryIndexes...),
	}
}

func removeID(ids []dateid.ID, target dateid.ID) ([]dateid.ID, bool) {
	for i, id := range ids {
		if id.Equal(target) {
			return append(ids[:i:i], ids[i+1:]...), true
		}
	}
	return ids, false
}

// trackManifestReplacement records oldManifest -> newManifest in the
// added/removed sets, collapsing the intermediate id out of the added
// set if oldManifest was itself added earlier in this same transaction
// (spec.md §4.6 replace_index: "the intermediate id is dropped from the
// added set").
func (r *Root) trackManifestReplacement(oldManifest, newManifest dateid.ID) {
	if rest, collapsed := removeID(r.AddedIndexManifests, oldManifest); collapsed {
		r.AddedIndexManifests = rest
	} else {
		r.RemovedIndexManifests = append(r.RemovedIndexManifests, oldManifest)
	}
	r.AddedIndexManifests = append(r.AddedIndexManifests, newManifest)
}

func (r *Root) trackIndexRemoval(indexID dateid.ID) {
	if rest, collapsed := removeID(r.AddedIndexes, indexID); collapsed {
		r.AddedIndexes = rest
		return
	}
	r.RemovedIndexes = append(r.RemovedIndexes, indexID)
}

// PrimaryIndex resolves the primary index handle.
func (r *Root) PrimaryIndex(resolve Resolver) (*index.Index, error) {
	return resolve(r.PrimaryIndexManifest)
}

// DirectIndex resolves a named direct secondary index (content inline).
func (r *Root) DirectIndex(resolve Resolver, name string) (*index.Index, error) {
	for _, info := range r.DirectIndexes {
		if info.Name == name {
			return resolve(info.ManifestID)
		}
	}
	return nil, fmt.Errorf("dsroot: direct index %q not found", name)
}

// SecondaryIndex resolves a named reference secondary index (content
// resolved via the primary).
func (r *Root) SecondaryIndex(resolve Resolver, name string) (*index.Index, error) {
	for _, info := range r.SecondaryIndexes {
		if info.Name == name {
			return resolve(info.ManifestID)
		}
	}
	return nil, fmt.Errorf("dsroot: secondary index %q not found", name)
}

// NewIndexFunc allocates a fresh index id and an empty manifest for it,
// returning both to record in the root. Supplied by the datastore
// layer, which alone knows how to create pkg/index.Index instances and
// register them in its tracked map.
type NewIndexFunc func(name string) (indexID, manifestID dateid.ID, err error)

// ApplyDescriptor merges a newly declared descriptor into r in place
// (spec.md §4.6 apply_descriptor): indexes already present keep their
// identity and manifest; newly declared indexes are allocated via
// newIndex; indexes no longer declared are removed.
func (r *Root) ApplyDescriptor(now time.Time, desc Descriptor, newIndex NewIndexFunc) error {
	direct, err := mergeIndexList(r, r.DirectIndexes, desc.DirectIndexes, newIndex)
	if err != nil {
		return err
	}
	secondary, err := mergeIndexList(r, r.SecondaryIndexes, desc.SecondaryIndexes, newIndex)
	if err != nil {
		return err
	}
	r.DirectIndexes = direct
	r.SecondaryIndexes = secondary
	r.Descriptor = desc
	r.ModificationDate = now
	return nil
}

func mergeIndexList(r *Root, current []IndexInfo, declared []FieldSpec, newIndex NewIndexFunc) ([]IndexInfo, error) {
	declaredByName := make(map[string]bool, len(declared))
	for _, f := range declared {
		declaredByName[f.Name] = true
	}

	var kept []IndexInfo
	seen := make(map[string]bool, len(current))
	for _, info := range current {
		if declaredByName[info.Name] {
			kept = append(kept, info)
			seen[info.Name] = true
			continue
		}
		r.trackIndexRemoval(info.IndexID)
		r.RemovedIndexManifests = append(r.RemovedIndexManifests, info.ManifestID)
	}
	for _, f := range declared {
		if seen[f.Name] {
			continue
		}
		indexID, manifestID, err := newIndex(f.Name)
		if err != nil {
			return nil, fmt.Errorf("dsroot: allocating index %q: %w", f.Name, err)
		}
		r.AddedIndexes = append(r.AddedIndexes, indexID)
		r.AddedIndexManifests = append(r.AddedIndexManifests, manifestID)
		kept = append(kept, IndexInfo{Name: f.Name, IndexID: indexID, ManifestID: manifestID})
	}
	return kept, nil
}

// ReplaceIndex updates name's current manifest id to newManifest in
// place (spec.md §4.6 replace_index). name may be the empty string to
// mean the primary index.
func (r *Root) ReplaceIndex(now time.Time, name string, newManifest dateid.ID) error {
	r.ModificationDate = now
	if name == "" {
		r.trackManifestReplacement(r.PrimaryIndexManifest, newManifest)
		r.PrimaryIndexManifest = newManifest
		return nil
	}
	if i := findByName(r.DirectIndexes, name); i >= 0 {
		r.trackManifestReplacement(r.DirectIndexes[i].ManifestID, newManifest)
		r.DirectIndexes[i].ManifestID = newManifest
		return nil
	}
	if i := findByName(r.SecondaryIndexes, name); i >= 0 {
		r.trackManifestReplacement(r.SecondaryIndexes[i].ManifestID, newManifest)
		r.SecondaryIndexes[i].ManifestID = newManifest
		return nil
	}
	return fmt.Errorf("dsroot: index %q not found", name)
}

func findByName(infos []IndexInfo, name string) int {
	for i, info := range infos {
		if info.Name == name {
			return i
		}
	}
	return -1
}

// DeleteIndex removes the named index in place (spec.md §4.6
// delete_index). Deleting the primary ("") is not permitted directly;
// the primary is instead replaced with a fresh empty manifest via
// ReplaceIndex, since the primary must always exist.
func (r *Root) DeleteIndex(now time.Time, name string) error {
	if name == "" {
		return fmt.Errorf("dsroot: the primary index cannot be deleted, only reset")
	}
	if rest, i := removeByName(r.DirectIndexes, name); i >= 0 {
		r.trackIndexRemoval(r.DirectIndexes[i].IndexID)
		r.RemovedIndexManifests = append(r.RemovedIndexManifests, r.DirectIndexes[i].ManifestID)
		r.DirectIndexes = rest
		r.ModificationDate = now
		return nil
	}
	if rest, i := removeByName(r.SecondaryIndexes, name); i >= 0 {
		r.trackIndexRemoval(r.SecondaryIndexes[i].IndexID)
		r.RemovedIndexManifests = append(r.RemovedIndexManifests, r.SecondaryIndexes[i].ManifestID)
		r.SecondaryIndexes = rest
		r.ModificationDate = now
		return nil
	}
	return fmt.Errorf("dsroot: index %q not found", name)
}

func removeByName(infos []IndexInfo, name string) ([]IndexInfo, int) {
	for i, info := range infos {
		if info.Name == name {
			return append(infos[:i:i], infos[i+1:]...), i
		}
	}
	return infos, -1
}
