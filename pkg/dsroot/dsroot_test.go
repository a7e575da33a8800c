package dsroot_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/pagestore/pkg/dateid"
	"github.com/cuemby/pagestore/pkg/dsroot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(t *testing.T, token uint64) dateid.ID {
	t.Helper()
	return dateid.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), token)
}

func fakeNewIndex(t *testing.T, tokenStart *uint64) dsroot.NewIndexFunc {
	return func(name string) (dateid.ID, dateid.ID, error) {
		*tokenStart++
		indexID := id(t, *tokenStart)
		*tokenStart++
		manifestID := id(t, *tokenStart)
		return indexID, manifestID, nil
	}
}

func TestApplyDescriptorAddsNewIndexes(t *testing.T) {
	r := dsroot.Empty(id(t, 1), time.Now(), dsroot.Descriptor{InstanceType: "Item"}, id(t, 2))

	var token uint64 = 100
	desc := dsroot.Descriptor{
		InstanceType:  "Item",
		DirectIndexes: []dsroot.FieldSpec{{Name: "title", ValueType: "string", Version: 1}},
	}
	err := r.ApplyDescriptor(time.Now(), desc, fakeNewIndex(t, &token))
	require.NoError(t, err)

	require.Len(t, r.DirectIndexes, 1)
	assert.Equal(t, "title", r.DirectIndexes[0].Name)
	assert.Len(t, r.AddedIndexes, 1)
	assert.Len(t, r.AddedIndexManifests, 1)
	assert.Empty(t, r.RemovedIndexes)
}

func TestApplyDescriptorPreservesExistingAndDropsAbsent(t *testing.T) {
	r := dsroot.Empty(id(t, 1), time.Now(), dsroot.Descriptor{}, id(t, 2))
	var token uint64 = 100
	err := r.ApplyDescriptor(time.Now(), dsroot.Descriptor{
		DirectIndexes: []dsroot.FieldSpec{{Name: "title", Version: 1}},
	}, fakeNewIndex(t, &token))
	require.NoError(t, err)

	// Start a new working root atop the committed one, so title is an
	// inherited index rather than one added on this same root.
	r = dsroot.DeriveFrom(id(t, 50), time.Now(), r)
	err = r.ApplyDescriptor(time.Now(), dsroot.Descriptor{
		DirectIndexes: []dsroot.FieldSpec{{Name: "author", Version: 1}},
	}, fakeNewIndex(t, &token))
	require.NoError(t, err)

	require.Len(t, r.DirectIndexes, 1)
	assert.Equal(t, "author", r.DirectIndexes[0].Name)
	assert.Len(t, r.RemovedIndexes, 1, "title's index id should be demoted")
}

func TestReplaceIndexCollapsesSameIterationAdd(t *testing.T) {
	r := dsroot.Empty(id(t, 1), time.Now(), dsroot.Descriptor{}, id(t, 2))
	var token uint64 = 100
	err := r.ApplyDescriptor(time.Now(), dsroot.Descriptor{
		DirectIndexes: []dsroot.FieldSpec{{Name: "title", Version: 1}},
	}, fakeNewIndex(t, &token))
	require.NoError(t, err)
	require.Len(t, r.AddedIndexManifests, 1)
	firstManifest := r.DirectIndexes[0].ManifestID

	err = r.ReplaceIndex(time.Now(), "title", id(t, 6))
	require.NoError(t, err)

	assert.Len(t, r.AddedIndexManifests, 1, "intermediate manifest id collapses out of the added set")
	assert.NotContains(t, r.AddedIndexManifests, firstManifest)
	assert.Contains(t, r.AddedIndexManifests, id(t, 6))
	assert.Empty(t, r.RemovedIndexManifests)
}

func TestReplaceIndexOfInheritedManifestTracksRemoval(t *testing.T) {
	r := dsroot.Empty(id(t, 1), time.Now(), dsroot.Descriptor{}, id(t, 2))
	err := r.ReplaceIndex(time.Now(), "", id(t, 4))
	require.NoError(t, err)

	assert.Equal(t, id(t, 4), r.PrimaryIndexManifest)
	assert.Contains(t, r.RemovedIndexManifests, id(t, 2))
	assert.Contains(t, r.AddedIndexManifests, id(t, 4))
}

func TestDeleteIndexRemovesDeclaration(t *testing.T) {
	r := dsroot.Empty(id(t, 1), time.Now(), dsroot.Descriptor{}, id(t, 2))
	var token uint64 = 100
	err := r.ApplyDescriptor(time.Now(), dsroot.Descriptor{
		DirectIndexes: []dsroot.FieldSpec{{Name: "title", Version: 1}},
	}, fakeNewIndex(t, &token))
	require.NoError(t, err)

	err = r.DeleteIndex(time.Now(), "title")
	require.NoError(t, err)
	assert.Empty(t, r.DirectIndexes)

	err = r.DeleteIndex(time.Now(), "")
	assert.Error(t, err, "the primary cannot be deleted")
}

func TestRootJSONRoundTrip(t *testing.T) {
	r := dsroot.Empty(id(t, 1), time.Now(), dsroot.Descriptor{InstanceType: "Item"}, id(t, 2))
	r.SecondaryIndexes = []dsroot.IndexInfo{{Name: "author", IndexID: id(t, 3), ManifestID: id(t, 4)}}

	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded dsroot.Root
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, r.SecondaryIndexes, decoded.SecondaryIndexes)
	assert.True(t, r.ID.Equal(decoded.ID))
}

func TestRootJSONAcceptsReferenceIndexesSynonym(t *testing.T) {
	legacy := []byte(`{
		"id": "` + id(t, 1).String() + `",
		"modificationDate": "2024-01-01T00:00:00Z",
		"descriptor": {"instanceType": "Item", "identifierType": "", "directIndexes": null, "secondaryIndexes": null},
		"primaryIndexManifest": "` + id(t, 2).String() + `",
		"referenceIndexes": [{"name": "author", "indexId": "` + id(t, 3).String() + `", "manifestId": "` + id(t, 4).String() + `"}]
	}`)

	var decoded dsroot.Root
	require.NoError(t, json.Unmarshal(legacy, &decoded))
	require.Len(t, decoded.SecondaryIndexes, 1)
	assert.Equal(t, "author", decoded.SecondaryIndexes[0].Name)
}
