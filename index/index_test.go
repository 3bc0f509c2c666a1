package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.json")
	ix, err := Load(path, log.NewLogger())
	require.NoError(t, err)
	return ix
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	ix := newTestIndex(t)
	assert.Equal(t, 0, ix.Len())
}

func TestRecordAndLookup(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.Record("configs/prod", "handle-1"))
	entry, err := ix.Lookup("configs/prod")
	require.NoError(t, err)
	assert.Equal(t, "handle-1", entry.SessionHandle)
	assert.False(t, entry.StoredAt.IsZero())
}

func TestLookupMissing(t *testing.T) {
	ix := newTestIndex(t)
	_, err := ix.Lookup("missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRecordKeepsEntryMetadata(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.Put(Entry{
		LogicalID:   "configs/prod",
		Description: "production config",
		Links:       []string{"configs/staging"},
		Embedding:   []float64{1, 0},
	}))
	require.NoError(t, ix.Record("configs/prod", "handle-2"))

	entry, err := ix.Lookup("configs/prod")
	require.NoError(t, err)
	assert.Equal(t, "handle-2", entry.SessionHandle)
	assert.Equal(t, "production config", entry.Description)
	assert.Equal(t, []string{"configs/staging"}, entry.Links)
}

func TestPersistenceAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	logger := log.NewLogger()

	ix, err := Load(path, logger)
	require.NoError(t, err)
	require.NoError(t, ix.Record("a", "handle-a"))
	require.NoError(t, ix.Record("b", "handle-b"))
	require.NoError(t, ix.Remove("a"))

	reloaded, err := Load(path, logger)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())
	entry, err := reloaded.Lookup("b")
	require.NoError(t, err)
	assert.Equal(t, "handle-b", entry.SessionHandle)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path, log.NewLogger())
	assert.Error(t, err)
}

func TestEntriesSortedByLogicalID(t *testing.T) {
	ix := newTestIndex(t)
	require.NoError(t, ix.Record("b", "handle-b"))
	require.NoError(t, ix.Record("a", "handle-a"))
	require.NoError(t, ix.Record("c", "handle-c"))

	entries := ix.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].LogicalID)
	assert.Equal(t, "c", entries[2].LogicalID)
}

func TestRemoveMissingIsNoOp(t *testing.T) {
	ix := newTestIndex(t)
	assert.NoError(t, ix.Remove("missing"))
}

func TestPutRequiresLogicalID(t *testing.T) {
	ix := newTestIndex(t)
	assert.Error(t, ix.Put(Entry{SessionHandle: "handle"}))
}

func linkedFixture(t *testing.T) *Index {
	t.Helper()
	ix := newTestIndex(t)
	entries := []Entry{
		{LogicalID: "root", SessionHandle: "h-root", Links: []string{"left", "right"}},
		{LogicalID: "left", SessionHandle: "h-left", Links: []string{"leaf"}},
		{LogicalID: "right", SessionHandle: "h-right", Links: []string{"leaf", "dangling"}},
		{LogicalID: "leaf", SessionHandle: "h-leaf", Links: []string{"root"}}, // cycle back
	}
	for _, entry := range entries {
		require.NoError(t, ix.Put(entry))
	}
	return ix
}

func TestTraverseVisitsReachableEntriesOnce(t *testing.T) {
	ix := linkedFixture(t)

	entries, err := ix.Traverse("root", -1)
	require.NoError(t, err)

	var ids []string
	for _, entry := range entries {
		ids = append(ids, entry.LogicalID)
	}
	assert.Equal(t, []string{"root", "left", "right", "leaf"}, ids)
}

func TestTraverseRespectsDepthLimit(t *testing.T) {
	ix := linkedFixture(t)

	entries, err := ix.Traverse("root", 1)
	require.NoError(t, err)
	assert.Len(t, entries, 3) // root + its direct links
}

func TestTraverseZeroDepthIsJustTheStart(t *testing.T) {
	ix := linkedFixture(t)

	entries, err := ix.Traverse("root", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "root", entries[0].LogicalID)
}

func TestTraverseUnknownStart(t *testing.T) {
	ix := linkedFixture(t)
	_, err := ix.Traverse("missing", -1)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestNearestRanksBySimilarity(t *testing.T) {
	ix := newTestIndex(t)
	require.NoError(t, ix.Put(Entry{LogicalID: "east", Embedding: []float64{1, 0}}))
	require.NoError(t, ix.Put(Entry{LogicalID: "north", Embedding: []float64{0, 1}}))
	require.NoError(t, ix.Put(Entry{LogicalID: "northeast", Embedding: []float64{1, 1}}))
	require.NoError(t, ix.Put(Entry{LogicalID: "no-vector"}))
	require.NoError(t, ix.Put(Entry{LogicalID: "wrong-dim", Embedding: []float64{1, 2, 3}}))

	matches, err := ix.Nearest([]float64{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "east", matches[0].Entry.LogicalID)
	assert.Equal(t, "northeast", matches[1].Entry.LogicalID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestNearestSkipsZeroVectors(t *testing.T) {
	ix := newTestIndex(t)
	require.NoError(t, ix.Put(Entry{LogicalID: "zero", Embedding: []float64{0, 0}}))
	require.NoError(t, ix.Put(Entry{LogicalID: "unit", Embedding: []float64{0, 1}}))

	matches, err := ix.Nearest([]float64{0, 1}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "unit", matches[0].Entry.LogicalID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}

func TestNearestRejectsBadInput(t *testing.T) {
	ix := newTestIndex(t)
	_, err := ix.Nearest(nil, 3)
	assert.Error(t, err)
	_, err = ix.Nearest([]float64{1}, 0)
	assert.Error(t, err)
}
