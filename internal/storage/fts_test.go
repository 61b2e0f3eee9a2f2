package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmed/trialgraph/internal/graph"
)

func TestTokenize(t *testing.T) {
	t.Parallel()

	t.Run("RegistryID", func(t *testing.T) {
		tokens := tokenize("NCT00752622")
		assert.Contains(t, tokens, "nct00752622")
		assert.Contains(t, tokens, "nct")
		assert.Contains(t, tokens, "00752622")
	})

	t.Run("HyphenatedCondition", func(t *testing.T) {
		tokens := tokenize("non-small-cell")
		assert.Contains(t, tokens, "non")
		assert.Contains(t, tokens, "small")
		assert.Contains(t, tokens, "cell")
	})

	t.Run("MixedCaseSponsor", func(t *testing.T) {
		tokens := tokenize("AstraZeneca")
		assert.Contains(t, tokens, "astrazeneca")
		assert.Contains(t, tokens, "astra")
		assert.Contains(t, tokens, "zeneca")
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Nil(t, tokenize(""))
	})
}

func TestTokenFrequencies(t *testing.T) {
	t.Parallel()

	freq := tokenFrequencies("asthma asthma budesonide")
	assert.Equal(t, 2, freq["asthma"])
	assert.Equal(t, 1, freq["budesonide"])
}

func TestDocForTrial(t *testing.T) {
	t.Parallel()

	trial := &graph.Trial{ID: "NCT00000001", Title: "Budesonide in Mild Asthma", Phase: "Phase 3"}
	doc := docForTrial(trial, []string{"asthma", "budesonide"})

	assert.Equal(t, "NCT00000001", doc.TrialID)
	assert.Equal(t, "Budesonide in Mild Asthma", doc.Title)
	assert.Equal(t, "Phase 3", doc.Phase)
	assert.Equal(t, "asthma, budesonide", doc.Snippet)
}

func TestBadgerStore_FTSSearch(t *testing.T) {
	t.Parallel()

	store, cleanup := setupTestBadgerStore(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, store.BulkLoad(ctx, seedGraph()))

	t.Run("MatchesSharedTerm", func(t *testing.T) {
		results, err := store.FTSSearch(ctx, "asthma", 10)
		require.NoError(t, err)
		require.Len(t, results, 3) // the registry title matches too

		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.TrialID
		}
		assert.Contains(t, ids, "NCT00000001")
		assert.Contains(t, ids, "NCT00000002")
	})

	t.Run("MatchesSingleTrial", func(t *testing.T) {
		results, err := store.FTSSearch(ctx, "budesonide", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "NCT00000001", results[0].TrialID)
		assert.Equal(t, "Budesonide in Mild Asthma", results[0].Title)
		assert.Equal(t, "Phase 3", results[0].Phase)
	})

	t.Run("MatchesRegistryIDPrefix", func(t *testing.T) {
		results, err := store.FTSSearch(ctx, "NCT00000002", 10)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		assert.Equal(t, "NCT00000002", results[0].TrialID)
	})

	t.Run("TiesBreakByTrialID", func(t *testing.T) {
		// Both connected trials carry "asthma" exactly twice (title + term).
		results, err := store.FTSSearch(ctx, "asthma", 10)
		require.NoError(t, err)

		var tied []string
		for i := 1; i < len(results); i++ {
			if results[i].Score == results[i-1].Score {
				tied = append(tied, results[i-1].TrialID, results[i].TrialID)
			}
		}
		assert.IsNonDecreasing(t, tied)
	})

	t.Run("NoMatch", func(t *testing.T) {
		results, err := store.FTSSearch(ctx, "melanoma", 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("EmptyQuery", func(t *testing.T) {
		results, err := store.FTSSearch(ctx, "", 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("LimitApplies", func(t *testing.T) {
		results, err := store.FTSSearch(ctx, "asthma", 1)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})
}

func TestFTSIndex_ReindexReplacesPostings(t *testing.T) {
	t.Parallel()

	store, cleanup := setupTestBadgerStore(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, store.BulkLoad(ctx, seedGraph()))

	fts := NewFTSIndex(store.db)
	trial := &graph.Trial{ID: "NCT00000001", Title: "Renamed Study"}
	require.NoError(t, fts.IndexTrial(trial, []string{"copd"}))

	// Old tokens are gone, new ones resolve.
	results, err := store.FTSSearch(ctx, "budesonide", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = store.FTSSearch(ctx, "copd", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "NCT00000001", results[0].TrialID)
}

func TestFTSIndex_RemoveTrial(t *testing.T) {
	t.Parallel()

	store, cleanup := setupTestBadgerStore(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, store.BulkLoad(ctx, seedGraph()))

	fts := NewFTSIndex(store.db)
	require.NoError(t, fts.RemoveTrial("NCT00000001"))

	results, err := store.FTSSearch(ctx, "budesonide", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// The other trial's postings are untouched.
	results, err = store.FTSSearch(ctx, "placebo", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestMemoryStore_FTSSearch(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	require.NoError(t, store.Initialize("", false))
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.BulkLoad(ctx, seedGraph()))

	results, err := store.FTSSearch(ctx, "asthma", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	results, err = store.FTSSearch(ctx, "budesonide", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "NCT00000001", results[0].TrialID)
}
