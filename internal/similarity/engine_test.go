package similarity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmed/trialgraph/internal/cluster"
	"github.com/graphmed/trialgraph/internal/graph"
	"github.com/graphmed/trialgraph/internal/storage"
)

const (
	trialA = "NCT00000001" // terms: x, y
	trialB = "NCT00000002" // terms: y, z
	trialC = "NCT00000003" // no terms
)

// newSeededStore loads three trials into one community: A and B overlap on
// one term, C has no terms at all.
func newSeededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()

	store := storage.NewMemoryStore()
	require.NoError(t, store.Initialize("", false))
	t.Cleanup(func() { _ = store.Close() })

	g := graph.NewTrialGraph()
	g.AddTrial(&graph.Trial{ID: trialA, Title: "Budesonide in Mild Asthma", Phase: "Phase 3"})
	g.AddTrial(&graph.Trial{ID: trialB, Title: "Inhaled Placebo Comparison", Phase: "Phase 2"})
	g.AddTrial(&graph.Trial{ID: trialC, Title: "Registry Follow-Up"})
	g.Link(trialA, "x")
	g.Link(trialA, "y")
	g.Link(trialB, "y")
	g.Link(trialB, "z")
	g.MarkIsolated()
	require.NoError(t, store.BulkLoad(context.Background(), g))

	trials := map[string]int64{trialA: 0, trialB: 0, trialC: 0}
	terms := map[string]int64{"x": 0, "y": 0, "z": 0}
	require.NoError(t, store.WriteCommunities(context.Background(), trials, terms, 1, 0.0))

	return store
}

// neighborGuardStore counts NeighborsOf calls so tests can assert the cache
// short-circuits structural lookups.
type neighborGuardStore struct {
	storage.GraphStore
	neighborCalls int
}

func (s *neighborGuardStore) NeighborsOf(ctx context.Context, trialID string) (map[string]struct{}, error) {
	s.neighborCalls++
	return s.GraphStore.NeighborsOf(ctx, trialID)
}

func TestScore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("JaccardBase", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		score, err := engine.Score(ctx, trialA, trialB, nil, nil)
		require.NoError(t, err)
		assert.InDelta(t, 1.0/3.0, score, 1e-12)
	})

	t.Run("WritesBothDirections", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		score, err := engine.Score(ctx, trialA, trialB, nil, nil)
		require.NoError(t, err)

		forward, ok, err := store.CachedSimilarity(ctx, trialA, trialB)
		require.NoError(t, err)
		require.True(t, ok)
		reverse, ok, err := store.CachedSimilarity(ctx, trialB, trialA)
		require.NoError(t, err)
		require.True(t, ok)

		assert.Equal(t, score, forward)
		assert.Equal(t, score, reverse)
	})

	t.Run("EmptyUnionScoresZeroAndIsCached", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		score, err := engine.Score(ctx, trialA, trialC, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 0.0, score)

		cached, ok, err := store.CachedSimilarity(ctx, trialC, trialA)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0.0, cached)
	})

	t.Run("CacheHitSkipsNeighborLookups", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		require.NoError(t, store.WriteSimilarity(ctx, trialA, trialB, 0.9))

		guard := &neighborGuardStore{GraphStore: store}
		engine := NewEngine(guard)

		score, err := engine.Score(ctx, trialA, trialB, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 0.9, score)
		assert.Zero(t, guard.neighborCalls)
	})

	t.Run("CachedZeroIsAuthoritative", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		require.NoError(t, store.WriteSimilarity(ctx, trialA, trialB, 0.0))

		guard := &neighborGuardStore{GraphStore: store}
		engine := NewEngine(guard)

		score, err := engine.Score(ctx, trialA, trialB, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 0.0, score)
		assert.Zero(t, guard.neighborCalls)
	})

	t.Run("BoostAccrues", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		require.NoError(t, store.WriteSimilarity(ctx, trialA, trialC, 0.6))
		require.NoError(t, store.WriteSimilarity(ctx, trialB, trialC, 0.4))

		engine := NewEngine(store)
		score, err := engine.Score(ctx, trialA, trialB, []string{trialA, trialB, trialC}, nil)
		require.NoError(t, err)

		// Jaccard 1/3 plus min(0.6, 0.4) * 0.1.
		assert.InDelta(t, 1.0/3.0+0.04, score, 1e-12)
	})

	t.Run("BoostSkipsMemberWithoutFirstLeg", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		require.NoError(t, store.WriteSimilarity(ctx, trialB, trialC, 0.4))

		engine := NewEngine(store)
		score, err := engine.Score(ctx, trialA, trialB, []string{trialA, trialB, trialC}, nil)
		require.NoError(t, err)

		// sim(A,C) is uncached, so C contributes nothing.
		assert.InDelta(t, 1.0/3.0, score, 1e-12)
	})

	t.Run("IntermediatesSupplyFirstLeg", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		require.NoError(t, store.WriteSimilarity(ctx, trialB, trialC, 0.4))

		engine := NewEngine(store)
		intermediates := map[string]float64{trialC: 0.6}
		score, err := engine.Score(ctx, trialA, trialB, []string{trialA, trialB, trialC}, intermediates)
		require.NoError(t, err)

		assert.InDelta(t, 1.0/3.0+0.04, score, 1e-12)
	})

	t.Run("CappedAtOne", func(t *testing.T) {
		t.Parallel()
		store := storage.NewMemoryStore()
		require.NoError(t, store.Initialize("", false))
		t.Cleanup(func() { _ = store.Close() })

		g := graph.NewTrialGraph()
		g.AddTrial(&graph.Trial{ID: trialA})
		g.AddTrial(&graph.Trial{ID: trialB})
		g.AddTrial(&graph.Trial{ID: trialC})
		g.Link(trialA, "x")
		g.Link(trialB, "x")
		require.NoError(t, store.BulkLoad(context.Background(), g))

		require.NoError(t, store.WriteSimilarity(ctx, trialA, trialC, 0.9))
		require.NoError(t, store.WriteSimilarity(ctx, trialB, trialC, 0.9))

		engine := NewEngine(store)
		score, err := engine.Score(ctx, trialA, trialB, []string{trialA, trialB, trialC}, nil)
		require.NoError(t, err)

		// Identical neighbor sets give base 1.0; the boost pushes past the cap.
		assert.Equal(t, 1.0, score)
	})
}

func TestTopSimilar(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("RanksCommunityMembers", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		matches, err := engine.TopSimilar(ctx, trialA, 10)
		require.NoError(t, err)
		require.Len(t, matches, 2)

		assert.Equal(t, trialB, matches[0].TrialID)
		assert.InDelta(t, 1.0/3.0, matches[0].Similarity, 1e-12)
		assert.Equal(t, trialC, matches[1].TrialID)
		assert.Equal(t, 0.0, matches[1].Similarity)
	})

	t.Run("ExcludesQueryTrial", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		matches, err := engine.TopSimilar(ctx, trialA, 10)
		require.NoError(t, err)
		for _, m := range matches {
			assert.NotEqual(t, trialA, m.TrialID)
		}
	})

	t.Run("NoCommunityYieldsEmpty", func(t *testing.T) {
		t.Parallel()
		store := storage.NewMemoryStore()
		require.NoError(t, store.Initialize("", false))
		t.Cleanup(func() { _ = store.Close() })

		g := graph.NewTrialGraph()
		g.AddTrial(&graph.Trial{ID: trialA})
		g.Link(trialA, "x")
		require.NoError(t, store.BulkLoad(context.Background(), g))

		engine := NewEngine(store)
		matches, err := engine.TopSimilar(ctx, trialA, 10)
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("TruncatesToK", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		matches, err := engine.TopSimilar(ctx, trialA, 1)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, trialB, matches[0].TrialID)
	})

	t.Run("NonPositiveKUsesDefault", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		matches, err := engine.TopSimilar(ctx, trialA, 0)
		require.NoError(t, err)
		assert.Len(t, matches, 2) // fewer members than DefaultTopK
	})

	t.Run("TiesBreakByAscendingID", func(t *testing.T) {
		t.Parallel()
		store := storage.NewMemoryStore()
		require.NoError(t, store.Initialize("", false))
		t.Cleanup(func() { _ = store.Close() })

		// Query shares no terms with either member, so both score 0.0.
		g := graph.NewTrialGraph()
		g.AddTrial(&graph.Trial{ID: "NCT00000010"})
		g.AddTrial(&graph.Trial{ID: "NCT00000012"})
		g.AddTrial(&graph.Trial{ID: "NCT00000011"})
		g.Link("NCT00000010", "q")
		g.Link("NCT00000012", "r")
		g.Link("NCT00000011", "s")
		require.NoError(t, store.BulkLoad(context.Background(), g))

		trials := map[string]int64{"NCT00000010": 0, "NCT00000012": 0, "NCT00000011": 0}
		require.NoError(t, store.WriteCommunities(context.Background(), trials, nil, 1, 0.0))

		engine := NewEngine(store)
		matches, err := engine.TopSimilar(ctx, "NCT00000010", 10)
		require.NoError(t, err)
		require.Len(t, matches, 2)

		assert.Equal(t, "NCT00000011", matches[0].TrialID)
		assert.Equal(t, "NCT00000012", matches[1].TrialID)
	})

	t.Run("BoostSeesEarlierWritesInSameRun", func(t *testing.T) {
		t.Parallel()
		store := storage.NewMemoryStore()
		require.NoError(t, store.Initialize("", false))
		t.Cleanup(func() { _ = store.Close() })

		// A={x,y}, B={y,z}, C={x,z}: both pairs share one of three terms.
		g := graph.NewTrialGraph()
		g.AddTrial(&graph.Trial{ID: trialA})
		g.AddTrial(&graph.Trial{ID: trialB})
		g.AddTrial(&graph.Trial{ID: trialC})
		g.Link(trialA, "x")
		g.Link(trialA, "y")
		g.Link(trialB, "y")
		g.Link(trialB, "z")
		g.Link(trialC, "x")
		g.Link(trialC, "z")
		require.NoError(t, store.BulkLoad(context.Background(), g))

		trials := map[string]int64{trialA: 0, trialB: 0, trialC: 0}
		require.NoError(t, store.WriteCommunities(context.Background(), trials, nil, 1, 0.0))
		require.NoError(t, store.WriteSimilarity(ctx, trialC, trialB, 0.5))

		engine := NewEngine(store)
		matches, err := engine.TopSimilar(ctx, trialA, 10)
		require.NoError(t, err)
		require.Len(t, matches, 2)

		// B is scored first with an empty cache for sim(A,C), so its boost
		// skips C: score(A,B) = 1/3. C is scored second and its boost picks
		// up the just-written sim(A,B): 1/3 + min(1/3, 0.5) * 0.1.
		assert.Equal(t, trialC, matches[0].TrialID)
		assert.InDelta(t, 1.0/3.0+1.0/30.0, matches[0].Similarity, 1e-12)
		assert.Equal(t, trialB, matches[1].TrialID)
		assert.InDelta(t, 1.0/3.0, matches[1].Similarity, 1e-12)
	})

	t.Run("CanceledContextAborts", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		canceled, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := engine.TopSimilar(canceled, trialA, 10)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFindSimilar(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("UnknownTrial", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		_, err := engine.FindSimilar(ctx, "NCT_NOPE", 10)
		assert.ErrorIs(t, err, ErrUnknownTrial)
		assert.Contains(t, err.Error(), "NCT_NOPE")
	})

	t.Run("TrimsQueryID", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		matches, err := engine.FindSimilar(ctx, "  "+trialA+"  ", 10)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, trialB, matches[0].TrialID)
	})

	t.Run("DelegatesToTopSimilar", func(t *testing.T) {
		t.Parallel()
		store := newSeededStore(t)
		engine := NewEngine(store)

		matches, err := engine.FindSimilar(ctx, trialA, 10)
		require.NoError(t, err)
		direct, err := engine.TopSimilar(ctx, trialA, 10)
		require.NoError(t, err)
		assert.Equal(t, direct, matches)
	})
}

func TestClusterAndIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	setup := func(t *testing.T) *storage.MemoryStore {
		t.Helper()
		store := storage.NewMemoryStore()
		require.NoError(t, store.Initialize("", false))
		t.Cleanup(func() { _ = store.Close() })

		g := graph.NewTrialGraph()
		g.AddTrial(&graph.Trial{ID: "NCT00000001"})
		g.AddTrial(&graph.Trial{ID: "NCT00000002"})
		g.Link("NCT00000001", "asthma")
		g.Link("NCT00000001", "budesonide")
		g.Link("NCT00000002", "asthma")
		g.Link("NCT00000002", "budesonide")
		g.AddTrial(&graph.Trial{ID: "NCT00000003"})
		g.AddTrial(&graph.Trial{ID: "NCT00000004"})
		g.Link("NCT00000003", "melanoma")
		g.Link("NCT00000003", "nivolumab")
		g.Link("NCT00000004", "melanoma")
		g.Link("NCT00000004", "nivolumab")
		g.MarkIsolated()
		require.NoError(t, store.BulkLoad(ctx, g))
		return store
	}

	t.Run("AssignsCommunities", func(t *testing.T) {
		t.Parallel()
		store := setup(t)
		engine := NewEngine(store)

		summary, err := engine.ClusterAndIndex(ctx, cluster.DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Communities)
		assert.Greater(t, summary.Modularity, 0.0)

		first, ok, err := store.CommunityOf(ctx, "NCT00000001")
		require.NoError(t, err)
		require.True(t, ok)
		second, ok, err := store.CommunityOf(ctx, "NCT00000002")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first, second)

		other, ok, err := store.CommunityOf(ctx, "NCT00000003")
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotEqual(t, first, other)
	})

	t.Run("ReplacesPriorPartition", func(t *testing.T) {
		t.Parallel()
		store := setup(t)
		require.NoError(t, store.WriteCommunities(ctx, map[string]int64{"NCT00000001": 99}, nil, 1, 0.0))

		engine := NewEngine(store)
		_, err := engine.ClusterAndIndex(ctx, cluster.DefaultOptions())
		require.NoError(t, err)

		stale, err := store.MembersOfCommunity(ctx, 99)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})

	t.Run("RecordsMeta", func(t *testing.T) {
		t.Parallel()
		store := setup(t)
		engine := NewEngine(store)

		summary, err := engine.ClusterAndIndex(ctx, cluster.DefaultOptions())
		require.NoError(t, err)

		meta, err := store.GetMeta(ctx)
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, summary.Communities, meta.Communities)
		assert.InDelta(t, summary.Modularity, meta.Modularity, 1e-12)
		assert.False(t, meta.LastCluster.IsZero())
	})
}
