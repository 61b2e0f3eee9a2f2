package storage

import (
	"context"
	"math"
	"sort"
)

// HybridSearch combines FTS and vector search using Reciprocal Rank Fusion
// (RRF). k is the RRF constant (typically 60). Either leg failing degrades
// to the other rather than failing the search.
func HybridSearch(ctx context.Context, store GraphStore, query string, queryVector []float32, limit, k int) ([]HybridSearchResult, error) {
	ftsResults, err := store.FTSSearch(ctx, query, limit*2)
	if err != nil {
		ftsResults = []SearchResult{}
	}

	var vectorResults []SearchResult
	if len(queryVector) > 0 {
		vectorResults, err = store.VectorSearch(ctx, queryVector, limit*2)
		if err != nil {
			vectorResults = []SearchResult{}
		}
	}

	rrfScores := make(map[string]float64)
	metadata := make(map[string]SearchResult)

	for i, result := range ftsResults {
		rrfScores[result.TrialID] += 1.0 / float64(k+i)
		if _, exists := metadata[result.TrialID]; !exists {
			metadata[result.TrialID] = result
		}
	}

	for i, result := range vectorResults {
		rrfScores[result.TrialID] += 1.0 / float64(k+i)
		if _, exists := metadata[result.TrialID]; !exists {
			metadata[result.TrialID] = result
		}
	}

	results := make([]HybridSearchResult, 0, len(rrfScores))
	for trialID, score := range rrfScores {
		meta := metadata[trialID]
		results = append(results, HybridSearchResult{
			TrialID: trialID,
			Score:   score,
			Title:   meta.Title,
			Phase:   meta.Phase,
			Snippet: meta.Snippet,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].TrialID < results[j].TrialID
	})

	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// CosineSimilarity computes the cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
