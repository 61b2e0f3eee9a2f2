// Package similarity implements community-scoped trial similarity: a cached,
// boosted Jaccard score over trial neighbor sets, ranked within the query
// trial's community.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/graphmed/trialgraph/internal/cluster"
	"github.com/graphmed/trialgraph/internal/graph"
	"github.com/graphmed/trialgraph/internal/storage"
)

// ErrUnknownTrial reports a similarity query for a registry ID that is not in
// the store. Wrapped with the offending ID; check with errors.Is.
var ErrUnknownTrial = errors.New("unknown trial")

const (
	// DefaultTopK is the result size when the caller passes k <= 0.
	DefaultTopK = 10

	// boostWeight scales each community member's contribution to the
	// transitive boost.
	boostWeight = 0.1
)

// Match is one ranked similarity result.
type Match struct {
	TrialID    string  `json:"trial_id"`
	Similarity float64 `json:"similarity"`
}

// ClusterSummary reports the outcome of a clustering run.
type ClusterSummary struct {
	Communities int
	Modularity  float64
}

// Engine computes and ranks trial similarities against a GraphStore.
type Engine struct {
	store storage.GraphStore
}

// NewEngine creates an Engine over the given store.
func NewEngine(store storage.GraphStore) *Engine {
	return &Engine{store: store}
}

// FindSimilar validates the query trial and returns its top-k most similar
// community members. The ID is trimmed before lookup. An unknown trial fails
// with ErrUnknownTrial; a known trial without a community assignment returns
// an empty result and no error.
func (e *Engine) FindSimilar(ctx context.Context, trialID string, k int) ([]Match, error) {
	id := graph.NormalizeTrialID(trialID)

	exists, err := e.store.EntityExists(ctx, id, graph.KindTrial)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrial, id)
	}

	return e.TopSimilar(ctx, id, k)
}

// TopSimilar ranks the trials sharing the query trial's community by
// similarity, descending, truncated to k (DefaultTopK when k <= 0).
//
// Members are scored sequentially in ascending ID order, so for a fixed
// starting cache and neighbor state the ranking is reproducible. The stable
// sort keeps that ID order as the tie-break between equal scores.
func (e *Engine) TopSimilar(ctx context.Context, trialID string, k int) ([]Match, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	communityID, ok, err := e.store.CommunityOf(ctx, trialID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Match{}, nil
	}

	members, err := e.store.MembersOfCommunity(ctx, communityID)
	if err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(members))
	for _, m := range members {
		if m != trialID {
			candidates = append(candidates, m)
		}
	}
	sort.Strings(candidates)

	intermediates, err := e.store.CachedSimilarities(ctx, trialID, candidates)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(candidates))
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score, err := e.Score(ctx, trialID, m, candidates, intermediates)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{TrialID: m, Similarity: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Score returns the similarity between trials a and b.
//
// A cached pair is returned as-is without touching neighbor sets. Otherwise
// the base is the Jaccard coefficient of the two term neighbor sets, raised
// by a transitive boost over the shared community members, capped at 1.0, and
// written back to the cache in both directions. An empty union scores 0.0 and
// is still cached.
//
// The boost reads only cached pairs (the intermediates snapshot for sim(a,m),
// the live cache for sim(b,m)) and never recurses into full scoring. Because
// earlier pairs' writes land in the cache before later pairs are scored, the
// boost is order-dependent by construction; it approximates transitive
// similarity cheaply rather than converging on a fixed point.
func (e *Engine) Score(ctx context.Context, a, b string, members []string, intermediates map[string]float64) (float64, error) {
	cached, ok, err := e.store.CachedSimilarity(ctx, a, b)
	if err != nil {
		return 0, err
	}
	if ok {
		return cached, nil
	}

	neighborsA, err := e.store.NeighborsOf(ctx, a)
	if err != nil {
		return 0, err
	}
	neighborsB, err := e.store.NeighborsOf(ctx, b)
	if err != nil {
		return 0, err
	}

	var score float64
	intersection, union := setOverlap(neighborsA, neighborsB)
	if union > 0 {
		base := float64(intersection) / float64(union)
		boost, err := e.boost(ctx, a, b, members, intermediates)
		if err != nil {
			return 0, err
		}
		score = math.Min(1.0, base+boost)
	}

	if err := e.store.WriteSimilarity(ctx, a, b, score); err != nil {
		return 0, err
	}
	return score, nil
}

// boost accumulates min(sim(a,m), sim(b,m)) * boostWeight over the community
// members. sim(a,m) comes from the intermediates snapshot when present, else
// from the cache; a miss skips the member without consulting sim(b,m).
// sim(b,m) is always a cache lookup.
func (e *Engine) boost(ctx context.Context, a, b string, members []string, intermediates map[string]float64) (float64, error) {
	var acc float64
	for _, m := range members {
		if m == a || m == b {
			continue
		}

		simAM, ok := intermediates[m]
		if !ok {
			var err error
			simAM, ok, err = e.store.CachedSimilarity(ctx, a, m)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
		}

		simBM, ok, err := e.store.CachedSimilarity(ctx, b, m)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}

		acc += math.Min(simAM, simBM) * boostWeight
	}
	return acc, nil
}

// ClusterAndIndex rebuilds the structural projection from the store, runs
// community detection over it, and wholesale-replaces the stored partition.
// The store records the run's count, modularity and timestamp in the dataset
// metadata.
func (e *Engine) ClusterAndIndex(ctx context.Context, opts cluster.Options) (*ClusterSummary, error) {
	g, err := e.store.ExportGraph(ctx)
	if err != nil {
		return nil, err
	}

	result, err := cluster.Detect(g, opts)
	if err != nil {
		return nil, err
	}

	if err := e.store.WriteCommunities(ctx, result.TrialCommunities, result.TermCommunities, result.Count, result.Modularity); err != nil {
		return nil, err
	}

	return &ClusterSummary{Communities: result.Count, Modularity: result.Modularity}, nil
}

// setOverlap returns the intersection and union sizes of two sets.
func setOverlap(a, b map[string]struct{}) (intersection, union int) {
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	for id := range small {
		if _, ok := large[id]; ok {
			intersection++
		}
	}
	union = len(a) + len(b) - intersection
	return intersection, union
}
