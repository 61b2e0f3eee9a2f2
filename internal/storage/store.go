// Package storage persists the trial graph, the similarity cache, community
// assignments and the search indexes behind a single GraphStore interface.
//
// BadgerStore is the persistent implementation; MemoryStore backs tests and
// throwaway runs. Both share the same semantics: similarity writes are
// symmetric, community and cache misses are ok=false rather than errors, and
// every operation against a store that is not open fails with ErrStoreClosed.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/graphmed/trialgraph/internal/graph"
)

// ErrStoreClosed reports an operation against a store that has not been
// initialized or has already been closed.
var ErrStoreClosed = errors.New("store is not open")

// GraphStore defines the interface for trial graph storage operations.
type GraphStore interface {
	// Lifecycle methods
	Initialize(path string, readOnly bool) error
	Close() error

	// Ingestion methods
	BulkLoad(ctx context.Context, g *graph.TrialGraph) error
	AddTrials(ctx context.Context, trials []*graph.Trial) error
	AddTerms(ctx context.Context, terms []*graph.Term) error
	AddRelationships(ctx context.Context, rels []*graph.Relationship) error
	RemoveBySource(ctx context.Context, sourceFile string) (int, error)

	// Entity lookups
	GetTrial(ctx context.Context, id string) (*graph.Trial, error)
	EntityExists(ctx context.Context, id string, kind graph.NodeKind) (bool, error)
	NeighborsOf(ctx context.Context, trialID string) (map[string]struct{}, error)
	IsolatedTrials(ctx context.Context) ([]string, error)

	// Similarity cache
	CachedSimilarity(ctx context.Context, a, b string) (float64, bool, error)
	CachedSimilarities(ctx context.Context, a string, members []string) (map[string]float64, error)
	WriteSimilarity(ctx context.Context, a, b string, score float64) error

	// Communities
	CommunityOf(ctx context.Context, trialID string) (int64, bool, error)
	MembersOfCommunity(ctx context.Context, communityID int64) ([]string, error)
	WriteCommunities(ctx context.Context, trials, terms map[string]int64, count int, modularity float64) error
	ExportGraph(ctx context.Context) (*graph.TrialGraph, error)

	// Search
	FTSSearch(ctx context.Context, query string, limit int) ([]SearchResult, error)
	VectorSearch(ctx context.Context, vector []float32, limit int) ([]SearchResult, error)
	HybridSearch(ctx context.Context, query string, vector []float32, limit int) ([]HybridSearchResult, error)
	StoreEmbeddings(ctx context.Context, embeddings []TrialEmbedding) error

	// Dataset metadata
	Stats(ctx context.Context) (*Stats, error)
	SetMeta(ctx context.Context, meta *DatasetMeta) error
	GetMeta(ctx context.Context) (*DatasetMeta, error)
}

// SearchResult represents a single result from full-text or vector search.
type SearchResult struct {
	TrialID string  // registry ID of the matching trial
	Score   float64 // relevance score (term frequency for FTS, cosine for vector)
	Title   string  // trial title
	Phase   string  // trial phase label, may be empty
	Snippet string  // leading attribute terms, for display
}

// HybridSearchResult represents a fused result from hybrid search.
type HybridSearchResult struct {
	TrialID string
	Score   float64 // RRF-fused score
	Title   string
	Phase   string
	Snippet string
}

// TrialEmbedding pairs a trial with its text embedding vector.
type TrialEmbedding struct {
	TrialID string
	Vector  []float32
}

// Stats summarizes the stored dataset.
type Stats struct {
	Trials        int     // trial nodes
	Terms         int     // attribute term nodes
	Relationships int     // trial-term edges
	CoOccurs      int     // term co-occurrence edges
	CachedPairs   int     // symmetric similarity pairs in the cache
	Isolated      int     // trials without any relationship
	Communities   int     // communities found by the last clustering run
	Modularity    float64 // modularity of the last clustering run
}

// DatasetMeta records provenance and clustering state for an ingested dataset.
type DatasetMeta struct {
	DataPath      string    `json:"data_path"`
	TrialCount    int       `json:"trial_count"`
	TermCount     int       `json:"term_count"`
	Relationships int       `json:"relationships"`
	Embeddings    bool      `json:"embeddings,omitempty"`
	LastIngest    time.Time `json:"last_ingest"`
	LastCluster   time.Time `json:"last_cluster"`
	Communities   int       `json:"communities,omitempty"`
	Modularity    float64   `json:"modularity,omitempty"`
}
