package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/graphmed/trialgraph/internal/graph"
)

// MemoryStore is an in-memory GraphStore for tests and throwaway runs. It
// mirrors BadgerStore semantics, including symmetric similarity writes and
// wholesale community replacement, without touching disk.
type MemoryStore struct {
	mu   sync.RWMutex
	open bool

	trials map[string]*graph.Trial
	terms  map[string]*graph.Term

	trialTerms map[string]map[string]struct{}
	termTrials map[string]map[string]struct{}
	coOccurs   map[[2]string]*graph.Relationship
	edgeCount  int

	sims    map[string]map[string]float64 // a -> b -> score, both directions
	members map[int64]map[string]struct{} // community -> trial IDs

	embeddings map[string][]float32
	meta       *DatasetMeta
}

var _ GraphStore = (*MemoryStore)(nil)

// NewMemoryStore creates an unopened store. Call Initialize before use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Initialize readies the store. The path is ignored; data lives in process
// memory only.
func (s *MemoryStore) Initialize(path string, readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	s.open = true
	return nil
}

func (s *MemoryStore) reset() {
	s.trials = make(map[string]*graph.Trial)
	s.terms = make(map[string]*graph.Term)
	s.trialTerms = make(map[string]map[string]struct{})
	s.termTrials = make(map[string]map[string]struct{})
	s.coOccurs = make(map[[2]string]*graph.Relationship)
	s.edgeCount = 0
	s.sims = make(map[string]map[string]float64)
	s.members = make(map[int64]map[string]struct{})
	s.embeddings = make(map[string][]float32)
	s.meta = nil
}

// Close marks the store closed. Further operations fail with ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// BulkLoad replaces the stored graph and everything derived from it with the
// contents of the staged graph.
func (s *MemoryStore) BulkLoad(ctx context.Context, g *graph.TrialGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrStoreClosed
	}

	meta := s.meta
	s.reset()
	s.meta = meta

	for trial := range g.IterTrials() {
		t := *trial
		s.trials[t.ID] = &t
		for termID := range g.Neighbors(t.ID) {
			s.link(t.ID, termID)
		}
	}
	for term := range g.IterTerms() {
		t := *term
		s.terms[t.ID] = &t
	}
	for _, rel := range g.CoOccurrences() {
		r := *rel
		s.coOccurs[coOccurPair(r.Source, r.Target)] = &r
	}
	return nil
}

// link records a trial-term edge in both adjacency directions. Idempotent.
// Callers hold the write lock.
func (s *MemoryStore) link(trialID, termID string) {
	if s.trialTerms[trialID] == nil {
		s.trialTerms[trialID] = make(map[string]struct{})
	}
	if _, ok := s.trialTerms[trialID][termID]; ok {
		return
	}
	s.trialTerms[trialID][termID] = struct{}{}

	if s.termTrials[termID] == nil {
		s.termTrials[termID] = make(map[string]struct{})
	}
	s.termTrials[termID][trialID] = struct{}{}
	s.edgeCount++
}

func coOccurPair(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// AddTrials upserts trials.
func (s *MemoryStore) AddTrials(ctx context.Context, trials []*graph.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrStoreClosed
	}

	for _, trial := range trials {
		t := *trial
		s.trials[t.ID] = &t
	}
	return nil
}

// AddTerms upserts terms.
func (s *MemoryStore) AddTerms(ctx context.Context, terms []*graph.Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrStoreClosed
	}

	for _, term := range terms {
		t := *term
		s.terms[t.ID] = &t
	}
	return nil
}

// AddRelationships inserts edges. Similarity edges must go through
// WriteSimilarity.
func (s *MemoryStore) AddRelationships(ctx context.Context, rels []*graph.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrStoreClosed
	}

	for _, rel := range rels {
		switch rel.Type {
		case graph.RelHasTerm:
			s.link(rel.Source, rel.Target)
		case graph.RelCoOccurs:
			r := *rel
			s.coOccurs[coOccurPair(r.Source, r.Target)] = &r
		case graph.RelSimilarTo:
			return fmt.Errorf("similarity edges are written through WriteSimilarity")
		default:
			return fmt.Errorf("unknown relationship type %q", rel.Type)
		}
	}
	return nil
}

// RemoveBySource deletes every trial ingested from the given source file,
// cascading exactly like BadgerStore.
func (s *MemoryStore) RemoveBySource(ctx context.Context, sourceFile string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return 0, ErrStoreClosed
	}

	var doomed []string
	for id, trial := range s.trials {
		if trial.SourceFile == sourceFile {
			doomed = append(doomed, id)
		}
	}

	for _, id := range doomed {
		for termID := range s.trialTerms[id] {
			delete(s.termTrials[termID], id)
			s.edgeCount--
			if len(s.termTrials[termID]) == 0 {
				delete(s.termTrials, termID)
				delete(s.terms, termID)
				for pair := range s.coOccurs {
					if pair[0] == termID || pair[1] == termID {
						delete(s.coOccurs, pair)
					}
				}
			}
		}
		delete(s.trialTerms, id)

		for partner := range s.sims[id] {
			delete(s.sims[partner], id)
		}
		delete(s.sims, id)

		if trial := s.trials[id]; trial.Community != nil {
			delete(s.members[*trial.Community], id)
		}
		delete(s.embeddings, id)
		delete(s.trials, id)
	}

	return len(doomed), nil
}

// GetTrial returns a copy of the trial, or nil if not found.
func (s *MemoryStore) GetTrial(ctx context.Context, id string) (*graph.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, ErrStoreClosed
	}

	trial, ok := s.trials[id]
	if !ok {
		return nil, nil
	}
	t := *trial
	return &t, nil
}

// EntityExists reports whether a node of the given kind exists, after
// normalizing the identifier for its kind.
func (s *MemoryStore) EntityExists(ctx context.Context, id string, kind graph.NodeKind) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return false, ErrStoreClosed
	}

	switch kind {
	case graph.KindTrial:
		_, ok := s.trials[graph.NormalizeTrialID(id)]
		return ok, nil
	case graph.KindTerm:
		_, ok := s.terms[graph.NormalizeTerm(id)]
		return ok, nil
	default:
		return false, fmt.Errorf("unknown node kind %q", kind)
	}
}

// NeighborsOf returns a copy of the trial's term set.
func (s *MemoryStore) NeighborsOf(ctx context.Context, trialID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, ErrStoreClosed
	}

	set := s.trialTerms[trialID]
	out := make(map[string]struct{}, len(set))
	for id := range set {
		out[id] = struct{}{}
	}
	return out, nil
}

// IsolatedTrials lists trials without any relationship edge, ascending by ID.
func (s *MemoryStore) IsolatedTrials(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, ErrStoreClosed
	}

	isolated := []string{}
	for id := range s.trials {
		if len(s.trialTerms[id]) == 0 {
			isolated = append(isolated, id)
		}
	}
	sort.Strings(isolated)
	return isolated, nil
}

// CachedSimilarity returns the cached score for a pair, ok=false on a miss.
func (s *MemoryStore) CachedSimilarity(ctx context.Context, a, b string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return 0, false, ErrStoreClosed
	}

	score, ok := s.sims[a][b]
	return score, ok, nil
}

// CachedSimilarities batch-reads the cached scores between a and each member.
func (s *MemoryStore) CachedSimilarities(ctx context.Context, a string, members []string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, ErrStoreClosed
	}

	out := make(map[string]float64, len(members))
	for _, member := range members {
		if score, ok := s.sims[a][member]; ok {
			out[member] = score
		}
	}
	return out, nil
}

// WriteSimilarity caches a symmetric score in both directions. If either
// trial no longer exists the write is skipped.
func (s *MemoryStore) WriteSimilarity(ctx context.Context, a, b string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrStoreClosed
	}

	if _, ok := s.trials[a]; !ok {
		return nil
	}
	if _, ok := s.trials[b]; !ok {
		return nil
	}

	if s.sims[a] == nil {
		s.sims[a] = make(map[string]float64)
	}
	if s.sims[b] == nil {
		s.sims[b] = make(map[string]float64)
	}
	s.sims[a][b] = score
	s.sims[b][a] = score
	return nil
}

// CommunityOf returns the trial's community assignment.
func (s *MemoryStore) CommunityOf(ctx context.Context, trialID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return 0, false, ErrStoreClosed
	}

	trial, ok := s.trials[trialID]
	if !ok || trial.Community == nil {
		return 0, false, nil
	}
	return *trial.Community, true, nil
}

// MembersOfCommunity returns the trial IDs assigned to the community,
// ascending.
func (s *MemoryStore) MembersOfCommunity(ctx context.Context, communityID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, ErrStoreClosed
	}

	ids := make([]string, 0, len(s.members[communityID]))
	for id := range s.members[communityID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// WriteCommunities replaces all community assignments with a fresh partition.
func (s *MemoryStore) WriteCommunities(ctx context.Context, trials, terms map[string]int64, count int, modularity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrStoreClosed
	}

	s.members = make(map[int64]map[string]struct{})
	for id, communityID := range trials {
		trial, ok := s.trials[id]
		if !ok {
			continue
		}
		c := communityID
		trial.Community = &c
		if s.members[communityID] == nil {
			s.members[communityID] = make(map[string]struct{})
		}
		s.members[communityID][id] = struct{}{}
	}
	for id, communityID := range terms {
		term, ok := s.terms[id]
		if !ok {
			continue
		}
		c := communityID
		term.Community = &c
	}

	if s.meta == nil {
		s.meta = &DatasetMeta{}
	}
	s.meta.Communities = count
	s.meta.Modularity = modularity
	s.meta.LastCluster = time.Now().UTC()
	return nil
}

// ExportGraph materializes the stored graph.
func (s *MemoryStore) ExportGraph(ctx context.Context) (*graph.TrialGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, ErrStoreClosed
	}

	g := graph.NewTrialGraph()
	for _, trial := range s.trials {
		t := *trial
		g.AddTrial(&t)
	}
	for _, term := range s.terms {
		t := *term
		g.AddTerm(&t)
	}
	for trialID, terms := range s.trialTerms {
		for termID := range terms {
			g.Link(trialID, termID)
		}
	}
	for _, rel := range s.coOccurs {
		g.AddCoOccurrence(rel.Source, rel.Target, rel.Weight)
	}
	return g, nil
}

// FTSSearch scores trials against the query by tokenized term frequency.
// The index is transient: postings are derived on the fly from the stored
// records.
func (s *MemoryStore) FTSSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, ErrStoreClosed
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return []SearchResult{}, nil
	}

	var results []SearchResult
	for id, trial := range s.trials {
		terms := s.sortedTermsOf(id)
		freq := tokenFrequencies(trialText(trial, terms))

		score := 0.0
		for _, token := range queryTokens {
			score += float64(freq[token])
		}
		if score <= 0 {
			continue
		}

		doc := docForTrial(trial, terms)
		results = append(results, SearchResult{
			TrialID: id,
			Score:   score,
			Title:   doc.Title,
			Phase:   doc.Phase,
			Snippet: doc.Snippet,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].TrialID < results[j].TrialID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// sortedTermsOf returns a trial's terms ascending. Callers hold a lock.
func (s *MemoryStore) sortedTermsOf(trialID string) []string {
	terms := make([]string, 0, len(s.trialTerms[trialID]))
	for termID := range s.trialTerms[trialID] {
		terms = append(terms, termID)
	}
	sort.Strings(terms)
	return terms
}

// VectorSearch finds trials closest to the given vector by cosine similarity.
func (s *MemoryStore) VectorSearch(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, ErrStoreClosed
	}

	type scoredTrial struct {
		trialID string
		score   float64
	}
	var scored []scoredTrial
	for id, embedding := range s.embeddings {
		sim := CosineSimilarity(vector, embedding)
		if sim > 0 {
			scored = append(scored, scoredTrial{trialID: id, score: sim})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].trialID < scored[j].trialID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	results := make([]SearchResult, 0, len(scored))
	for _, st := range scored {
		trial, ok := s.trials[st.trialID]
		if !ok {
			continue
		}
		doc := docForTrial(trial, s.sortedTermsOf(st.trialID))
		results = append(results, SearchResult{
			TrialID: st.trialID,
			Score:   st.score,
			Title:   doc.Title,
			Phase:   doc.Phase,
			Snippet: doc.Snippet,
		})
	}
	return results, nil
}

// HybridSearch combines FTS and vector search using RRF.
func (s *MemoryStore) HybridSearch(ctx context.Context, query string, vector []float32, limit int) ([]HybridSearchResult, error) {
	return HybridSearch(ctx, s, query, vector, limit, 60)
}

// StoreEmbeddings persists trial embeddings.
func (s *MemoryStore) StoreEmbeddings(ctx context.Context, embeddings []TrialEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrStoreClosed
	}

	for _, emb := range embeddings {
		vec := make([]float32, len(emb.Vector))
		copy(vec, emb.Vector)
		s.embeddings[emb.TrialID] = vec
	}
	return nil
}

// Stats summarizes the stored dataset.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, ErrStoreClosed
	}

	isolated := 0
	for id := range s.trials {
		if len(s.trialTerms[id]) == 0 {
			isolated++
		}
	}

	pairs := 0
	for _, partners := range s.sims {
		pairs += len(partners)
	}

	st := &Stats{
		Trials:        len(s.trials),
		Terms:         len(s.terms),
		Relationships: s.edgeCount,
		CoOccurs:      len(s.coOccurs),
		CachedPairs:   pairs / 2,
		Isolated:      isolated,
	}
	if s.meta != nil {
		st.Communities = s.meta.Communities
		st.Modularity = s.meta.Modularity
	}
	return st, nil
}

// SetMeta stores the dataset metadata record.
func (s *MemoryStore) SetMeta(ctx context.Context, meta *DatasetMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrStoreClosed
	}

	m := *meta
	s.meta = &m
	return nil
}

// GetMeta returns the dataset metadata record, or nil if none was stored.
func (s *MemoryStore) GetMeta(ctx context.Context) (*DatasetMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.open {
		return nil, ErrStoreClosed
	}

	if s.meta == nil {
		return nil, nil
	}
	m := *s.meta
	return &m, nil
}
