// Package graph provides the in-memory staging graph for trialgraph.
//
// TrialGraph is a lightweight, map-backed bipartite graph of trials and
// terms built during ingestion and handed to the storage layer and the
// community detector. Adjacency is kept as sets in both directions so
// neighbor queries scale with the result rather than the graph.
package graph

import (
	"sort"
	"sync"
)

// TrialGraph is an in-memory bipartite graph of trials and attribute terms.
//
// Trials and terms are keyed by their normalized IDs. Linking is idempotent
// (set semantics); removing a trial cascades to its edges and drops terms
// left without any linked trial.
type TrialGraph struct {
	mu     sync.RWMutex
	trials map[string]*Trial
	terms  map[string]*Term

	// Adjacency sets, kept in sync by Link and the remove helpers.
	trialTerms map[string]map[string]struct{}
	termTrials map[string]map[string]struct{}

	// Term co-occurrence edges keyed by the sorted term pair.
	coOccurs map[[2]string]*Relationship

	edgeCount int
}

// NewTrialGraph creates a new empty staging graph.
func NewTrialGraph() *TrialGraph {
	return &TrialGraph{
		trials:     make(map[string]*Trial),
		terms:      make(map[string]*Term),
		trialTerms: make(map[string]map[string]struct{}),
		termTrials: make(map[string]map[string]struct{}),
		coOccurs:   make(map[[2]string]*Relationship),
	}
}

// TrialCount returns the number of trials without list materialization.
func (g *TrialGraph) TrialCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.trials)
}

// TermCount returns the number of terms without list materialization.
func (g *TrialGraph) TermCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.terms)
}

// RelationshipCount returns the number of trial-term edges.
func (g *TrialGraph) RelationshipCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgeCount
}

// AddTrial adds a trial, replacing any existing trial with the same ID.
// Existing linkage is preserved.
func (g *TrialGraph) AddTrial(t *Trial) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trials[t.ID] = t
}

// AddTerm adds a term, replacing any existing term with the same ID.
func (g *TrialGraph) AddTerm(t *Term) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.terms[t.ID]; ok && t.TrialCount == 0 {
		t.TrialCount = old.TrialCount
	}
	g.terms[t.ID] = t
}

// GetTrial returns the trial with the given ID, or nil if it does not exist.
func (g *TrialGraph) GetTrial(id string) *Trial {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.trials[id]
}

// GetTerm returns the term with the given ID, or nil if it does not exist.
func (g *TrialGraph) GetTerm(id string) *Term {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.terms[id]
}

// Link records an undirected trial-term edge. The term is created if it
// does not exist yet. Linking the same pair twice is a no-op.
func (g *TrialGraph) Link(trialID, termID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.trialTerms[trialID] == nil {
		g.trialTerms[trialID] = make(map[string]struct{})
	}
	if _, ok := g.trialTerms[trialID][termID]; ok {
		return
	}
	g.trialTerms[trialID][termID] = struct{}{}

	if g.termTrials[termID] == nil {
		g.termTrials[termID] = make(map[string]struct{})
	}
	g.termTrials[termID][trialID] = struct{}{}

	term, ok := g.terms[termID]
	if !ok {
		term = &Term{ID: termID}
		g.terms[termID] = term
	}
	term.TrialCount = len(g.termTrials[termID])

	g.edgeCount++
}

// Neighbors returns a copy of the trial's term set. Empty map for trials
// without edges or unknown trials.
func (g *TrialGraph) Neighbors(trialID string) map[string]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := g.trialTerms[trialID]
	out := make(map[string]struct{}, len(set))
	for id := range set {
		out[id] = struct{}{}
	}
	return out
}

// TrialsOfTerm returns a copy of the set of trials linked to the term.
func (g *TrialGraph) TrialsOfTerm(termID string) map[string]struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := g.termTrials[termID]
	out := make(map[string]struct{}, len(set))
	for id := range set {
		out[id] = struct{}{}
	}
	return out
}

// AddCoOccurrence records a weighted co_occurs edge between two terms.
// The pair is stored unordered; re-adding replaces the weight.
func (g *TrialGraph) AddCoOccurrence(a, b string, weight int) {
	if a > b {
		a, b = b, a
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.coOccurs[[2]string{a, b}] = &Relationship{
		Type:   RelCoOccurs,
		Source: a,
		Target: b,
		Weight: weight,
	}
}

// CoOccurrences returns all co_occurs edges ordered by descending weight,
// ties by source then target.
func (g *TrialGraph) CoOccurrences() []*Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Relationship, 0, len(g.coOccurs))
	for _, rel := range g.coOccurs {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// IterTrials returns a channel that yields all trials.
func (g *TrialGraph) IterTrials() <-chan *Trial {
	g.mu.RLock()
	ch := make(chan *Trial, len(g.trials))
	for _, t := range g.trials {
		ch <- t
	}
	close(ch)
	g.mu.RUnlock()
	return ch
}

// IterTerms returns a channel that yields all terms.
func (g *TrialGraph) IterTerms() <-chan *Term {
	g.mu.RLock()
	ch := make(chan *Term, len(g.terms))
	for _, t := range g.terms {
		ch <- t
	}
	close(ch)
	g.mu.RUnlock()
	return ch
}

// SortedTrialIDs returns all trial IDs in ascending order.
func (g *TrialGraph) SortedTrialIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.trials))
	for id := range g.trials {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SortedTermIDs returns all term IDs in ascending order.
func (g *TrialGraph) SortedTermIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.terms))
	for id := range g.terms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoveTrialsBySource removes every trial whose SourceFile matches and
// cascades to its edges. Terms left without any linked trial are dropped.
// Returns the number of trials removed.
func (g *TrialGraph) RemoveTrialsBySource(sourceFile string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	idsToRemove := make([]string, 0)
	for id, t := range g.trials {
		if t.SourceFile == sourceFile {
			idsToRemove = append(idsToRemove, id)
		}
	}
	if len(idsToRemove) == 0 {
		return 0
	}

	for _, id := range idsToRemove {
		delete(g.trials, id)
		g.unlinkTrial(id)
	}
	return len(idsToRemove)
}

// MarkIsolated sets the Isolated flag on every trial without edges and
// clears it on trials that have them. Returns the isolated count.
func (g *TrialGraph) MarkIsolated() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for id, t := range g.trials {
		isolated := len(g.trialTerms[id]) == 0
		t.Isolated = isolated
		if isolated {
			count++
		}
	}
	return count
}

// Stats returns a summary of graph size.
func (g *TrialGraph) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return map[string]int{
		"trials":        len(g.trials),
		"terms":         len(g.terms),
		"relationships": g.edgeCount,
		"co_occurs":     len(g.coOccurs),
	}
}

// unlinkTrial removes all edges of a trial and prunes orphaned terms.
// Must be called with the write lock held.
func (g *TrialGraph) unlinkTrial(trialID string) {
	terms, ok := g.trialTerms[trialID]
	if !ok {
		return
	}
	for termID := range terms {
		delete(g.termTrials[termID], trialID)
		g.edgeCount--

		remaining := len(g.termTrials[termID])
		if remaining == 0 {
			delete(g.termTrials, termID)
			delete(g.terms, termID)
			continue
		}
		if term, ok := g.terms[termID]; ok {
			term.TrialCount = remaining
		}
	}
	delete(g.trialTerms, trialID)
}
