package ingestion

import (
	"github.com/graphmed/trialgraph/internal/graph"
)

// DefaultCoOccurThreshold is the minimum number of shared trials for a term
// pair to get a co_occurs edge.
const DefaultCoOccurThreshold = 2

// ProcessCoOccurrence counts term pairs appearing together in trials and
// stages a weighted co_occurs edge for every pair meeting the threshold.
// These edges are analytical only; the similarity scorer never reads them.
// Returns the number of edges staged.
func ProcessCoOccurrence(g *graph.TrialGraph, threshold int) int {
	if threshold <= 0 {
		threshold = DefaultCoOccurThreshold
	}

	counts := buildCoOccurrenceCounts(g)

	edgeCount := 0
	for pair, count := range counts {
		if count < threshold {
			continue
		}
		g.AddCoOccurrence(pair[0], pair[1], count)
		edgeCount++
	}

	return edgeCount
}

// buildCoOccurrenceCounts counts, for every unordered term pair, the number
// of trials linking both terms.
func buildCoOccurrenceCounts(g *graph.TrialGraph) map[[2]string]int {
	counts := make(map[[2]string]int)

	for _, trialID := range g.SortedTrialIDs() {
		terms := make([]string, 0)
		for termID := range g.Neighbors(trialID) {
			terms = append(terms, termID)
		}

		for i := 0; i < len(terms); i++ {
			for j := i + 1; j < len(terms); j++ {
				a, b := terms[i], terms[j]
				if a > b {
					a, b = b, a
				}
				counts[[2]string{a, b}]++
			}
		}
	}

	return counts
}
