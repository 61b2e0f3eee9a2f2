package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmed/trialgraph/internal/graph"
)

func TestProcessCoOccurrence(t *testing.T) {
	t.Parallel()

	build := func() *graph.TrialGraph {
		g := graph.NewTrialGraph()
		g.AddTrial(&graph.Trial{ID: "NCT00000001"})
		g.AddTrial(&graph.Trial{ID: "NCT00000002"})
		g.AddTrial(&graph.Trial{ID: "NCT00000003"})
		// asthma+budesonide co-occur in two trials, asthma+placebo in one.
		g.Link("NCT00000001", "asthma")
		g.Link("NCT00000001", "budesonide")
		g.Link("NCT00000002", "asthma")
		g.Link("NCT00000002", "budesonide")
		g.Link("NCT00000003", "asthma")
		g.Link("NCT00000003", "placebo")
		return g
	}

	t.Run("StagesPairsMeetingThreshold", func(t *testing.T) {
		t.Parallel()
		g := build()

		count := ProcessCoOccurrence(g, 2)
		assert.Equal(t, 1, count)

		edges := g.CoOccurrences()
		require.Len(t, edges, 1)
		assert.Equal(t, "asthma", edges[0].Source)
		assert.Equal(t, "budesonide", edges[0].Target)
		assert.Equal(t, 2, edges[0].Weight)
	})

	t.Run("LowerThresholdKeepsWeakPairs", func(t *testing.T) {
		t.Parallel()
		g := build()

		count := ProcessCoOccurrence(g, 1)
		assert.Equal(t, 2, count)
	})

	t.Run("NonPositiveThresholdUsesDefault", func(t *testing.T) {
		t.Parallel()
		g := build()

		count := ProcessCoOccurrence(g, 0)
		assert.Equal(t, 1, count)
	})

	t.Run("NoTermsNoEdges", func(t *testing.T) {
		t.Parallel()
		g := graph.NewTrialGraph()
		g.AddTrial(&graph.Trial{ID: "NCT00000001"})

		assert.Zero(t, ProcessCoOccurrence(g, 2))
		assert.Empty(t, g.CoOccurrences())
	})
}
