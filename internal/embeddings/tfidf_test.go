package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmed/trialgraph/internal/graph"
)

func testTrials() ([]*graph.Trial, map[string][]string) {
	trials := []*graph.Trial{
		{ID: "NCT00000001", Title: "Budesonide in Mild Asthma", Phase: "Phase 3"},
		{ID: "NCT00000002", Title: "Inhaled Placebo Comparison", Phase: "Phase 2"},
		{ID: "NCT00000003", Title: "Nivolumab in Advanced Melanoma", Phase: "Phase 3"},
	}
	termsOf := map[string][]string{
		"NCT00000001": {"asthma", "budesonide"},
		"NCT00000002": {"asthma", "placebo"},
		"NCT00000003": {"melanoma", "nivolumab"},
	}
	return trials, termsOf
}

func TestEmbedTrials(t *testing.T) {
	t.Parallel()

	t.Run("VectorShapeAndNormalization", func(t *testing.T) {
		t.Parallel()
		embedder := NewTFIDFEmbedder()
		trials, termsOf := testTrials()

		vectors := embedder.EmbedTrials(trials, termsOf)
		require.Len(t, vectors, len(trials))

		for _, vec := range vectors {
			require.Len(t, vec, EmbeddingDimension)

			norm := 0.0
			for _, v := range vec {
				norm += float64(v) * float64(v)
			}
			assert.InDelta(t, 1.0, norm, 1e-5)
		}
	})

	t.Run("SimilarTrialsScoreHigherThanDissimilar", func(t *testing.T) {
		t.Parallel()
		embedder := NewTFIDFEmbedder()
		trials, termsOf := testTrials()

		vectors := embedder.EmbedTrials(trials, termsOf)

		asthmaPair := cosine(vectors[0], vectors[1])
		crossDomain := cosine(vectors[0], vectors[2])
		assert.Greater(t, asthmaPair, crossDomain)
	})

	t.Run("DeterministicForSameInput", func(t *testing.T) {
		t.Parallel()
		trials, termsOf := testTrials()

		first := NewTFIDFEmbedder().EmbedTrials(trials, termsOf)
		second := NewTFIDFEmbedder().EmbedTrials(trials, termsOf)
		assert.Equal(t, first, second)
	})
}

func TestEmbed(t *testing.T) {
	t.Parallel()

	t.Run("EmptyDocumentYieldsZeroVector", func(t *testing.T) {
		t.Parallel()
		embedder := NewTFIDFEmbedder()
		embedder.BuildVocabulary([]string{"asthma budesonide"})

		vec := embedder.Embed("")
		require.Len(t, vec, EmbeddingDimension)
		for _, v := range vec {
			assert.Zero(t, v)
		}
	})

	t.Run("OutOfVocabularyTokensAreDropped", func(t *testing.T) {
		t.Parallel()
		embedder := NewTFIDFEmbedder()
		embedder.BuildVocabulary([]string{"asthma"})
		embedder.ComputeIDF([]string{"asthma"})

		vec := embedder.Embed("melanoma nivolumab")
		for _, v := range vec {
			assert.Zero(t, v)
		}
	})
}

func TestTokenizeText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"nct00000001", "phase", "asthma"}, tokenizeText("NCT00000001 Phase-3: Asthma!"))
	assert.Empty(t, tokenizeText("a & b"))
	assert.Empty(t, tokenizeText(""))
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
