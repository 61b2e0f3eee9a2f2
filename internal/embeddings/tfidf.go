// Package embeddings generates TF-IDF text embeddings for trials. The
// vectors back cosine VectorSearch and the hybrid search leg; they never
// feed the similarity score.
package embeddings

import (
	"math"
	"strings"
	"sync"

	"github.com/graphmed/trialgraph/internal/graph"
)

// EmbeddingDimension is the dimension of generated embeddings.
const EmbeddingDimension = 100

// TFIDFEmbedder generates TF-IDF embeddings over trial text. It needs no
// external model: the vocabulary and IDF weights are fit on the ingested
// dataset itself.
type TFIDFEmbedder struct {
	mu       sync.RWMutex
	idf      map[string]float64 // token -> IDF score
	docCount int                // number of documents fitted
	vocab    map[string]int     // token -> index in embedding vector
}

// NewTFIDFEmbedder creates a new TF-IDF embedder.
func NewTFIDFEmbedder() *TFIDFEmbedder {
	return &TFIDFEmbedder{
		idf:   make(map[string]float64),
		vocab: make(map[string]int),
	}
}

// BuildVocabulary assigns vector positions to the first EmbeddingDimension
// distinct tokens across the documents, in encounter order.
func (e *TFIDFEmbedder) BuildVocabulary(docs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.docCount = len(docs)

	tokenIndex := len(e.vocab)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, token := range tokenizeText(doc) {
			if seen[token] {
				continue
			}
			seen[token] = true
			if _, exists := e.vocab[token]; !exists {
				e.vocab[token] = tokenIndex
				tokenIndex++
				if tokenIndex >= EmbeddingDimension {
					return
				}
			}
		}
	}
}

// ComputeIDF computes log(N / df) scores over the documents.
func (e *TFIDFEmbedder) ComputeIDF(docs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	docFreq := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, token := range tokenizeText(doc) {
			if !seen[token] {
				docFreq[token]++
				seen[token] = true
			}
		}
	}

	for token, df := range docFreq {
		if df > 0 {
			e.idf[token] = math.Log(float64(e.docCount) / float64(df))
		}
	}
}

// Embed generates an L2-normalized TF-IDF vector for a document. Tokens
// outside the fitted vocabulary are dropped.
func (e *TFIDFEmbedder) Embed(doc string) []float32 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	embedding := make([]float32, EmbeddingDimension)

	tf := make(map[string]int)
	for _, token := range tokenizeText(doc) {
		tf[token]++
	}

	maxTF := 0.0
	for _, count := range tf {
		if float64(count) > maxTF {
			maxTF = float64(count)
		}
	}
	if maxTF == 0 {
		return embedding
	}

	for token, count := range tf {
		idx, exists := e.vocab[token]
		if !exists {
			continue
		}

		idf := e.idf[token]
		if idf == 0 {
			idf = 1.0 // token seen only at embed time
		}
		embedding[idx] = float32(float64(count) / maxTF * idf)
	}

	norm := 0.0
	for _, v := range embedding {
		norm += float64(v * v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 && !math.IsNaN(norm) {
		for i := range embedding {
			embedding[i] /= float32(norm)
		}
	}

	return embedding
}

// EmbedTrial generates an embedding for one trial and its attribute terms.
func (e *TFIDFEmbedder) EmbedTrial(trial *graph.Trial, terms []string) []float32 {
	return e.Embed(GenerateTrialText(trial, terms))
}

// EmbedTrials fits the vocabulary and IDF weights on the whole trial set,
// then embeds each trial. termsOf maps trial ID to its attribute terms.
// Vectors are returned in input order.
func (e *TFIDFEmbedder) EmbedTrials(trials []*graph.Trial, termsOf map[string][]string) [][]float32 {
	docs := make([]string, len(trials))
	for i, trial := range trials {
		docs[i] = GenerateTrialText(trial, termsOf[trial.ID])
	}

	e.BuildVocabulary(docs)
	e.ComputeIDF(docs)

	vectors := make([][]float32, len(trials))
	for i, doc := range docs {
		vectors[i] = e.Embed(doc)
	}
	return vectors
}

// tokenizeText lowercases and splits on non-alphanumeric runes, dropping
// single-character tokens.
func tokenizeText(text string) []string {
	text = strings.ToLower(text)

	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})

	filtered := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if len(token) >= 2 {
			filtered = append(filtered, token)
		}
	}
	return filtered
}
