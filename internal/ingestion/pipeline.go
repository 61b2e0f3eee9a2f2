package ingestion

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/graphmed/trialgraph/internal/embeddings"
	"github.com/graphmed/trialgraph/internal/graph"
	"github.com/graphmed/trialgraph/internal/parsers"
	"github.com/graphmed/trialgraph/internal/storage"
)

// PipelineOptions configures an ingest run.
type PipelineOptions struct {
	// Embeddings enables TF-IDF embedding generation after loading.
	Embeddings bool

	// CoOccurThreshold is the minimum shared-trial count for a co_occurs
	// edge. Non-positive values use DefaultCoOccurThreshold.
	CoOccurThreshold int
}

// PipelineResult summarizes a pipeline run.
type PipelineResult struct {
	Files         int
	Trials        int
	Terms         int
	Relationships int
	Isolated      int
	CoOccurPairs  int

	// Warnings lists files that could not be parsed. They are skipped
	// rather than failing the run.
	Warnings []string
}

// ProgressCallback is called with phase name and progress (0.0-1.0).
type ProgressCallback func(phase string, progress float64)

// RunPipeline runs the full ingestion pipeline: walk the data directory,
// parse trial records, stage the trial-term graph, flag orphans, count term
// co-occurrences, load everything into the store, and optionally generate
// embeddings. Returns the staged graph alongside the run summary.
func RunPipeline(
	ctx context.Context,
	dataPath string,
	store storage.GraphStore,
	opts PipelineOptions,
	progress ProgressCallback,
) (*graph.TrialGraph, *PipelineResult, error) {
	report := func(phase string, p float64) {
		if progress != nil {
			progress(phase, p)
		}
	}

	result := &PipelineResult{}

	report("Walking files", 0.0)
	patterns, _ := loadGitignore(dataPath)
	entries, err := WalkData(dataPath, patterns)
	if err != nil {
		return nil, nil, fmt.Errorf("walking data directory: %w", err)
	}
	result.Files = len(entries)
	report("Walking files", 1.0)

	report("Parsing records", 0.0)
	g := graph.NewTrialGraph()
	result.Warnings = ProcessRecords(entries, g)
	report("Parsing records", 1.0)

	report("Flagging orphans", 0.0)
	result.Isolated = g.MarkIsolated()
	report("Flagging orphans", 1.0)

	report("Counting co-occurrences", 0.0)
	result.CoOccurPairs = ProcessCoOccurrence(g, opts.CoOccurThreshold)
	report("Counting co-occurrences", 1.0)

	result.Trials = g.TrialCount()
	result.Terms = g.TermCount()
	result.Relationships = g.RelationshipCount()

	if store != nil {
		report("Loading to storage", 0.0)
		if err := store.BulkLoad(ctx, g); err != nil {
			return nil, nil, fmt.Errorf("bulk load: %w", err)
		}
		report("Loading to storage", 1.0)

		if opts.Embeddings {
			report("Generating embeddings", 0.0)
			if err := GenerateAndStoreEmbeddings(ctx, g, store); err != nil {
				return nil, nil, fmt.Errorf("generating embeddings: %w", err)
			}
			report("Generating embeddings", 1.0)
		}

		if err := recordIngestMeta(ctx, store, dataPath, result, opts.Embeddings); err != nil {
			return nil, nil, err
		}
	}

	return g, result, nil
}

// ProcessRecords parses every entry and stages its trials into the graph.
// Files that fail to parse are reported as warnings and skipped.
func ProcessRecords(entries []FileEntry, g *graph.TrialGraph) []string {
	var warnings []string

	for _, entry := range entries {
		parser := parsers.ForPath(entry.RelPath)
		if parser == nil {
			continue
		}

		parsed, err := parser.Parse(entry.RelPath, entry.Content)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}

		for _, record := range parsed.Trials {
			stageRecord(g, record, entry.RelPath)
		}
	}

	return warnings
}

// stageRecord adds one parsed trial and its term links to the graph.
// Re-staging the same trial merges term links (set semantics).
func stageRecord(g *graph.TrialGraph, record *parsers.TrialRecord, sourceFile string) {
	trial := &graph.Trial{
		ID:         record.ID,
		Title:      record.Title,
		Phase:      record.Phase,
		SourceFile: sourceFile,
	}
	if existing := g.GetTrial(record.ID); existing != nil {
		if trial.Title == "" {
			trial.Title = existing.Title
		}
		if trial.Phase == "" {
			trial.Phase = existing.Phase
		}
	}
	g.AddTrial(trial)

	for _, term := range record.AllTerms() {
		g.Link(record.ID, term)
	}
}

// GenerateAndStoreEmbeddings fits a TF-IDF embedder on the staged trials and
// stores one vector per trial. Runs after BulkLoad so the embedding keys
// survive the load's namespace reset.
func GenerateAndStoreEmbeddings(ctx context.Context, g *graph.TrialGraph, store storage.GraphStore) error {
	trialIDs := g.SortedTrialIDs()
	if len(trialIDs) == 0 {
		return nil
	}

	trials := make([]*graph.Trial, 0, len(trialIDs))
	termsOf := make(map[string][]string, len(trialIDs))
	for _, id := range trialIDs {
		trial := g.GetTrial(id)
		if trial == nil {
			continue
		}
		trials = append(trials, trial)

		terms := make([]string, 0)
		for termID := range g.Neighbors(id) {
			terms = append(terms, termID)
		}
		sort.Strings(terms)
		termsOf[id] = terms
	}

	embedder := embeddings.NewTFIDFEmbedder()
	vectors := embedder.EmbedTrials(trials, termsOf)

	stored := make([]storage.TrialEmbedding, len(trials))
	for i, trial := range trials {
		stored[i] = storage.TrialEmbedding{
			TrialID: trial.ID,
			Vector:  vectors[i],
		}
	}

	return store.StoreEmbeddings(ctx, stored)
}

// recordIngestMeta updates the dataset metadata after a load, preserving any
// clustering state from earlier runs.
func recordIngestMeta(ctx context.Context, store storage.GraphStore, dataPath string, result *PipelineResult, withEmbeddings bool) error {
	meta, err := store.GetMeta(ctx)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &storage.DatasetMeta{}
	}

	meta.DataPath = dataPath
	meta.TrialCount = result.Trials
	meta.TermCount = result.Terms
	meta.Relationships = result.Relationships
	meta.Embeddings = withEmbeddings
	meta.LastIngest = time.Now().UTC()

	return store.SetMeta(ctx, meta)
}
