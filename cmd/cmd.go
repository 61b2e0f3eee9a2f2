// Package cmd provides CLI command implementations for trialgraph.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/graphmed/trialgraph/internal/cluster"
	"github.com/graphmed/trialgraph/internal/ingestion"
	"github.com/graphmed/trialgraph/internal/similarity"
	"github.com/graphmed/trialgraph/internal/storage"
	"github.com/graphmed/trialgraph/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// stateDirName is the per-dataset state directory created next to the data.
const stateDirName = ".trialgraph"

// IngestCmd loads a registry data directory into the graph store.
type IngestCmd struct {
	Path       string `arg:"" optional:"" default:"." help:"Path to registry data directory"`
	Embeddings bool   `help:"Generate TF-IDF embeddings for hybrid search"`
}

// Run executes the ingest command.
func (c *IngestCmd) Run() error {
	ctx := context.Background()
	dataPath, err := filepath.Abs(c.Path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	info, err := os.Stat(dataPath)
	if err != nil {
		return fmt.Errorf("accessing %s: %w", dataPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dataPath)
	}

	color.Green("Ingesting %s", dataPath)

	stateDir := filepath.Join(dataPath, stateDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating %s directory: %w", stateDirName, err)
	}

	store := storage.NewBadgerStore()
	if err := store.Initialize(filepath.Join(stateDir, "badger"), false); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	progress := func(phase string, pct float64) {
		fmt.Printf("\r\033[K%s (%.0f%%)", phase, pct*100)
	}

	_, result, err := ingestion.RunPipeline(ctx, dataPath, store, ingestion.PipelineOptions{
		Embeddings: c.Embeddings,
	}, progress)
	if err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}

	fmt.Println() // Newline after progress

	for _, warning := range result.Warnings {
		color.Yellow("  Warning: %s", warning)
	}

	if err := writeMetaFile(ctx, store, stateDir); err != nil {
		return err
	}

	color.Green("\n✓ Ingest complete")
	fmt.Printf("  Files:          %d\n", result.Files)
	fmt.Printf("  Trials:         %d\n", result.Trials)
	fmt.Printf("  Terms:          %d\n", result.Terms)
	fmt.Printf("  Relationships:  %d\n", result.Relationships)
	fmt.Printf("  Orphans:        %d\n", result.Isolated)
	fmt.Printf("  Co-occurrences: %d\n", result.CoOccurPairs)

	return nil
}

// ClusterCmd runs community detection over the stored trial graph.
type ClusterCmd struct {
	Path       string  `arg:"" optional:"" default:"." help:"Dataset directory"`
	Resolution float64 `default:"1.0" help:"Louvain resolution parameter"`
	Seed       uint64  `default:"1" help:"Random seed (fixed seed gives reproducible partitions)"`
}

// Run executes the cluster command.
func (c *ClusterCmd) Run() error {
	ctx := context.Background()
	store, err := openStore(c.Path, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	engine := similarity.NewEngine(store)
	summary, err := engine.ClusterAndIndex(ctx, cluster.Options{
		Resolution: c.Resolution,
		Seed:       c.Seed,
	})
	if err != nil {
		return fmt.Errorf("clustering: %w", err)
	}

	if err := writeMetaFile(ctx, store, filepath.Join(c.Path, stateDirName)); err != nil {
		return err
	}

	color.Green("✓ Clustering complete")
	fmt.Printf("  Communities: %d\n", summary.Communities)
	fmt.Printf("  Modularity:  %.4f\n", summary.Modularity)
	fmt.Println("\nAll prior community assignments were replaced.")

	return nil
}

// SimilarCmd finds the trials most similar to a query trial within its
// community.
type SimilarCmd struct {
	ID   string `arg:"" help:"Trial registry ID, e.g. NCT00752622"`
	Top  int    `short:"k" name:"top" default:"10" help:"Maximum results"`
	Path string `default:"." help:"Dataset directory"`
}

// Run executes the similar command.
func (c *SimilarCmd) Run() error {
	ctx := context.Background()

	// Read-write: scoring persists newly computed pairs to the cache.
	store, err := openStore(c.Path, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	engine := similarity.NewEngine(store)
	matches, err := engine.FindSimilar(ctx, c.ID, c.Top)
	if errors.Is(err, similarity.ErrUnknownTrial) {
		return fmt.Errorf("trial '%s' is not in the dataset", c.ID)
	}
	if err != nil {
		return fmt.Errorf("finding similar trials: %w", err)
	}

	if len(matches) == 0 {
		fmt.Printf("No similar trials found for %s.\n", c.ID)
		fmt.Println("The trial may have no community assignment yet; run 'trialgraph cluster' first.")
		return nil
	}

	color.Cyan("Trials similar to %s:", c.ID)
	for i, m := range matches {
		fmt.Printf("%d. Trial ID: %s, Similarity: %.4f\n", i+1, m.TrialID, m.Similarity)
	}

	return nil
}

// SearchCmd searches trials by free text.
type SearchCmd struct {
	Query  string `arg:"" help:"Search query"`
	Limit  int    `short:"n" default:"10" help:"Maximum results"`
	Hybrid bool   `help:"Fuse full-text and embedding rankings"`
	Path   string `default:"." help:"Dataset directory"`
}

// Run executes the search command.
func (c *SearchCmd) Run() error {
	ctx := context.Background()
	store, err := openStore(c.Path, true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	type row struct {
		trialID string
		title   string
		phase   string
		snippet string
		score   float64
	}
	var rows []row

	if c.Hybrid {
		results, err := store.HybridSearch(ctx, c.Query, nil, c.Limit)
		if err != nil {
			return fmt.Errorf("searching: %w", err)
		}
		for _, r := range results {
			rows = append(rows, row{r.TrialID, r.Title, r.Phase, r.Snippet, r.Score})
		}
	} else {
		results, err := store.FTSSearch(ctx, c.Query, c.Limit)
		if err != nil {
			return fmt.Errorf("searching: %w", err)
		}
		for _, r := range results {
			rows = append(rows, row{r.TrialID, r.Title, r.Phase, r.Snippet, r.Score})
		}
	}

	if len(rows) == 0 {
		fmt.Println("No results found")
		return nil
	}

	for i, r := range rows {
		fmt.Printf("\n%d. %s", i+1, r.trialID)
		if r.title != "" {
			fmt.Printf(" %s", r.title)
		}
		if r.phase != "" {
			fmt.Printf(" (%s)", r.phase)
		}
		fmt.Println()
		fmt.Printf("   Score: %.3f\n", r.score)
		if r.snippet != "" {
			fmt.Printf("   Terms: %s\n", r.snippet)
		}
	}

	return nil
}

// OrphansCmd lists trials without any attribute term relationship.
type OrphansCmd struct {
	Path string `arg:"" optional:"" default:"." help:"Dataset directory"`
}

// Run executes the orphans command.
func (c *OrphansCmd) Run() error {
	ctx := context.Background()
	store, err := openStore(c.Path, true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	orphans, err := store.IsolatedTrials(ctx)
	if err != nil {
		return fmt.Errorf("listing orphans: %w", err)
	}

	if len(orphans) == 0 {
		fmt.Println("No orphan trials. Every trial links to at least one attribute term.")
		return nil
	}

	color.Yellow("%d orphan trial(s):", len(orphans))
	for _, trialID := range orphans {
		fmt.Printf("  %s\n", trialID)
	}
	fmt.Println("\nOrphans cannot be scored against other trials until they gain terms.")

	return nil
}

// StatsCmd summarizes the stored dataset.
type StatsCmd struct {
	Path string `arg:"" optional:"" default:"." help:"Dataset directory"`
}

// Run executes the stats command.
func (c *StatsCmd) Run() error {
	ctx := context.Background()
	store, err := openStore(c.Path, true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}

	color.Cyan("Dataset statistics")
	fmt.Printf("  Trials:            %d\n", stats.Trials)
	fmt.Printf("  Terms:             %d\n", stats.Terms)
	fmt.Printf("  Relationships:     %d\n", stats.Relationships)
	fmt.Printf("  Co-occurrences:    %d\n", stats.CoOccurs)
	fmt.Printf("  Cached pairs:      %d\n", stats.CachedPairs)
	fmt.Printf("  Orphans:           %d\n", stats.Isolated)
	fmt.Printf("  Communities:       %d\n", stats.Communities)
	fmt.Printf("  Modularity:        %.4f\n", stats.Modularity)

	meta, err := store.GetMeta(ctx)
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	if meta != nil {
		fmt.Printf("  Data path:         %s\n", meta.DataPath)
		if !meta.LastIngest.IsZero() {
			fmt.Printf("  Last ingest:       %s\n", meta.LastIngest.Format("2006-01-02 15:04:05 MST"))
		}
		if !meta.LastCluster.IsZero() {
			fmt.Printf("  Last cluster:      %s\n", meta.LastCluster.Format("2006-01-02 15:04:05 MST"))
		}
	}

	return nil
}

// WatchCmd keeps the store current as data files change.
type WatchCmd struct {
	Path string `arg:"" optional:"" default:"." help:"Data directory to watch"`
}

// Run executes the watch command.
func (c *WatchCmd) Run() error {
	dataPath, err := filepath.Abs(c.Path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	store, err := openStore(c.Path, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-osSignalChannel()
		fmt.Fprintln(os.Stderr, "\nStopping watch mode...")
		cancel()
	}()

	err = ingestion.WatchData(ctx, dataPath, store)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}

	fmt.Fprintln(os.Stderr, "Watch mode stopped.")
	return nil
}

// MCPCmd starts the MCP server over stdio.
type MCPCmd struct {
	Path  string `arg:"" optional:"" default:"." help:"Dataset directory"`
	Watch bool   `short:"w" help:"Re-ingest changed data files while serving"`
}

// Run executes the mcp command.
func (c *MCPCmd) Run() error {
	ctx := context.Background()

	// Read-write: the cluster tool and similarity cache writes need it.
	store, err := openStore(c.Path, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	engine := similarity.NewEngine(store)
	server := mcp.NewServer(store, engine)

	if c.Watch {
		dataPath, err := filepath.Abs(c.Path)
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		go func() {
			err := ingestion.WatchData(watchCtx, dataPath, store)
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
			}
		}()

		fmt.Fprintln(os.Stderr, "File watching enabled")
	}

	// stdout carries JSON-RPC frames only; all diagnostics go to stderr.
	return server.Run(ctx, os.Stdin, os.Stdout)
}

// Helper functions

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// openStore opens the badger store under <path>/.trialgraph, failing with a
// hint to run ingest when the dataset has never been ingested.
func openStore(path string, readOnly bool) (*storage.BadgerStore, error) {
	dataPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	dbPath := filepath.Join(dataPath, stateDirName, "badger")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no dataset found at %s. Run 'trialgraph ingest' first", dataPath)
	}

	store := storage.NewBadgerStore()
	if err := store.Initialize(dbPath, readOnly); err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	return store, nil
}

// writeMetaFile mirrors the store's dataset metadata to meta.json in the
// state directory, for inspection without opening the store.
func writeMetaFile(ctx context.Context, store storage.GraphStore, stateDir string) error {
	meta, err := store.GetMeta(ctx)
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	if meta == nil {
		return nil
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling meta.json: %w", err)
	}
	metaJSON = append(metaJSON, '\n')

	if err := os.WriteFile(filepath.Join(stateDir, "meta.json"), metaJSON, 0o644); err != nil {
		return fmt.Errorf("writing meta.json: %w", err)
	}

	return nil
}

// CLI is the root Kong command structure.
type CLI struct {
	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Ingest  IngestCmd  `cmd:"" help:"Load a registry data directory into the graph store"`
	Cluster ClusterCmd `cmd:"" help:"Detect communities over the trial graph"`
	Similar SimilarCmd `cmd:"" help:"Find trials similar to a trial within its community"`
	Search  SearchCmd  `cmd:"" help:"Search trials by free text"`
	Orphans OrphansCmd `cmd:"" help:"List trials without any attribute term"`
	Stats   StatsCmd   `cmd:"" help:"Summarize the stored dataset"`
	Watch   WatchCmd   `cmd:"" help:"Re-ingest data files as they change"`
	MCP     MCPCmd     `cmd:"" help:"Start MCP server (stdio transport)"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	kongCtx := kong.Parse(c,
		kong.Name("trialgraph"),
		kong.Description("Community-scoped clinical-trial similarity engine"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)

	return kongCtx.Run()
}
