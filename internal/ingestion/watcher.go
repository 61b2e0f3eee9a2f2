package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/graphmed/trialgraph/internal/graph"
	"github.com/graphmed/trialgraph/internal/storage"
)

// batchWindow is how long the watcher coalesces change events before
// reprocessing.
const batchWindow = 2 * time.Second

// WatchData monitors a data directory and keeps the store current: changed
// or new files are re-ingested, deleted files have their trials removed.
// Community assignments are not refreshed; re-clustering stays an explicit
// operator action. Diagnostics go to stderr so the watcher can run alongside
// the MCP server. Blocks until the context is cancelled.
func WatchData(ctx context.Context, dataPath string, store storage.GraphStore) error {
	matcher, err := loadGitignoreMatcher(dataPath)
	if err != nil {
		matcher = nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.Walk(dataPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if shouldSkipDir(info.Name(), path, dataPath, matcher) {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	changedFiles := make(map[string]bool)
	batchTimer := time.NewTimer(batchWindow)
	batchTimer.Stop()

	fmt.Fprintf(os.Stderr, "Watching %s for changes (Ctrl+C to stop)\n", dataPath)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !shouldWatchFile(event.Name, dataPath, matcher) {
				continue
			}

			relPath, err := filepath.Rel(dataPath, event.Name)
			if err != nil {
				continue
			}

			changedFiles[relPath] = true
			batchTimer.Reset(batchWindow)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)

		case <-batchTimer.C:
			if len(changedFiles) == 0 {
				continue
			}
			if err := processChangedFiles(ctx, dataPath, store, changedFiles); err != nil {
				fmt.Fprintf(os.Stderr, "Error processing changes: %v\n", err)
			}
			changedFiles = make(map[string]bool)
		}
	}
}

// processChangedFiles re-ingests the changed files and removes trials from
// deleted ones.
func processChangedFiles(ctx context.Context, dataPath string, store storage.GraphStore, changedFiles map[string]bool) error {
	fmt.Fprintf(os.Stderr, "Reprocessing %d changed file(s)...\n", len(changedFiles))

	relPaths := make([]string, 0, len(changedFiles))
	for relPath := range changedFiles {
		relPaths = append(relPaths, relPath)
	}
	sort.Strings(relPaths)

	entries := make([]FileEntry, 0, len(relPaths))
	for _, relPath := range relPaths {
		absPath := filepath.Join(dataPath, relPath)

		info, err := os.Stat(absPath)
		if os.IsNotExist(err) {
			removed, err := store.RemoveBySource(ctx, relPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error removing %s: %v\n", relPath, err)
				continue
			}
			fmt.Fprintf(os.Stderr, "  Removed %s (%d trials)\n", relPath, removed)
			continue
		}
		if err != nil || info.IsDir() {
			continue
		}

		content, err := os.ReadFile(absPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", relPath, err)
			continue
		}

		entries = append(entries, FileEntry{
			Path:    absPath,
			RelPath: relPath,
			Format:  formatOf(relPath),
			Content: content,
		})
	}

	if len(entries) > 0 {
		count, err := ReingestFiles(ctx, entries, store)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "  Re-ingested %d file(s)\n", count)
	}

	return nil
}

// ReingestFiles replaces the stored trials of each file with its freshly
// parsed contents, via RemoveBySource plus incremental adds. Returns the
// number of files processed.
func ReingestFiles(ctx context.Context, entries []FileEntry, store storage.GraphStore) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	g := graph.NewTrialGraph()
	for _, entry := range entries {
		if _, err := store.RemoveBySource(ctx, entry.RelPath); err != nil {
			return 0, err
		}
	}
	for _, warning := range ProcessRecords(entries, g) {
		fmt.Fprintf(os.Stderr, "  Warning: %s\n", warning)
	}
	g.MarkIsolated()

	trials := make([]*graph.Trial, 0, g.TrialCount())
	rels := make([]*graph.Relationship, 0)
	for _, trialID := range g.SortedTrialIDs() {
		trials = append(trials, g.GetTrial(trialID))

		terms := make([]string, 0)
		for termID := range g.Neighbors(trialID) {
			terms = append(terms, termID)
		}
		sort.Strings(terms)
		for _, termID := range terms {
			rels = append(rels, &graph.Relationship{
				Type:   graph.RelHasTerm,
				Source: trialID,
				Target: termID,
			})
		}
	}

	terms := make([]*graph.Term, 0, g.TermCount())
	for _, termID := range g.SortedTermIDs() {
		terms = append(terms, g.GetTerm(termID))
	}

	if err := store.AddTrials(ctx, trials); err != nil {
		return 0, err
	}
	if err := store.AddTerms(ctx, terms); err != nil {
		return 0, err
	}
	if err := store.AddRelationships(ctx, rels); err != nil {
		return 0, err
	}

	return len(entries), nil
}

// shouldWatchFile checks if a change event is for a supported, unignored
// data file.
func shouldWatchFile(path string, dataPath string, matcher gitignore.Matcher) bool {
	relPath, err := filepath.Rel(dataPath, path)
	if err != nil {
		return false
	}

	for _, part := range splitPath(relPath) {
		if part == ".trialgraph" || part == ".git" {
			return false
		}
	}

	if matcher != nil && matcher.Match(splitPath(relPath), false) {
		return false
	}

	return isSupportedFile(path)
}

// loadGitignoreMatcher loads a gitignore matcher from the data directory
// root, or nil when there is no .gitignore.
func loadGitignoreMatcher(dataPath string) (gitignore.Matcher, error) {
	patterns, err := loadGitignore(dataPath)
	if err != nil {
		return nil, err
	}
	if patterns == nil {
		return nil, nil
	}
	return gitignore.NewMatcher(patterns), nil
}
