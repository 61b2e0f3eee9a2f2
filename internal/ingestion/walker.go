// Package ingestion provides the data ingestion pipeline for trialgraph:
// walking a registry data directory, parsing trial records, staging the
// trial-term graph, and keeping the store current in watch mode.
package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// FileEntry represents a data file to be processed.
type FileEntry struct {
	// Path is the absolute file path.
	Path string

	// RelPath is the path relative to the data directory root. Trials are
	// keyed to this path for source-scoped removal.
	RelPath string

	// Format is the detected file format.
	Format string

	// Content is the file content.
	Content []byte

	// SHA256 is the hash of the file content.
	SHA256 string
}

// Supported file extensions and their formats.
var supportedExtensions = map[string]string{
	".jsonl": "jsonl",
	".json":  "jsonl",
	".csv":   "csv",
	".xml":   "xml",
}

// Default patterns to ignore (in addition to .gitignore).
var defaultIgnorePatterns = []string{
	".git/",
	".trialgraph/",
	".idea/",
	".vscode/",
	"*.swp",
	"*~",
	".DS_Store",
	"Thumbs.db",
}

// WalkData walks the data directory and returns all supported files.
func WalkData(dataPath string, patterns []gitignore.Pattern) ([]FileEntry, error) {
	var entries []FileEntry

	allPatterns := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(patterns))
	for _, p := range defaultIgnorePatterns {
		allPatterns = append(allPatterns, gitignore.ParsePattern(p, nil))
	}
	allPatterns = append(allPatterns, patterns...)

	matcher := gitignore.NewMatcher(allPatterns)

	err := filepath.WalkDir(dataPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if shouldSkipDir(d.Name(), path, dataPath, matcher) {
				return filepath.SkipDir
			}
			return nil
		}

		if !isSupportedFile(d.Name()) {
			return nil
		}

		relPath, err := filepath.Rel(dataPath, path)
		if err != nil {
			return err
		}

		if matcher.Match(splitPath(relPath), false) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		hash := sha256.Sum256(content)

		entries = append(entries, FileEntry{
			Path:    path,
			RelPath: relPath,
			Format:  formatOf(d.Name()),
			Content: content,
			SHA256:  hex.EncodeToString(hash[:]),
		})

		return nil
	})

	return entries, err
}

// loadGitignore loads .gitignore patterns from the data directory root.
func loadGitignore(dataPath string) ([]gitignore.Pattern, error) {
	gitignorePath := filepath.Join(dataPath, ".gitignore")

	if _, err := os.Stat(gitignorePath); os.IsNotExist(err) {
		return nil, nil
	}

	content, err := os.ReadFile(gitignorePath)
	if err != nil {
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}

	return patterns, nil
}

// isSupportedFile checks if a file has a supported extension.
func isSupportedFile(filename string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// formatOf returns the format for a file name's extension.
func formatOf(filename string) string {
	return supportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// shouldSkipDir checks if a directory should be skipped. Hidden directories
// and anything the matcher covers are never descended into.
func shouldSkipDir(name, path, dataRoot string, matcher gitignore.Matcher) bool {
	if path != dataRoot && strings.HasPrefix(name, ".") {
		return true
	}

	if matcher == nil {
		return false
	}

	relPath, err := filepath.Rel(dataRoot, path)
	if err != nil {
		return false
	}

	return matcher.Match(splitPath(relPath), true)
}

// splitPath splits a path into its components.
func splitPath(path string) []string {
	return strings.Split(path, string(filepath.Separator))
}
