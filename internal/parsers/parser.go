// Package parsers extracts clinical-trial records from registry data files.
//
// One parser per file format: JSONL/JSON record exports, CSV trial-term edge
// lists, and registry-style XML study documents. All parsers normalize
// identifiers and term names; entries empty after normalization are skipped.
package parsers

import (
	"path/filepath"
	"strings"

	"github.com/graphmed/trialgraph/internal/graph"
)

// TrialRecord is one trial extracted from a data file.
type TrialRecord struct {
	// ID is the registry identifier, already trimmed.
	ID string

	// Title is the trial's brief title, when the format carries one.
	Title string

	// Phase is the trial phase label, when provided.
	Phase string

	// Conditions, Interventions and Sponsors are the typed attribute lists.
	Conditions    []string
	Interventions []string
	Sponsors      []string

	// Terms holds untyped attribute terms from edge-list formats.
	Terms []string
}

// AllTerms returns the record's attribute terms, normalized and deduplicated,
// in first-appearance order across conditions, interventions, sponsors and
// untyped terms.
func (r *TrialRecord) AllTerms() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(r.Conditions)+len(r.Interventions)+len(r.Sponsors)+len(r.Terms))

	add := func(raw string) {
		term := graph.NormalizeTerm(raw)
		if term == "" {
			return
		}
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}

	for _, t := range r.Conditions {
		add(t)
	}
	for _, t := range r.Interventions {
		add(t)
	}
	for _, t := range r.Sponsors {
		add(t)
	}
	for _, t := range r.Terms {
		add(t)
	}
	return out
}

// ParseResult contains the trial records extracted from one file.
type ParseResult struct {
	Trials []*TrialRecord
}

// Parser defines the interface for format-specific trial parsers.
type Parser interface {
	// Parse extracts trial records from file content. filePath is used for
	// error context only.
	Parse(filePath string, content []byte) (*ParseResult, error)

	// Format returns the file format this parser handles.
	Format() string
}

// ForPath returns the parser for the file's extension, or nil when the
// format is not supported.
func ForPath(path string) Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".json":
		return NewJSONLParser()
	case ".csv":
		return NewCSVParser()
	case ".xml":
		return NewXMLParser()
	default:
		return nil
	}
}
