// Package graph provides the trial relationship graph data model for trialgraph.
//
// It defines the two node populations (trials and the attribute terms they
// link to), the edges between them, and the in-memory staging graph used
// during ingestion and community detection.
package graph

import "strings"

// NodeKind identifies which node population an identifier belongs to.
// It is a closed enumeration: storage code switches over it exhaustively and
// never interpolates it into keys or queries.
type NodeKind string

const (
	KindTrial NodeKind = "trial"
	KindTerm  NodeKind = "term"
)

// RelType represents the type of an edge between graph nodes.
type RelType string

const (
	// RelHasTerm links a trial to one of its attribute terms. Undirected;
	// the trial's neighbor set is derived from these edges.
	RelHasTerm RelType = "has_term"

	// RelSimilarTo is a cached pairwise similarity edge between two trials.
	// Always written in both directions with the same score.
	RelSimilarTo RelType = "similar_to"

	// RelCoOccurs links two terms that appear together in multiple trials.
	RelCoOccurs RelType = "co_occurs"
)

// Trial represents a registered clinical trial.
type Trial struct {
	// ID is the registry identifier, e.g. "NCT00752622".
	ID string `json:"id"`

	// Title is the trial's brief title, when the source provides one.
	Title string `json:"title,omitempty"`

	// Phase is the trial phase label, when provided.
	Phase string `json:"phase,omitempty"`

	// Community is the assignment from the most recent clustering run.
	// Nil until clustering has run.
	Community *int64 `json:"community,omitempty"`

	// Isolated indicates the trial had no term relationships at ingest time.
	Isolated bool `json:"isolated,omitempty"`

	// SourceFile is the data file (relative path) the trial came from.
	SourceFile string `json:"source_file,omitempty"`
}

// Term represents an attribute term trials link to: a condition,
// intervention, or sponsor name.
type Term struct {
	// ID is the normalized term text.
	ID string `json:"id"`

	// Community mirrors the assignment written by clustering. Persisted for
	// completeness; similarity queries never read it.
	Community *int64 `json:"community,omitempty"`

	// TrialCount is the number of distinct trials linked to this term.
	TrialCount int `json:"trial_count,omitempty"`
}

// Relationship represents an edge in the graph.
type Relationship struct {
	// Type is the type of the edge.
	Type RelType `json:"type"`

	// Source is the ID of the source node (a trial for has_term edges,
	// a term for co_occurs edges).
	Source string `json:"source"`

	// Target is the ID of the target node.
	Target string `json:"target"`

	// Weight carries the co-occurrence count for co_occurs edges.
	// Zero for has_term edges.
	Weight int `json:"weight,omitempty"`
}

// NormalizeTrialID returns the canonical form of a trial identifier:
// the input with surrounding whitespace removed.
func NormalizeTrialID(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeTerm returns the canonical form of an attribute term: trimmed,
// lowercased, inner whitespace collapsed to single spaces. Registry exports
// are inconsistent about casing and spacing, and term identity drives the
// neighbor sets, so both sides of every join go through this.
func NormalizeTerm(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}
