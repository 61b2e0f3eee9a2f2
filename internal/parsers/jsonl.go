package parsers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/graphmed/trialgraph/internal/graph"
)

// JSONLParser parses trial record exports: one JSON object per line in
// .jsonl files, or a single JSON array of the same objects in .json files.
type JSONLParser struct{}

// NewJSONLParser creates a new JSONL/JSON parser.
func NewJSONLParser() *JSONLParser {
	return &JSONLParser{}
}

// Format returns the format name.
func (p *JSONLParser) Format() string {
	return "jsonl"
}

// trialDoc is the wire shape of one exported trial record.
type trialDoc struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Phase         string   `json:"phase"`
	Conditions    []string `json:"conditions"`
	Interventions []string `json:"interventions"`
	Sponsors      []string `json:"sponsors"`
}

// Parse extracts trial records. Content starting with '[' is decoded as one
// array; anything else is treated as line-delimited objects. Blank lines are
// skipped; records without an ID after trimming are dropped.
func (p *JSONLParser) Parse(filePath string, content []byte) (*ParseResult, error) {
	trimmed := bytes.TrimLeft(content, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return p.parseArray(filePath, trimmed)
	}
	return p.parseLines(filePath, content)
}

func (p *JSONLParser) parseArray(filePath string, content []byte) (*ParseResult, error) {
	var docs []trialDoc
	if err := json.Unmarshal(content, &docs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filePath, err)
	}

	result := &ParseResult{}
	for _, doc := range docs {
		if record := recordFromDoc(doc); record != nil {
			result.Trials = append(result.Trials, record)
		}
	}
	return result, nil
}

func (p *JSONLParser) parseLines(filePath string, content []byte) (*ParseResult, error) {
	result := &ParseResult{}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var doc trialDoc
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			return nil, fmt.Errorf("parsing %s line %d: %w", filePath, lineNo, err)
		}
		if record := recordFromDoc(doc); record != nil {
			result.Trials = append(result.Trials, record)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filePath, err)
	}
	return result, nil
}

// recordFromDoc converts a wire record, or returns nil when the ID is empty
// after trimming.
func recordFromDoc(doc trialDoc) *TrialRecord {
	id := graph.NormalizeTrialID(doc.ID)
	if id == "" {
		return nil
	}
	return &TrialRecord{
		ID:            id,
		Title:         strings.TrimSpace(doc.Title),
		Phase:         strings.TrimSpace(doc.Phase),
		Conditions:    doc.Conditions,
		Interventions: doc.Interventions,
		Sponsors:      doc.Sponsors,
	}
}
