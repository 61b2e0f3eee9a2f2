package parsers

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/graphmed/trialgraph/internal/graph"
)

// CSVParser parses trial-term edge lists: two columns, trial_id and term,
// with an optional header row.
type CSVParser struct{}

// NewCSVParser creates a new CSV edge-list parser.
func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

// Format returns the format name.
func (p *CSVParser) Format() string {
	return "csv"
}

// Parse extracts trial records grouped by trial ID, preserving the order
// trials first appear in the file. Rows with fewer than two columns or with
// an empty trial ID or term after trimming are skipped.
func (p *CSVParser) Parse(filePath string, content []byte) (*ParseResult, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	result := &ParseResult{}
	byID := make(map[string]*TrialRecord)

	rowNo := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filePath, err)
		}
		rowNo++

		if rowNo == 1 && isHeaderRow(row) {
			continue
		}
		if len(row) < 2 {
			continue
		}

		trialID := graph.NormalizeTrialID(row[0])
		term := graph.NormalizeTerm(row[1])
		if trialID == "" || term == "" {
			continue
		}

		record, ok := byID[trialID]
		if !ok {
			record = &TrialRecord{ID: trialID}
			byID[trialID] = record
			result.Trials = append(result.Trials, record)
		}
		record.Terms = append(record.Terms, term)
	}

	return result, nil
}

// isHeaderRow reports whether the first row names the columns rather than
// carrying data.
func isHeaderRow(row []string) bool {
	if len(row) < 2 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(row[0]))
	second := strings.ToLower(strings.TrimSpace(row[1]))
	return (first == "trial_id" || first == "trial" || first == "id" || first == "nct_id") &&
		(second == "term" || second == "attribute")
}
