package parsers

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/graphmed/trialgraph/internal/graph"
)

// XMLParser parses registry-style study documents: one or more
// <clinical_study> elements, optionally under a wrapper root element.
type XMLParser struct{}

// NewXMLParser creates a new registry XML parser.
func NewXMLParser() *XMLParser {
	return &XMLParser{}
}

// Format returns the format name.
func (p *XMLParser) Format() string {
	return "xml"
}

// clinicalStudy mirrors the registry export schema for the fields trialgraph
// uses. Unknown elements are ignored by the decoder.
type clinicalStudy struct {
	IDInfo struct {
		NCTID string `xml:"nct_id"`
	} `xml:"id_info"`
	BriefTitle    string   `xml:"brief_title"`
	Phase         string   `xml:"phase"`
	Conditions    []string `xml:"condition"`
	Interventions []struct {
		Name string `xml:"intervention_name"`
	} `xml:"intervention"`
	Sponsors struct {
		LeadSponsor struct {
			Agency string `xml:"agency"`
		} `xml:"lead_sponsor"`
		Collaborators []struct {
			Agency string `xml:"agency"`
		} `xml:"collaborator"`
	} `xml:"sponsors"`
}

// Parse extracts every <clinical_study> element in the document. Studies
// without a registry ID after trimming are skipped.
func (p *XMLParser) Parse(filePath string, content []byte) (*ParseResult, error) {
	result := &ParseResult{}

	decoder := xml.NewDecoder(bytes.NewReader(content))
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filePath, err)
		}

		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != "clinical_study" {
			continue
		}

		var study clinicalStudy
		if err := decoder.DecodeElement(&study, &start); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filePath, err)
		}
		if record := recordFromStudy(study); record != nil {
			result.Trials = append(result.Trials, record)
		}
	}

	return result, nil
}

// recordFromStudy converts a decoded study, or returns nil when the registry
// ID is empty after trimming.
func recordFromStudy(study clinicalStudy) *TrialRecord {
	id := graph.NormalizeTrialID(study.IDInfo.NCTID)
	if id == "" {
		return nil
	}

	record := &TrialRecord{
		ID:         id,
		Title:      strings.TrimSpace(study.BriefTitle),
		Phase:      strings.TrimSpace(study.Phase),
		Conditions: study.Conditions,
	}
	for _, iv := range study.Interventions {
		record.Interventions = append(record.Interventions, iv.Name)
	}
	if agency := strings.TrimSpace(study.Sponsors.LeadSponsor.Agency); agency != "" {
		record.Sponsors = append(record.Sponsors, agency)
	}
	for _, collab := range study.Sponsors.Collaborators {
		record.Sponsors = append(record.Sponsors, collab.Agency)
	}
	return record
}
