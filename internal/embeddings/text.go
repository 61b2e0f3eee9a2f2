package embeddings

import (
	"strings"

	"github.com/graphmed/trialgraph/internal/graph"
)

// GenerateTrialText builds the text a trial is embedded under: registry ID,
// title, phase and the trial's attribute terms. The same text feeds the FTS
// index so both search legs rank over identical material.
func GenerateTrialText(trial *graph.Trial, terms []string) string {
	if trial == nil {
		return ""
	}

	parts := make([]string, 0, len(terms)+3)
	parts = append(parts, trial.ID)
	if trial.Title != "" {
		parts = append(parts, trial.Title)
	}
	if trial.Phase != "" {
		parts = append(parts, trial.Phase)
	}
	parts = append(parts, terms...)

	return strings.Join(parts, " ")
}
