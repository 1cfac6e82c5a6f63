package collab

import (
	"context"
	"math"
	"strings"
)

// Check weights for the heuristic verifier. They sum to 1.
const (
	weightExtraction = 0.3
	weightText       = 0.3
	weightStructure  = 0.3
	weightPages      = 0.1

	richTextChars   = 500
	sparseTextChars = 100
)

// HeuristicVerifier scores documents locally. It is used when no
// verification service is configured.
type HeuristicVerifier struct{}

// NewHeuristicVerifier returns a local verifier.
func NewHeuristicVerifier() *HeuristicVerifier {
	return &HeuristicVerifier{}
}

type check struct {
	Passed bool
	Score  float64
	Detail string
}

// Verify scores extraction success, text volume, structure and page count.
func (HeuristicVerifier) Verify(_ context.Context, view ExtractionView) (*VerificationResult, error) {
	var warnings []string
	checks := map[string]check{}

	success := extractionSucceeded(view)
	c := check{Passed: success}
	if success {
		c.Score = weightExtraction
	} else {
		warnings = append(warnings, "extraction reported failure")
	}
	checks["extraction_success"] = c

	textLen := len(strings.TrimSpace(view.FullText))
	c = check{}
	switch {
	case textLen >= richTextChars:
		c = check{Passed: true, Score: weightText}
	case textLen >= sparseTextChars:
		c = check{Passed: true, Score: weightText / 2, Detail: "limited text content"}
	default:
		c.Detail = "sparse text content"
		warnings = append(warnings, "sparse text content")
	}
	checks["text_content"] = c

	sd := StructuredFromAnalysis(view.Analysis)
	hasHeadings := len(sd.MainHeadings) > 0
	hasMetrics := len(sd.KeyMetrics) > 0
	c = check{}
	switch {
	case hasHeadings && hasMetrics:
		c = check{Passed: true, Score: weightStructure}
	case hasHeadings || hasMetrics:
		c = check{Passed: true, Score: weightStructure / 2, Detail: "partial structure"}
	default:
		c.Detail = "no headings or key metrics"
		warnings = append(warnings, "no headings or key metrics detected")
	}
	checks["structure"] = c

	c = check{Passed: view.PageCount > 0}
	if c.Passed {
		c.Score = weightPages
	} else {
		warnings = append(warnings, "page count unknown")
	}
	checks["page_count"] = c

	var total float64
	qc := make(map[string]interface{}, len(checks))
	for name, ch := range checks {
		total += ch.Score
		qc[name] = map[string]interface{}{"passed": ch.Passed, "score": ch.Score, "detail": ch.Detail}
	}

	return &VerificationResult{
		OverallScore:  math.Round(total*100) / 100,
		QualityChecks: qc,
		Warnings:      warnings,
	}, nil
}

// extractionSucceeded reads the persisted success flag, falling back to the
// presence of text when the flag was never recorded.
func extractionSucceeded(view ExtractionView) bool {
	if v, ok := view.ExtractionMetadata["extraction_success"].(bool); ok {
		return v
	}
	return strings.TrimSpace(view.FullText) != ""
}
