package ingest

import (
	"path/filepath"
	"strings"

	"github.com/dealdecision-ai/ingestion-engine/internal/collab"
	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
)

// CompletenessScore weighs summary length, heading count and key-metric
// count into [0, 1].
func CompletenessScore(sd collab.StructuredData) float64 {
	var score float64

	switch n := len([]rune(strings.TrimSpace(sd.TextSummary))); {
	case n >= 100:
		score += 0.4
	case n >= 20:
		score += 0.2
	}

	switch n := len(sd.MainHeadings); {
	case n >= 3:
		score += 0.3
	case n >= 1:
		score += 0.15
	}

	switch n := len(sd.KeyMetrics); {
	case n >= 5:
		score += 0.3
	case n >= 1:
		score += 0.15
	}

	if score > 1 {
		score = 1
	}
	return score
}

// FailureStatus classifies an extractor error message. Scanned and
// image-only files can be recovered by OCR; everything else is terminal.
func FailureStatus(message string) lifecycle.Status {
	m := strings.ToLower(message)
	if strings.Contains(m, "no text extracted") || strings.Contains(m, "image-only") {
		return lifecycle.StatusNeedsOCR
	}
	return lifecycle.StatusFailed
}

// IsWordDocument reports whether a file is a word-processor document.
func IsWordDocument(fileName, contentType string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".doc", ".docx":
		return true
	}
	return strings.Contains(strings.ToLower(contentType), "word")
}
