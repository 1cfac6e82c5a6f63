// Package collab provides clients for the extraction and verification
// collaborators the ingestion pipeline calls out to.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Extractor turns an uploaded file into structured content.
type Extractor interface {
	ProcessDocument(ctx context.Context, file []byte, fileName, documentID, dealID string) (*ExtractionResult, error)
}

// Verifier scores an already-extracted document.
type Verifier interface {
	Verify(ctx context.Context, view ExtractionView) (*VerificationResult, error)
}

// ExtractionResult is the extraction collaborator's response.
type ExtractionResult struct {
	ContentType    string                 `json:"contentType"`
	Content        map[string]interface{} `json:"content,omitempty"`
	StructuredData StructuredData         `json:"structuredData"`
	Metadata       ExtractionMetadata     `json:"metadata"`
}

// StructuredData holds the signals the completeness score is computed from.
type StructuredData struct {
	MainHeadings []string `json:"mainHeadings"`
	KeyMetrics   []Metric `json:"keyMetrics"`
	TextSummary  string   `json:"textSummary"`
}

// ExtractionMetadata reports how extraction went.
type ExtractionMetadata struct {
	ExtractionSuccess bool     `json:"extractionSuccess"`
	ErrorMessage      string   `json:"errorMessage,omitempty"`
	ProcessingTimeMs  int64    `json:"processingTimeMs"`
	PageCount         int      `json:"pageCount,omitempty"`
	OCRConfidence     *float64 `json:"ocrConfidence,omitempty"`
}

// Metric is one key metric. Extractors send either a bare string or an
// object with name, value and unit.
type Metric struct {
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
	Unit  string `json:"unit,omitempty"`
}

// UnmarshalJSON accepts strings, numbers and objects.
func (m *Metric) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = Metric{Value: s}
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*m = Metric{Value: n.String()}
		return nil
	}

	var obj struct {
		Name  string      `json:"name"`
		Label string      `json:"label"`
		Value interface{} `json:"value"`
		Unit  string      `json:"unit"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode metric: %w", err)
	}
	name := obj.Name
	if name == "" {
		name = obj.Label
	}
	*m = Metric{Name: name, Value: stringify(obj.Value), Unit: obj.Unit}
	return nil
}

// String renders the metric as evidence text.
func (m Metric) String() string {
	parts := make([]string, 0, 3)
	if m.Name != "" {
		parts = append(parts, m.Name+":")
	}
	if m.Value != "" {
		parts = append(parts, m.Value)
	}
	if m.Unit != "" {
		parts = append(parts, m.Unit)
	}
	return strings.TrimSuffix(strings.Join(parts, " "), ":")
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// ExtractionView is the minimal extraction result rebuilt from persisted
// document fields for verification.
type ExtractionView struct {
	DocumentID         string                 `json:"document_id"`
	Analysis           map[string]interface{} `json:"analysis"`
	FullText           string                 `json:"fullText"`
	PageCount          int                    `json:"pageCount"`
	ExtractionMetadata map[string]interface{} `json:"extractionMetadata"`
}

// VerificationResult is the verification collaborator's response.
type VerificationResult struct {
	OverallScore  float64                `json:"overall_score"`
	QualityChecks map[string]interface{} `json:"quality_checks"`
	Warnings      []string               `json:"warnings"`
}
