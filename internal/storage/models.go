// Package storage provides models and repositories for jobs, documents,
// visual assets and evidence.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
)

// JobType names a unit of dispatched work. Queue names match job types.
type JobType string

const (
	JobIngestDocument          JobType = "ingest_document"
	JobFetchEvidence           JobType = "fetch_evidence"
	JobAnalyzeDeal             JobType = "analyze_deal"
	JobVerifyDocuments         JobType = "verify_documents"
	JobGenerateIngestionReport JobType = "generate_ingestion_report"
	JobExtractVisuals          JobType = "extract_visuals"
)

// Evidence types.
const (
	EvidenceTypeVisualAsset = "visual_asset"
	EvidenceKindMetric      = "metric"
	EvidenceKindHeading     = "heading"
	EvidenceKindSummary     = "summary"
)

// Asset types returned by the vision service.
const (
	AssetChart     = "chart"
	AssetTable     = "table"
	AssetMap       = "map"
	AssetDiagram   = "diagram"
	AssetImageText = "image_text"
	AssetUnknown   = "unknown"
)

// JSONMap is a free-form JSON object column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan json column: unsupported type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Clone returns a shallow copy.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// BoundingBox is a page-relative rectangle.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// FullPage is the box used when no usable box is available.
var FullPage = BoundingBox{X: 0, Y: 0, W: 1, H: 1}

// Value implements driver.Valuer.
func (b BoundingBox) Value() (driver.Value, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (b *BoundingBox) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*b = FullPage
		return nil
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	default:
		return fmt.Errorf("scan bbox: unsupported type %T", src)
	}
}

// Job is the durable record of one unit of dispatched work.
type Job struct {
	ID         uuid.UUID           `json:"id" db:"id"`
	Type       JobType             `json:"type" db:"type"`
	Status     lifecycle.JobStatus `json:"status" db:"status"`
	Progress   int                 `json:"progress" db:"progress"`
	Message    string              `json:"message,omitempty" db:"message"`
	DealID     *string             `json:"deal_id,omitempty" db:"deal_id"`
	DocumentID *string             `json:"document_id,omitempty" db:"document_id"`
	CreatedAt  time.Time           `json:"created_at" db:"created_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty" db:"started_at"`
	UpdatedAt  time.Time           `json:"updated_at" db:"updated_at"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	DealID     string
	DocumentID string
	Type       JobType
	Limit      int
}

// Document is one uploaded file. Rows are created by the upload handler.
type Document struct {
	ID                 string           `json:"id" db:"id"`
	DealID             string           `json:"deal_id" db:"deal_id"`
	Type               string           `json:"type" db:"type"`
	FileName           string           `json:"file_name" db:"file_name"`
	FileSize           int64            `json:"file_size" db:"file_size"`
	Status             lifecycle.Status `json:"status" db:"status"`
	PageCount          *int             `json:"page_count,omitempty" db:"page_count"`
	ExtractionMetadata JSONMap          `json:"extraction_metadata,omitempty" db:"extraction_metadata"`
	FullText           *string          `json:"full_text,omitempty" db:"full_text"`
	FullContent        JSONMap          `json:"full_content,omitempty" db:"full_content"`
	VerificationStatus *string          `json:"verification_status,omitempty" db:"verification_status"`
	VerificationResult JSONMap          `json:"verification_result,omitempty" db:"verification_result"`
	ReadyForAnalysisAt *time.Time       `json:"ready_for_analysis_at,omitempty" db:"ready_for_analysis_at"`
	IngestionSummary   JSONMap          `json:"ingestion_summary,omitempty" db:"ingestion_summary"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" db:"updated_at"`
}

// KnownPageCount returns the page count, or 0 when unknown.
func (d *Document) KnownPageCount() int {
	if d.PageCount == nil {
		return 0
	}
	return *d.PageCount
}

// ExtractionUpdate carries the fields written after an extraction attempt.
// Metadata is merged into the existing extraction metadata.
type ExtractionUpdate struct {
	Status      lifecycle.Status
	FullText    *string
	FullContent JSONMap
	Metadata    JSONMap
	PageCount   *int
}

// VerificationUpdate carries the verification outcome for a document.
type VerificationUpdate struct {
	Status             lifecycle.VerificationStatus
	Result             JSONMap
	ReadyForAnalysisAt *time.Time
	DocumentStatus     *lifecycle.Status
}

// VisualAsset is a chart, table or image region found on a page.
type VisualAsset struct {
	ID               uuid.UUID   `json:"id" db:"id"`
	DocumentID       string      `json:"document_id" db:"document_id"`
	PageIndex        int         `json:"page_index" db:"page_index"`
	AssetType        string      `json:"asset_type" db:"asset_type"`
	BBox             BoundingBox `json:"bbox" db:"bbox"`
	ImageURI         *string     `json:"image_uri,omitempty" db:"image_uri"`
	ImageHash        *string     `json:"image_hash,omitempty" db:"image_hash"`
	ExtractorVersion string      `json:"extractor_version" db:"extractor_version"`
	Confidence       float64     `json:"confidence" db:"confidence"`
	QualityFlags     JSONMap     `json:"quality_flags,omitempty" db:"quality_flags"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
}

// OCRBlock is one recognised text span.
type OCRBlock struct {
	Text       string      `json:"text"`
	BBox       BoundingBox `json:"bbox"`
	Confidence float64     `json:"confidence"`
}

// VisualExtraction holds the content read from a visual asset.
type VisualExtraction struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	VisualAssetID    uuid.UUID  `json:"visual_asset_id" db:"visual_asset_id"`
	ExtractorVersion string     `json:"extractor_version" db:"extractor_version"`
	OCRText          *string    `json:"ocr_text,omitempty" db:"ocr_text"`
	OCRBlocks        []OCRBlock `json:"ocr_blocks,omitempty" db:"ocr_blocks"`
	StructuredJSON   JSONMap    `json:"structured_json,omitempty" db:"structured_json"`
	Units            []string   `json:"units,omitempty" db:"units"`
	Labels           JSONMap    `json:"labels,omitempty" db:"labels"`
	ModelVersion     *string    `json:"model_version,omitempty" db:"model_version"`
	Confidence       float64    `json:"confidence" db:"confidence"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// EvidenceLink ties a document page to a visual asset.
type EvidenceLink struct {
	ID            uuid.UUID `json:"id" db:"id"`
	DocumentID    string    `json:"document_id" db:"document_id"`
	PageIndex     int       `json:"page_index" db:"page_index"`
	EvidenceType  string    `json:"evidence_type" db:"evidence_type"`
	VisualAssetID uuid.UUID `json:"visual_asset_id" db:"visual_asset_id"`
	Ref           JSONMap   `json:"ref,omitempty" db:"ref"`
	Snippet       *string   `json:"snippet,omitempty" db:"snippet"`
	Confidence    float64   `json:"confidence" db:"confidence"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Evidence is a text fact pulled from a document's structured content.
type Evidence struct {
	ID         uuid.UUID `json:"id" db:"id"`
	DealID     string    `json:"deal_id" db:"deal_id"`
	DocumentID string    `json:"document_id" db:"document_id"`
	Source     string    `json:"source" db:"source"`
	Kind       string    `json:"kind" db:"kind"`
	Ordinal    int       `json:"ordinal" db:"ordinal"`
	Value      string    `json:"value" db:"value"`
	Confidence float64   `json:"confidence" db:"confidence"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// IngestionReport is a persisted deal-level readiness report.
type IngestionReport struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	DealID      string          `json:"deal_id" db:"deal_id"`
	DocumentIDs []string        `json:"document_ids" db:"document_ids"`
	Readiness   string          `json:"readiness" db:"readiness"`
	Body        json.RawMessage `json:"body" db:"body"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
