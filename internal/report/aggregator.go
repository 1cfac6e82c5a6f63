// Package report aggregates verified documents into a deal-level ingestion
// readiness report.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dealdecision-ai/ingestion-engine/internal/collab"
	"github.com/dealdecision-ai/ingestion-engine/internal/domain"
	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/queue"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// Payload is the generate_ingestion_report job payload.
type Payload struct {
	DealID      string   `json:"deal_id"`
	DocumentIDs []string `json:"document_ids"`
}

// DocumentSummary is the per-document section of a report.
type DocumentSummary struct {
	DocumentID         string   `json:"document_id"`
	FileName           string   `json:"file_name,omitempty"`
	Pages              int      `json:"pages"`
	FileSize           int64    `json:"file_size"`
	QualityScore       *float64 `json:"extraction_quality_score,omitempty"`
	MetricsCount       int      `json:"metrics_count"`
	SectionsCount      int      `json:"sections_count"`
	OCRConfidence      *float64 `json:"ocr_confidence,omitempty"`
	Warnings           []string `json:"warnings"`
	VerificationStatus string   `json:"verification_status,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// Totals are the deal-level rollups.
type Totals struct {
	Documents      int     `json:"documents"`
	Loaded         int     `json:"loaded"`
	TotalPages     int     `json:"total_pages"`
	TotalMetrics   int     `json:"total_metrics"`
	TotalSections  int     `json:"total_sections"`
	AverageQuality float64 `json:"average_quality"`
}

// Report is a deal-level ingestion report.
type Report struct {
	ID          uuid.UUID           `json:"id"`
	DealID      string              `json:"deal_id"`
	GeneratedAt time.Time           `json:"generated_at"`
	Readiness   lifecycle.Readiness `json:"readiness"`
	Totals      Totals              `json:"totals"`
	Documents   []DocumentSummary   `json:"documents"`
}

// Aggregator builds and persists ingestion reports.
type Aggregator struct {
	documents storage.DocumentStore
	reports   storage.ReportStore
	logger    *observability.Logger
	now       func() time.Time
}

// NewAggregator creates a report aggregator.
func NewAggregator(documents storage.DocumentStore, reports storage.ReportStore, logger *observability.Logger) *Aggregator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Aggregator{
		documents: documents,
		reports:   reports,
		logger:    logger.WithOperation("generate_ingestion_report"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle is the queue processor for generate_ingestion_report.
func (a *Aggregator) Handle(ctx context.Context, job *queue.Job) error {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		err = domain.InputError("generate_ingestion_report payload is not JSON", err)
		job.Tracker.Fail(ctx, err.Error())
		return err
	}
	if payload.DealID == "" || len(payload.DocumentIDs) == 0 {
		err := domain.InputError("deal_id and document_ids are required", nil)
		job.Tracker.Fail(ctx, err.Error())
		return err
	}

	rep, err := a.Generate(ctx, payload)
	if err != nil {
		job.Tracker.Fail(ctx, err.Error())
		return err
	}
	job.Tracker.Succeed(ctx, fmt.Sprintf("report %s: %s", rep.ID, rep.Readiness))
	return nil
}

// Generate summarises the documents, persists the report once and
// denormalises each document's summary onto its row. It assumes
// verification has already run.
func (a *Aggregator) Generate(ctx context.Context, payload Payload) (*Report, error) {
	rep := &Report{
		ID:          uuid.New(),
		DealID:      payload.DealID,
		GeneratedAt: a.now(),
		Documents:   make([]DocumentSummary, 0, len(payload.DocumentIDs)),
	}

	var (
		qualitySum   float64
		qualityCount int
		anyFailed    bool
		anyWarnings  bool
		anyMissing   bool
	)

	for _, id := range payload.DocumentIDs {
		doc, err := a.documents.GetByID(ctx, id)
		if err != nil {
			anyMissing = true
			rep.Documents = append(rep.Documents, DocumentSummary{DocumentID: id, Warnings: []string{}, Error: err.Error()})
			a.logger.Warn().Err(err).Str("document_id", id).Msg("document unavailable for report")
			continue
		}

		s := summarize(doc)
		rep.Documents = append(rep.Documents, s)
		rep.Totals.Loaded++
		rep.Totals.TotalPages += s.Pages
		rep.Totals.TotalMetrics += s.MetricsCount
		rep.Totals.TotalSections += s.SectionsCount
		if s.QualityScore != nil {
			qualitySum += *s.QualityScore
			qualityCount++
		}

		switch lifecycle.VerificationStatus(s.VerificationStatus) {
		case lifecycle.VerificationFailed:
			anyFailed = true
		case lifecycle.VerificationWarnings:
			anyWarnings = true
		}
	}

	rep.Totals.Documents = len(payload.DocumentIDs)
	if qualityCount > 0 {
		rep.Totals.AverageQuality = math.Round(qualitySum/float64(qualityCount)*1000) / 1000
	}

	switch {
	case anyFailed:
		rep.Readiness = lifecycle.ReadinessFailed
	case anyWarnings || anyMissing:
		rep.Readiness = lifecycle.ReadinessNeedsReview
	default:
		rep.Readiness = lifecycle.ReadinessReady
	}

	body, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	row := &storage.IngestionReport{
		ID:          rep.ID,
		DealID:      rep.DealID,
		DocumentIDs: payload.DocumentIDs,
		Readiness:   string(rep.Readiness),
		Body:        body,
	}
	if err := a.reports.Create(ctx, row); err != nil {
		return nil, domain.PersistenceError("save report", err)
	}

	for _, s := range rep.Documents {
		if s.Error != "" {
			continue
		}
		summary := storage.JSONMap{
			"report_id":    rep.ID.String(),
			"readiness":    string(rep.Readiness),
			"generated_at": rep.GeneratedAt.Format(time.RFC3339),
			"document":     toJSONMap(s),
		}
		if err := a.documents.SetIngestionSummary(ctx, s.DocumentID, summary); err != nil {
			a.logger.Warn().Err(err).Str("document_id", s.DocumentID).Msg("failed to denormalise report summary")
		}
	}

	a.logger.Info().
		Str("deal_id", rep.DealID).
		Str("report_id", rep.ID.String()).
		Str("readiness", string(rep.Readiness)).
		Int("documents", rep.Totals.Documents).
		Msg("ingestion report generated")
	return rep, nil
}

func summarize(doc *storage.Document) DocumentSummary {
	sd := collab.StructuredFromAnalysis(doc.FullContent)
	meta := doc.ExtractionMetadata

	s := DocumentSummary{
		DocumentID:    doc.ID,
		FileName:      doc.FileName,
		Pages:         doc.KnownPageCount(),
		FileSize:      doc.FileSize,
		MetricsCount:  len(sd.KeyMetrics),
		SectionsCount: len(sd.MainHeadings),
		Warnings:      stringsOf(doc.VerificationResult["warnings"]),
	}
	if s.MetricsCount == 0 {
		s.MetricsCount = intOf(meta["metrics_count"])
	}
	if s.SectionsCount == 0 {
		s.SectionsCount = intOf(meta["headings_count"])
	}
	if q, ok := floatOf(meta["completeness_score"]); ok {
		s.QualityScore = &q
	} else if q, ok := floatOf(doc.VerificationResult["overall_score"]); ok {
		s.QualityScore = &q
	}
	if c, ok := floatOf(meta["ocr_confidence"]); ok {
		s.OCRConfidence = &c
	}
	if doc.VerificationStatus != nil {
		s.VerificationStatus = *doc.VerificationStatus
	}
	return s
}

func floatOf(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func intOf(v interface{}) int {
	f, _ := floatOf(v)
	return int(f)
}

func stringsOf(v interface{}) []string {
	out := []string{}
	switch t := v.(type) {
	case []string:
		out = append(out, t...)
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func toJSONMap(v interface{}) map[string]interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
