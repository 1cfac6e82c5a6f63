// Package ingest runs ingest_document jobs: decode, extract, score, persist,
// and either retry, finalize, or hand the document on to verification.
package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dealdecision-ai/ingestion-engine/internal/collab"
	"github.com/dealdecision-ai/ingestion-engine/internal/config"
	"github.com/dealdecision-ai/ingestion-engine/internal/domain"
	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/queue"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
	"github.com/dealdecision-ai/ingestion-engine/internal/verify"
	"github.com/dealdecision-ai/ingestion-engine/internal/visual"
)

// Payload is the ingest_document job payload.
type Payload struct {
	DocumentID string `json:"document_id"`
	FileBuffer string `json:"file_buffer"`
	FileName   string `json:"file_name"`
	DealID     string `json:"deal_id"`
	Attempt    int    `json:"attempt,omitempty"`
}

func (p Payload) missing() []string {
	var out []string
	if p.DocumentID == "" {
		out = append(out, "document_id")
	}
	if p.FileBuffer == "" {
		out = append(out, "file_buffer")
	}
	if p.DealID == "" {
		out = append(out, "deal_id")
	}
	if p.FileName == "" {
		out = append(out, "file_name")
	}
	return out
}

// Outcome is the terminal state of one ingestion attempt.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeNeedsOCR       Outcome = "failed_needs_ocr"
	OutcomeRequeued       Outcome = "failed_requeued"
	OutcomeFailedTerminal Outcome = "failed_terminal"
)

// Kickoff starts visual extraction for a completed document.
type Kickoff interface {
	Start(ctx context.Context, doc *storage.Document, file []byte) (visual.Outcome, error)
}

// Config tunes the retry gate.
type Config struct {
	MaxAttempts      int
	DefaultThreshold float64
	WordThreshold    float64
	VerifyDelay      time.Duration
}

// Processor runs ingest_document jobs.
type Processor struct {
	cfg       Config
	documents storage.DocumentStore
	evidence  storage.EvidenceStore
	extractor collab.Extractor
	enqueuer  queue.Enqueuer
	kickoff   Kickoff
	logger    *observability.Logger
}

// NewProcessor creates an ingestion processor. kickoff may be nil.
func NewProcessor(cfg Config, documents storage.DocumentStore, evidence storage.EvidenceStore, extractor collab.Extractor, enqueuer queue.Enqueuer, kickoff Kickoff, logger *observability.Logger) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = config.DefaultMaxAttempts
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = config.DefaultContentThreshold
	}
	if cfg.WordThreshold <= 0 {
		cfg.WordThreshold = config.WordContentThreshold
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Processor{
		cfg:       cfg,
		documents: documents,
		evidence:  evidence,
		extractor: extractor,
		enqueuer:  enqueuer,
		kickoff:   kickoff,
		logger:    logger.WithOperation("ingest_document"),
	}
}

// Threshold returns the completeness bar for a file.
func (p *Processor) Threshold(fileName, contentType string) float64 {
	if IsWordDocument(fileName, contentType) {
		return p.cfg.WordThreshold
	}
	return p.cfg.DefaultThreshold
}

// Handle is the queue processor for ingest_document.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) (err error) {
	var payload Payload
	if derr := job.Decode(&payload); derr != nil {
		return p.reject(ctx, job, "", domain.InputError("ingest_document payload is not JSON", derr))
	}
	if missing := payload.missing(); len(missing) > 0 {
		return p.reject(ctx, job, payload.DocumentID,
			domain.InputError("missing required fields: "+strings.Join(missing, ", "), nil))
	}
	if payload.Attempt < 1 {
		payload.Attempt = 1
	}

	defer func() {
		if r := recover(); r != nil {
			err = p.abort(ctx, job, payload, fmt.Errorf("panic: %v", r))
		}
	}()

	_, err = p.Process(ctx, job.Tracker, payload)
	return err
}

// Process runs one ingestion attempt and reports its outcome. Extraction
// failures and low-completeness results finalize the job and return a nil
// error; input and unexpected errors are returned.
func (p *Processor) Process(ctx context.Context, tracker *queue.JobTracker, payload Payload) (Outcome, error) {
	logger := p.logger.WithDocument(payload.DocumentID).With().
		Str("deal_id", payload.DealID).
		Int("attempt", payload.Attempt).
		Logger()

	doc, err := p.documents.GetByID(ctx, payload.DocumentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = domain.InputError("document "+payload.DocumentID+" not found", err)
			tracker.Fail(ctx, err.Error())
			return OutcomeFailedTerminal, err
		}
		return p.fail(ctx, tracker, payload, fmt.Errorf("load document: %w", err))
	}

	// Decode.
	file, derr := base64.StdEncoding.DecodeString(payload.FileBuffer)
	if derr != nil || len(file) == 0 {
		cause := domain.InputError("file_buffer decoded to zero bytes", derr)
		p.setStatus(ctx, doc, lifecycle.EventFailed, storage.JSONMap{
			"error":      cause.Error(),
			"error_type": string(domain.ErrorTypeInput),
			"attempt":    payload.Attempt,
		})
		tracker.Fail(ctx, cause.Error())
		logger.Warn().Msg("empty file payload")
		return OutcomeFailedTerminal, cause
	}

	// Extract.
	p.setStatus(ctx, doc, lifecycle.EventIngestStarted, storage.JSONMap{
		"attempt":              payload.Attempt,
		"ingestion_started_at": time.Now().UTC().Format(time.RFC3339),
	})
	tracker.Progress(ctx, 10, "extracting content")

	res, err := p.extractor.ProcessDocument(ctx, file, payload.FileName, payload.DocumentID, payload.DealID)
	if err != nil {
		return p.fail(ctx, tracker, payload, domain.ExtractionError("extraction collaborator failed", err))
	}
	if res == nil {
		return p.fail(ctx, tracker, payload, domain.ExtractionError("extraction collaborator returned no result", nil))
	}
	tracker.Progress(ctx, 60, "scoring extraction")

	score := CompletenessScore(res.StructuredData)
	threshold := p.Threshold(payload.FileName, res.ContentType)
	meta := extractionMetadata(res, score, threshold, payload.Attempt)

	if !res.Metadata.ExtractionSuccess {
		status := FailureStatus(res.Metadata.ErrorMessage)
		event := lifecycle.EventFailed
		outcome := OutcomeFailedTerminal
		if status == lifecycle.StatusNeedsOCR {
			event = lifecycle.EventNeedsOCR
			outcome = OutcomeNeedsOCR
		}
		if err := p.saveExtraction(ctx, payload.DocumentID, lifecycle.StatusProcessing, event, res, meta); err != nil {
			return p.fail(ctx, tracker, payload, err)
		}
		msg := "extraction failed"
		if res.Metadata.ErrorMessage != "" {
			msg += ": " + res.Metadata.ErrorMessage
		}
		tracker.Fail(ctx, msg)
		logger.Warn().Str("status", string(status)).Str("error", res.Metadata.ErrorMessage).Msg("extraction reported failure")
		return outcome, nil
	}

	if err := p.insertEvidence(ctx, payload, res.StructuredData, score); err != nil {
		return p.fail(ctx, tracker, payload, err)
	}
	tracker.Progress(ctx, 80, "evidence recorded")

	if score < threshold {
		if payload.Attempt < p.cfg.MaxAttempts {
			return p.retry(ctx, tracker, payload, res, meta, score, threshold)
		}
		if err := p.saveExtraction(ctx, payload.DocumentID, lifecycle.StatusProcessing, lifecycle.EventLowQualityExhausted, res, meta); err != nil {
			return p.fail(ctx, tracker, payload, err)
		}
		tracker.Fail(ctx, fmt.Sprintf("completeness %.2f below threshold %.2f after %d attempts", score, threshold, payload.Attempt))
		logger.Warn().Float64("score", score).Float64("threshold", threshold).Msg("low completeness, attempts exhausted")
		return OutcomeFailedTerminal, nil
	}

	if err := p.saveExtraction(ctx, payload.DocumentID, lifecycle.StatusProcessing, lifecycle.EventExtracted, res, meta); err != nil {
		return p.fail(ctx, tracker, payload, err)
	}

	msg := fmt.Sprintf("completed (completeness %.2f)", score)
	if _, err := p.enqueuer.Enqueue(ctx, queue.QueueVerifyDocuments,
		verify.Payload{DealID: payload.DealID, DocumentIDs: []string{payload.DocumentID}},
		queue.EnqueueOptions{Delay: p.cfg.VerifyDelay, DealID: payload.DealID, DocumentID: payload.DocumentID},
	); err != nil {
		logger.Error().Err(err).Msg("failed to enqueue verification")
		msg += "; verification not scheduled"
	}
	tracker.Succeed(ctx, msg)
	logger.Info().Float64("score", score).Msg("document ingested")

	p.startVisuals(ctx, payload.DocumentID, file, logger)
	return OutcomeSucceeded, nil
}

func (p *Processor) retry(ctx context.Context, tracker *queue.JobTracker, payload Payload, res *collab.ExtractionResult, meta storage.JSONMap, score, threshold float64) (Outcome, error) {
	next := payload
	next.Attempt = payload.Attempt + 1
	meta["retry_scheduled"] = true

	if err := p.saveExtraction(ctx, payload.DocumentID, lifecycle.StatusProcessing, lifecycle.EventLowQualityRetry, res, meta); err != nil {
		return p.fail(ctx, tracker, payload, err)
	}
	if _, err := p.enqueuer.Enqueue(ctx, queue.QueueIngestDocument, next, queue.EnqueueOptions{
		DealID:     payload.DealID,
		DocumentID: payload.DocumentID,
	}); err != nil {
		return p.fail(ctx, tracker, payload, fmt.Errorf("re-enqueue ingestion: %w", err))
	}

	tracker.Fail(ctx, fmt.Sprintf("retrying (attempt %d)", next.Attempt))
	p.logger.Info().
		Str("document_id", payload.DocumentID).
		Float64("score", score).
		Float64("threshold", threshold).
		Int("next_attempt", next.Attempt).
		Msg("low completeness, retry scheduled")
	return OutcomeRequeued, nil
}

func (p *Processor) insertEvidence(ctx context.Context, payload Payload, sd collab.StructuredData, score float64) error {
	add := func(kind string, ordinal int, value string) error {
		value = strings.TrimSpace(value)
		if value == "" {
			return nil
		}
		ev := &storage.Evidence{
			DealID:     payload.DealID,
			DocumentID: payload.DocumentID,
			Source:     "extraction",
			Kind:       kind,
			Ordinal:    ordinal,
			Value:      value,
			Confidence: score,
		}
		if err := p.evidence.Insert(ctx, ev); err != nil {
			return domain.PersistenceError("insert "+kind+" evidence", err)
		}
		return nil
	}

	for i, m := range sd.KeyMetrics {
		if err := add(storage.EvidenceKindMetric, i, m.String()); err != nil {
			return err
		}
	}
	for i, h := range sd.MainHeadings {
		if err := add(storage.EvidenceKindHeading, i, h); err != nil {
			return err
		}
	}
	return add(storage.EvidenceKindSummary, 0, sd.TextSummary)
}

func (p *Processor) saveExtraction(ctx context.Context, id string, from lifecycle.Status, event lifecycle.Event, res *collab.ExtractionResult, meta storage.JSONMap) error {
	status, err := lifecycle.Transition(from, event)
	if err != nil {
		p.logger.Warn().Err(err).Str("document_id", id).Msg("unexpected status transition")
	}

	upd := storage.ExtractionUpdate{
		Status:      status,
		FullContent: fullContent(res),
		Metadata:    meta,
	}
	if text := fullText(res); text != "" {
		upd.FullText = &text
	}
	if n := res.Metadata.PageCount; n > 0 {
		upd.PageCount = &n
	}
	if err := p.documents.SaveExtraction(ctx, id, upd); err != nil {
		return domain.PersistenceError("save extraction", err)
	}
	return nil
}

// setStatus applies event to doc's current status, logging unexpected
// origins. Write failures are logged.
func (p *Processor) setStatus(ctx context.Context, doc *storage.Document, event lifecycle.Event, meta storage.JSONMap) {
	status, err := lifecycle.Transition(doc.Status, event)
	if err != nil {
		p.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("unexpected status transition")
	}
	if err := p.documents.UpdateStatus(ctx, doc.ID, status, meta); err != nil {
		p.logger.Error().Err(err).Str("document_id", doc.ID).Msg("failed to update document status")
		return
	}
	doc.Status = status
}

// fail handles an unexpected error: the document is classified needs_ocr or
// failed from the error text, the job is failed, and the error is returned
// so the runtime records it too.
func (p *Processor) fail(ctx context.Context, tracker *queue.JobTracker, payload Payload, cause error) (Outcome, error) {
	event := lifecycle.EventFailed
	if FailureStatus(cause.Error()) == lifecycle.StatusNeedsOCR {
		event = lifecycle.EventNeedsOCR
	}
	// Last write wins: the document may be in any state here.
	status, _ := lifecycle.Transition(lifecycle.StatusProcessing, event)
	meta := storage.JSONMap{
		"error":     cause.Error(),
		"attempt":   payload.Attempt,
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	}
	var de *domain.DomainError
	if errors.As(cause, &de) {
		meta["error_type"] = string(de.Type)
	}
	if err := p.documents.UpdateStatus(ctx, payload.DocumentID, status, meta); err != nil {
		p.logger.Error().Err(err).Str("document_id", payload.DocumentID).Msg("failed to record ingestion error")
	}
	tracker.Fail(ctx, cause.Error())

	p.logger.Error().
		Err(cause).
		Str("document_id", payload.DocumentID).
		Str("status", string(status)).
		Msg("ingestion failed")

	outcome := OutcomeFailedTerminal
	if status == lifecycle.StatusNeedsOCR {
		outcome = OutcomeNeedsOCR
	}
	return outcome, cause
}

func (p *Processor) abort(ctx context.Context, job *queue.Job, payload Payload, cause error) error {
	_, err := p.fail(ctx, job.Tracker, payload, cause)
	return err
}

// reject fails a job whose payload cannot be processed. The document is
// marked failed when its id is known.
func (p *Processor) reject(ctx context.Context, job *queue.Job, documentID string, cause error) error {
	if documentID != "" {
		meta := storage.JSONMap{"error": cause.Error(), "error_type": string(domain.ErrorTypeInput)}
		if err := p.documents.UpdateStatus(ctx, documentID, lifecycle.StatusFailed, meta); err != nil && !errors.Is(err, storage.ErrNotFound) {
			p.logger.Error().Err(err).Str("document_id", documentID).Msg("failed to mark document failed")
		}
	}
	job.Tracker.Fail(ctx, cause.Error())
	p.logger.Warn().Err(cause).Str("job_id", job.ID.String()).Msg("rejected ingest payload")
	return cause
}

func (p *Processor) startVisuals(ctx context.Context, documentID string, file []byte, logger *observability.Logger) {
	if p.kickoff == nil {
		return
	}
	doc, err := p.documents.GetByID(ctx, documentID)
	if err != nil {
		logger.Warn().Err(err).Msg("visual kickoff skipped: document reload failed")
		return
	}
	outcome, err := p.kickoff.Start(ctx, doc, file)
	if err != nil {
		logger.Warn().Err(err).Str("outcome", string(outcome)).Msg("visual kickoff failed")
		return
	}
	logger.Debug().Str("outcome", string(outcome)).Msg("visual kickoff")
}

func extractionMetadata(res *collab.ExtractionResult, score, threshold float64, attempt int) storage.JSONMap {
	meta := storage.JSONMap{
		"extraction_success": res.Metadata.ExtractionSuccess,
		"processing_time_ms": res.Metadata.ProcessingTimeMs,
		"completeness_score": score,
		"content_threshold":  threshold,
		"content_type":       res.ContentType,
		"attempt":            attempt,
		"headings_count":     len(res.StructuredData.MainHeadings),
		"metrics_count":      len(res.StructuredData.KeyMetrics),
	}
	if res.Metadata.ErrorMessage != "" {
		meta["error_message"] = res.Metadata.ErrorMessage
	}
	if res.Metadata.OCRConfidence != nil {
		meta["ocr_confidence"] = *res.Metadata.OCRConfidence
	}
	return meta
}

func fullContent(res *collab.ExtractionResult) storage.JSONMap {
	out := storage.JSONMap{}
	for k, v := range res.Content {
		out[k] = v
	}
	out[collab.AnalysisStructuredKey] = res.StructuredData.ToMap()
	if res.ContentType != "" {
		out["content_type"] = res.ContentType
	}
	return out
}

func fullText(res *collab.ExtractionResult) string {
	for _, key := range []string{"text", "fullText", "full_text"} {
		if s, ok := res.Content[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return res.StructuredData.TextSummary
}
