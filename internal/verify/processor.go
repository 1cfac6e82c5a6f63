// Package verify scores extracted documents and advances the ones that pass
// to ready_for_analysis.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dealdecision-ai/ingestion-engine/internal/collab"
	"github.com/dealdecision-ai/ingestion-engine/internal/domain"
	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/queue"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// Payload is the verify_documents job payload.
type Payload struct {
	DealID      string   `json:"deal_id"`
	DocumentIDs []string `json:"document_ids"`
}

// Validate checks required fields.
func (p Payload) Validate() error {
	if p.DealID == "" {
		return domain.InputError("deal_id is required", nil)
	}
	if len(p.DocumentIDs) == 0 {
		return domain.InputError("document_ids must not be empty", nil)
	}
	return nil
}

// DocumentOutcome is the verification outcome of one document.
type DocumentOutcome struct {
	DocumentID string                       `json:"document_id"`
	Status     lifecycle.VerificationStatus `json:"status,omitempty"`
	Score      float64                      `json:"overall_score"`
	Warnings   []string                     `json:"warnings,omitempty"`
	Error      string                       `json:"error,omitempty"`
}

// BatchResult summarises a verify_documents run.
type BatchResult struct {
	Verified  int               `json:"verified"`
	Warnings  int               `json:"warnings"`
	Failed    int               `json:"failed"`
	Errors    int               `json:"errors"`
	Documents []DocumentOutcome `json:"documents"`
}

// Summary renders the batch counts as a job message.
func (r BatchResult) Summary() string {
	return fmt.Sprintf("verified=%d warnings=%d failed=%d errors=%d", r.Verified, r.Warnings, r.Failed, r.Errors)
}

// Processor runs verify_documents jobs.
type Processor struct {
	documents storage.DocumentStore
	verifier  collab.Verifier
	logger    *observability.Logger
	now       func() time.Time
}

// NewProcessor creates a verification processor.
func NewProcessor(documents storage.DocumentStore, verifier collab.Verifier, logger *observability.Logger) *Processor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Processor{
		documents: documents,
		verifier:  verifier,
		logger:    logger.WithOperation("verify_documents"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle is the queue processor for verify_documents.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		err = domain.InputError("verify_documents payload is not JSON", err)
		job.Tracker.Fail(ctx, err.Error())
		return err
	}
	if err := payload.Validate(); err != nil {
		job.Tracker.Fail(ctx, err.Error())
		return err
	}

	res := p.Verify(ctx, payload, func(done, total int) {
		job.Tracker.Progress(ctx, done*100/total, fmt.Sprintf("verified %d/%d documents", done, total))
	})
	job.Tracker.Succeed(ctx, res.Summary())
	return nil
}

// Verify runs every document in the batch. A failing document is recorded
// and its siblings continue.
func (p *Processor) Verify(ctx context.Context, payload Payload, progress func(done, total int)) BatchResult {
	res := BatchResult{Documents: make([]DocumentOutcome, 0, len(payload.DocumentIDs))}
	total := len(payload.DocumentIDs)

	for i, id := range payload.DocumentIDs {
		out, err := p.VerifyDocument(ctx, id)
		if err != nil {
			res.Errors++
			out = DocumentOutcome{DocumentID: id, Error: err.Error()}
			p.logger.Error().Err(err).Str("document_id", id).Str("deal_id", payload.DealID).Msg("document verification failed")
			p.recordError(ctx, id, err)
		} else {
			switch out.Status {
			case lifecycle.VerificationVerified:
				res.Verified++
			case lifecycle.VerificationWarnings:
				res.Warnings++
			default:
				res.Failed++
			}
		}
		res.Documents = append(res.Documents, out)

		if progress != nil {
			progress(i+1, total)
		}
	}

	p.logger.Info().
		Str("deal_id", payload.DealID).
		Int("documents", total).
		Int("verified", res.Verified).
		Int("warnings", res.Warnings).
		Int("failed", res.Failed).
		Int("errors", res.Errors).
		Msg("verification batch complete")
	return res
}

// VerifyDocument verifies a single document and persists the outcome.
func (p *Processor) VerifyDocument(ctx context.Context, documentID string) (DocumentOutcome, error) {
	doc, err := p.documents.GetByID(ctx, documentID)
	if err != nil {
		return DocumentOutcome{}, fmt.Errorf("load document: %w", err)
	}

	vr, err := p.verifier.Verify(ctx, viewOf(doc))
	if err != nil {
		return DocumentOutcome{}, fmt.Errorf("verify: %w", err)
	}

	status := lifecycle.VerificationFromScore(vr.OverallScore)
	upd := storage.VerificationUpdate{
		Status: status,
		Result: storage.JSONMap{
			"overall_score":  vr.OverallScore,
			"quality_checks": vr.QualityChecks,
			"warnings":       vr.Warnings,
			"verified_at":    p.now().Format(time.RFC3339),
		},
	}

	if next, terr := lifecycle.Transition(doc.Status, lifecycle.VerificationEvent(status)); terr != nil {
		p.logger.Warn().Err(terr).Str("document_id", doc.ID).Msg("unexpected document status for verification")
	} else if next != doc.Status {
		upd.DocumentStatus = &next
	}
	if status == lifecycle.VerificationVerified {
		now := p.now()
		upd.ReadyForAnalysisAt = &now
		ready := lifecycle.StatusReadyForAnalysis
		upd.DocumentStatus = &ready
	}

	if err := p.documents.SaveVerification(ctx, doc.ID, upd); err != nil {
		return DocumentOutcome{}, domain.PersistenceError("save verification", err)
	}

	p.logger.Debug().
		Str("document_id", doc.ID).
		Float64("overall_score", vr.OverallScore).
		Str("status", string(status)).
		Msg("document verified")

	return DocumentOutcome{DocumentID: doc.ID, Status: status, Score: vr.OverallScore, Warnings: vr.Warnings}, nil
}

func (p *Processor) recordError(ctx context.Context, id string, cause error) {
	if errors.Is(cause, storage.ErrNotFound) {
		return
	}
	upd := storage.VerificationUpdate{
		Status: lifecycle.VerificationFailed,
		Result: storage.JSONMap{
			"error":       cause.Error(),
			"verified_at": p.now().Format(time.RFC3339),
		},
	}
	if err := p.documents.SaveVerification(ctx, id, upd); err != nil {
		p.logger.Warn().Err(err).Str("document_id", id).Msg("failed to record verification error")
	}
}

func viewOf(doc *storage.Document) collab.ExtractionView {
	view := collab.ExtractionView{
		DocumentID:         doc.ID,
		Analysis:           doc.FullContent,
		PageCount:          doc.KnownPageCount(),
		ExtractionMetadata: doc.ExtractionMetadata,
	}
	if doc.FullText != nil {
		view.FullText = *doc.FullText
	}
	return view
}
