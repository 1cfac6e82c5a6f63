package visual

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/queue"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// Outcome says what a kickoff did.
type Outcome string

const (
	OutcomeDisabled  Outcome = "disabled"
	OutcomeSynthetic Outcome = "synthetic"
	OutcomeNoImages  Outcome = "no_images"
	OutcomeEnqueued  Outcome = "enqueued"
)

// KickoffConfig configures a Kickoff.
type KickoffConfig struct {
	Enabled          bool
	ExtractorVersion string
}

// Kickoff starts visual extraction for a freshly ingested document.
type Kickoff struct {
	cfg       KickoffConfig
	documents storage.DocumentStore
	resolver  *Resolver
	synthetic *SyntheticBuilder
	enqueuer  queue.Enqueuer
	once      *observability.Once
	logger    *observability.Logger
}

// NewKickoff wires a kickoff. once is shared by the process so the disabled
// warning is logged a single time.
func NewKickoff(cfg KickoffConfig, documents storage.DocumentStore, resolver *Resolver, synthetic *SyntheticBuilder, enqueuer queue.Enqueuer, once *observability.Once, logger *observability.Logger) *Kickoff {
	if once == nil {
		once = observability.NewOnce()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Kickoff{
		cfg:       cfg,
		documents: documents,
		resolver:  resolver,
		synthetic: synthetic,
		enqueuer:  enqueuer,
		once:      once,
		logger:    logger.WithOperation("visual_kickoff"),
	}
}

// Start decides how doc gets visual assets: synthetic ones for office
// formats, or an extract_visuals job over its rendered pages.
func (k *Kickoff) Start(ctx context.Context, doc *storage.Document, file []byte) (Outcome, error) {
	if !k.cfg.Enabled {
		k.once.Do("visual_extraction_disabled", func() {
			k.logger.Warn().Msg("visual extraction disabled; set VISUAL_EXTRACTION_ENABLED=true to enable")
		})
		return OutcomeDisabled, nil
	}

	if format := DetectOffice(doc.FileName, doc.Type); format != OfficeNone {
		if _, err := k.synthetic.Build(ctx, doc, format, file); err != nil {
			return OutcomeSynthetic, err
		}
		return OutcomeSynthetic, nil
	}

	if doc.KnownPageCount() == 0 && isPDF(doc.FileName, file) {
		if n, err := pdfPageCount(file); err != nil {
			k.logger.Debug().Err(err).Str("document_id", doc.ID).Msg("pdf page count unavailable")
		} else if n > 0 {
			if _, err := k.documents.SetPageCountIfUnknown(ctx, doc.ID, n); err != nil {
				k.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("failed to persist pdf page count")
			}
		}
	}

	pages, err := k.resolver.Resolve(ctx, doc.ID)
	if err != nil {
		return OutcomeNoImages, err
	}
	if len(pages) == 0 {
		return OutcomeNoImages, nil
	}

	payload := ExtractPayload{
		DocumentID:       doc.ID,
		DealID:           doc.DealID,
		ExtractorVersion: k.cfg.ExtractorVersion,
		ImageURIs:        make([]string, len(pages)),
		PageIndexes:      make([]int, len(pages)),
	}
	for i, p := range pages {
		payload.ImageURIs[i] = p.Path
		payload.PageIndexes[i] = p.PageIndex
	}

	h, err := k.enqueuer.Enqueue(ctx, queue.QueueExtractVisuals, payload, queue.EnqueueOptions{
		DealID:     doc.DealID,
		DocumentID: doc.ID,
	})
	if err != nil {
		return OutcomeNoImages, fmt.Errorf("enqueue extract_visuals: %w", err)
	}

	k.logger.Info().
		Str("document_id", doc.ID).
		Str("job_id", h.JobID.String()).
		Int("pages", len(pages)).
		Msg("visual extraction enqueued")
	return OutcomeEnqueued, nil
}

func isPDF(fileName string, file []byte) bool {
	return strings.EqualFold(filepath.Ext(fileName), ".pdf") || bytes.HasPrefix(file, []byte("%PDF"))
}

func pdfPageCount(file []byte) (int, error) {
	if len(file) == 0 {
		return 0, fmt.Errorf("empty pdf")
	}
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(file), model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("pdfcpu read: %w", err)
	}
	return ctx.PageCount, nil
}
