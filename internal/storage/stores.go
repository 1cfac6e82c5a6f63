package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
)

// JobStore persists durable job records.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error
	Finish(ctx context.Context, id uuid.UUID, status lifecycle.JobStatus, message string) error
	FinishIfRunning(ctx context.Context, id uuid.UUID, status lifecycle.JobStatus, message string) (bool, error)
	List(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// DocumentStore reads documents and applies processor writes.
type DocumentStore interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id string) (*Document, error)
	UpdateStatus(ctx context.Context, id string, status lifecycle.Status, metadata JSONMap) error
	SaveExtraction(ctx context.Context, id string, upd ExtractionUpdate) error
	SetPageCountIfUnknown(ctx context.Context, id string, pageCount int) (bool, error)
	SaveVerification(ctx context.Context, id string, upd VerificationUpdate) error
	SetIngestionSummary(ctx context.Context, id string, summary JSONMap) error
}

// EvidenceStore persists text evidence and evidence links.
type EvidenceStore interface {
	Insert(ctx context.Context, ev *Evidence) error
	ListByDocument(ctx context.Context, documentID string) ([]*Evidence, error)
	InsertLinkIfAbsent(ctx context.Context, link *EvidenceLink) (bool, error)
	CountLinks(ctx context.Context, documentID string) (int, error)
}

// VisualStore upserts visual assets and their extractions.
type VisualStore interface {
	UpsertAsset(ctx context.Context, asset *VisualAsset) (uuid.UUID, error)
	UpsertExtraction(ctx context.Context, ext *VisualExtraction) (uuid.UUID, error)
	ListAssetsByDocument(ctx context.Context, documentID string) ([]*VisualAsset, error)
	GetExtraction(ctx context.Context, assetID uuid.UUID, extractorVersion string) (*VisualExtraction, error)
}

// ReportStore persists ingestion reports.
type ReportStore interface {
	Create(ctx context.Context, report *IngestionReport) error
	GetByID(ctx context.Context, id uuid.UUID) (*IngestionReport, error)
}

var (
	_ JobStore      = (*JobRepository)(nil)
	_ DocumentStore = (*DocumentRepository)(nil)
	_ EvidenceStore = (*EvidenceRepository)(nil)
	_ VisualStore   = (*VisualRepository)(nil)
	_ ReportStore   = (*ReportRepository)(nil)
)
