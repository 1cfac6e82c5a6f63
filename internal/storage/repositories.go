package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// JobRepository handles durable job records.
type JobRepository struct {
	db DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a job in the queued state.
func (r *JobRepository) Create(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = lifecycle.JobQueued
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO jobs (id, type, status, progress, message, deal_id, document_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.Type, job.Status, job.Progress, nullString(job.Message),
		job.DealID, job.DocumentID, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

const jobColumns = `id, type, status, progress, COALESCE(message, ''), deal_id, document_id, created_at, started_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	job := &Job{}
	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &job.Progress, &job.Message,
		&job.DealID, &job.DocumentID, &job.CreatedAt, &job.StartedAt, &job.UpdatedAt,
	)
	return job, err
}

// GetByID retrieves a job by ID.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// MarkRunning moves a queued or running job to running and stamps
// started_at. It reports false for a job that already reached a terminal
// status.
func (r *JobRepository) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE jobs SET status = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
	`
	res, err := r.db.ExecContext(ctx, query, id, lifecycle.JobRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = $1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return false, err
}

// UpdateProgress records progress and a human readable message.
func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error {
	query := `UPDATE jobs SET progress = $2, message = $3, updated_at = NOW() WHERE id = $1`
	return execOne(ctx, r.db, query, id, clampProgress(progress), nullString(message))
}

// Finish sets a terminal status unconditionally.
func (r *JobRepository) Finish(ctx context.Context, id uuid.UUID, status lifecycle.JobStatus, message string) error {
	query := `
		UPDATE jobs SET status = $2, message = $3,
			progress = CASE WHEN $2 = 'succeeded' THEN 100 ELSE progress END,
			updated_at = NOW()
		WHERE id = $1
	`
	return execOne(ctx, r.db, query, id, status, nullString(message))
}

// FinishIfRunning sets a terminal status only when the job is still running,
// so a processor that already finalized its job is not overwritten.
func (r *JobRepository) FinishIfRunning(ctx context.Context, id uuid.UUID, status lifecycle.JobStatus, message string) (bool, error) {
	query := `
		UPDATE jobs SET status = $2, message = COALESCE($3, message),
			progress = CASE WHEN $2 = 'succeeded' THEN 100 ELSE progress END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`
	res, err := r.db.ExecContext(ctx, query, id, status, nullString(message))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns jobs matching the filter, newest first.
func (r *JobRepository) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.DealID != "" {
		args = append(args, filter.DealID)
		conds = append(conds, fmt.Sprintf("deal_id = $%d", len(args)))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		conds = append(conds, fmt.Sprintf("document_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DocumentRepository handles document reads and processor writes.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a document. Used by seeding and tests; uploads normally
// create rows elsewhere.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = lifecycle.StatusPending
	}
	if doc.ExtractionMetadata == nil {
		doc.ExtractionMetadata = JSONMap{}
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	query := `
		INSERT INTO documents (id, deal_id, type, file_name, file_size, status, page_count,
			extraction_metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.DealID, doc.Type, doc.FileName, doc.FileSize, doc.Status,
		doc.PageCount, doc.ExtractionMetadata, doc.CreatedAt, doc.UpdatedAt,
	)
	return err
}

// GetByID retrieves a document by ID.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*Document, error) {
	query := `
		SELECT id, deal_id, type, file_name, file_size, status, page_count, extraction_metadata,
			full_text, full_content, verification_status, verification_result,
			ready_for_analysis_at, ingestion_summary, created_at, updated_at
		FROM documents WHERE id = $1
	`
	doc := &Document{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.DealID, &doc.Type, &doc.FileName, &doc.FileSize, &doc.Status,
		&doc.PageCount, &doc.ExtractionMetadata, &doc.FullText, &doc.FullContent,
		&doc.VerificationStatus, &doc.VerificationResult, &doc.ReadyForAnalysisAt,
		&doc.IngestionSummary, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// UpdateStatus sets the status and merges a diagnostic patch into the
// extraction metadata.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id string, status lifecycle.Status, metadata JSONMap) error {
	query := `
		UPDATE documents
		SET status = $2,
			extraction_metadata = COALESCE(extraction_metadata, '{}'::jsonb) || COALESCE($3::jsonb, '{}'::jsonb),
			updated_at = NOW()
		WHERE id = $1
	`
	return execOne(ctx, r.db, query, id, status, metadata)
}

// SaveExtraction persists the content produced by an extraction attempt.
func (r *DocumentRepository) SaveExtraction(ctx context.Context, id string, upd ExtractionUpdate) error {
	query := `
		UPDATE documents
		SET status = $2,
			full_text = COALESCE($3, full_text),
			full_content = COALESCE($4::jsonb, full_content),
			extraction_metadata = COALESCE(extraction_metadata, '{}'::jsonb) || COALESCE($5::jsonb, '{}'::jsonb),
			page_count = COALESCE($6, page_count),
			updated_at = NOW()
		WHERE id = $1
	`
	return execOne(ctx, r.db, query, id, upd.Status, upd.FullText, upd.FullContent, upd.Metadata, upd.PageCount)
}

// SetPageCountIfUnknown records an inferred page count. A known value is
// never overwritten.
func (r *DocumentRepository) SetPageCountIfUnknown(ctx context.Context, id string, pageCount int) (bool, error) {
	query := `
		UPDATE documents SET page_count = $2, updated_at = NOW()
		WHERE id = $1 AND (page_count IS NULL OR page_count = 0)
	`
	res, err := r.db.ExecContext(ctx, query, id, pageCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SaveVerification persists verification status and result.
func (r *DocumentRepository) SaveVerification(ctx context.Context, id string, upd VerificationUpdate) error {
	var status *string
	if upd.DocumentStatus != nil {
		s := string(*upd.DocumentStatus)
		status = &s
	}
	query := `
		UPDATE documents
		SET verification_status = $2,
			verification_result = $3::jsonb,
			ready_for_analysis_at = COALESCE($4, ready_for_analysis_at),
			status = COALESCE($5, status),
			updated_at = NOW()
		WHERE id = $1
	`
	return execOne(ctx, r.db, query, id, string(upd.Status), upd.Result, upd.ReadyForAnalysisAt, status)
}

// SetIngestionSummary denormalizes a report summary onto the document.
func (r *DocumentRepository) SetIngestionSummary(ctx context.Context, id string, summary JSONMap) error {
	query := `UPDATE documents SET ingestion_summary = $2::jsonb, updated_at = NOW() WHERE id = $1`
	return execOne(ctx, r.db, query, id, summary)
}

// EvidenceRepository handles text evidence and evidence links.
type EvidenceRepository struct {
	db DB
}

// NewEvidenceRepository creates a new evidence repository.
func NewEvidenceRepository(db DB) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

// Insert stores a text evidence row keyed by document, kind and ordinal.
// Re-inserting the same slot replaces its value, so retries converge while
// repeated values within one extraction stay separate rows.
func (r *EvidenceRepository) Insert(ctx context.Context, ev *Evidence) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO evidence (id, deal_id, document_id, source, kind, ordinal, value, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (document_id, kind, ordinal) DO UPDATE SET
			source = EXCLUDED.source,
			value = EXCLUDED.value,
			confidence = EXCLUDED.confidence
	`
	_, err := r.db.ExecContext(ctx, query,
		ev.ID, ev.DealID, ev.DocumentID, ev.Source, ev.Kind, ev.Ordinal, ev.Value, ev.Confidence, ev.CreatedAt,
	)
	return err
}

// ListByDocument returns text evidence for a document.
func (r *EvidenceRepository) ListByDocument(ctx context.Context, documentID string) ([]*Evidence, error) {
	query := `
		SELECT id, deal_id, document_id, source, kind, ordinal, value, confidence, created_at
		FROM evidence WHERE document_id = $1 ORDER BY created_at, kind, ordinal
	`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Evidence
	for rows.Next() {
		ev := &Evidence{}
		if err := rows.Scan(&ev.ID, &ev.DealID, &ev.DocumentID, &ev.Source, &ev.Kind,
			&ev.Ordinal, &ev.Value, &ev.Confidence, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// InsertLinkIfAbsent inserts an evidence link unless one already exists for
// the same document, page, evidence type and visual asset.
func (r *EvidenceRepository) InsertLinkIfAbsent(ctx context.Context, link *EvidenceLink) (bool, error) {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	link.CreatedAt = time.Now().UTC()
	if link.Ref == nil {
		link.Ref = JSONMap{}
	}

	query := `
		INSERT INTO evidence_links (id, document_id, page_index, evidence_type, visual_asset_id,
			ref, snippet, confidence, created_at)
		SELECT $1::uuid, $2::uuid, $3::int, $4::text, $5::uuid, $6::jsonb, $7::text, $8::double precision, $9::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM evidence_links
			WHERE document_id = $2 AND page_index = $3 AND evidence_type = $4 AND visual_asset_id = $5
		)
		ON CONFLICT (document_id, page_index, evidence_type, visual_asset_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		link.ID, link.DocumentID, link.PageIndex, link.EvidenceType, link.VisualAssetID,
		link.Ref, link.Snippet, link.Confidence, link.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountLinks returns the number of evidence links for a document.
func (r *EvidenceRepository) CountLinks(ctx context.Context, documentID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence_links WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

// VisualRepository handles visual asset and extraction upserts.
type VisualRepository struct {
	db DB
}

// NewVisualRepository creates a new visual repository.
func NewVisualRepository(db DB) *VisualRepository {
	return &VisualRepository{db: db}
}

const assetUpsertSet = `
	DO UPDATE SET
		asset_type = EXCLUDED.asset_type,
		bbox = EXCLUDED.bbox,
		image_uri = CASE
			WHEN visual_assets.image_uri IS NULL OR visual_assets.image_uri = '' THEN EXCLUDED.image_uri
			ELSE visual_assets.image_uri
		END,
		confidence = GREATEST(visual_assets.confidence, EXCLUDED.confidence),
		quality_flags = COALESCE(visual_assets.quality_flags, '{}'::jsonb) || COALESCE(EXCLUDED.quality_flags, '{}'::jsonb),
		updated_at = NOW()
	RETURNING id
`

// UpsertAsset inserts or merges a visual asset and returns the stored id.
// The conflict target depends on whether an image hash is present.
func (r *VisualRepository) UpsertAsset(ctx context.Context, asset *VisualAsset) (uuid.UUID, error) {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if asset.QualityFlags == nil {
		asset.QualityFlags = JSONMap{}
	}

	conflict := `ON CONFLICT (document_id, page_index, extractor_version) WHERE image_hash IS NULL`
	if asset.ImageHash != nil {
		conflict = `ON CONFLICT (document_id, page_index, extractor_version, image_hash) WHERE image_hash IS NOT NULL`
	}

	query := `
		INSERT INTO visual_assets (id, document_id, page_index, asset_type, bbox, image_uri, image_hash,
			extractor_version, confidence, quality_flags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10::jsonb, NOW(), NOW())
	` + conflict + assetUpsertSet

	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, query,
		asset.ID, asset.DocumentID, asset.PageIndex, asset.AssetType, asset.BBox,
		blankToNil(asset.ImageURI), asset.ImageHash, asset.ExtractorVersion,
		asset.Confidence, asset.QualityFlags,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert visual asset: %w", err)
	}
	return id, nil
}

// UpsertExtraction inserts or merges the extraction for an asset and
// extractor version without discarding previously captured content.
func (r *VisualRepository) UpsertExtraction(ctx context.Context, ext *VisualExtraction) (uuid.UUID, error) {
	if ext.ID == uuid.Nil {
		ext.ID = uuid.New()
	}
	blocks, err := marshalJSON(ext.OCRBlocks, "[]")
	if err != nil {
		return uuid.Nil, err
	}
	units, err := marshalJSON(ext.Units, "[]")
	if err != nil {
		return uuid.Nil, err
	}

	query := `
		INSERT INTO visual_extractions (id, visual_asset_id, extractor_version, ocr_text, ocr_blocks,
			structured_json, units, labels, model_version, confidence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, COALESCE($6::jsonb, '{}'::jsonb), $7::jsonb,
			COALESCE($8::jsonb, '{}'::jsonb), $9, $10, NOW(), NOW())
		ON CONFLICT (visual_asset_id, extractor_version) DO UPDATE SET
			ocr_text = COALESCE(EXCLUDED.ocr_text, visual_extractions.ocr_text),
			ocr_blocks = CASE
				WHEN jsonb_array_length(EXCLUDED.ocr_blocks) > 0 THEN EXCLUDED.ocr_blocks
				ELSE visual_extractions.ocr_blocks
			END,
			structured_json = COALESCE(visual_extractions.structured_json, '{}'::jsonb) || EXCLUDED.structured_json,
			units = CASE
				WHEN jsonb_array_length(EXCLUDED.units) > 0 THEN EXCLUDED.units
				ELSE visual_extractions.units
			END,
			labels = COALESCE(visual_extractions.labels, '{}'::jsonb) || EXCLUDED.labels,
			model_version = COALESCE(EXCLUDED.model_version, visual_extractions.model_version),
			confidence = GREATEST(visual_extractions.confidence, EXCLUDED.confidence),
			updated_at = NOW()
		RETURNING id
	`
	var id uuid.UUID
	err = r.db.QueryRowContext(ctx, query,
		ext.ID, ext.VisualAssetID, ext.ExtractorVersion, blankToNil(ext.OCRText), blocks,
		ext.StructuredJSON, units, ext.Labels, blankToNil(ext.ModelVersion), ext.Confidence,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert visual extraction: %w", err)
	}
	return id, nil
}

// ListAssetsByDocument returns visual assets ordered by page.
func (r *VisualRepository) ListAssetsByDocument(ctx context.Context, documentID string) ([]*VisualAsset, error) {
	query := `
		SELECT id, document_id, page_index, asset_type, bbox, image_uri, image_hash,
			extractor_version, confidence, quality_flags, created_at, updated_at
		FROM visual_assets WHERE document_id = $1
		ORDER BY page_index, created_at
	`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []*VisualAsset
	for rows.Next() {
		a := &VisualAsset{}
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.PageIndex, &a.AssetType, &a.BBox,
			&a.ImageURI, &a.ImageHash, &a.ExtractorVersion, &a.Confidence, &a.QualityFlags,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// GetExtraction returns the extraction for an asset and extractor version.
func (r *VisualRepository) GetExtraction(ctx context.Context, assetID uuid.UUID, extractorVersion string) (*VisualExtraction, error) {
	query := `
		SELECT id, visual_asset_id, extractor_version, ocr_text, ocr_blocks, structured_json,
			units, labels, model_version, confidence, created_at, updated_at
		FROM visual_extractions WHERE visual_asset_id = $1 AND extractor_version = $2
	`
	ext := &VisualExtraction{}
	var blocks, units []byte
	err := r.db.QueryRowContext(ctx, query, assetID, extractorVersion).Scan(
		&ext.ID, &ext.VisualAssetID, &ext.ExtractorVersion, &ext.OCRText, &blocks,
		&ext.StructuredJSON, &units, &ext.Labels, &ext.ModelVersion, &ext.Confidence,
		&ext.CreatedAt, &ext.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(blocks) > 0 {
		if err := json.Unmarshal(blocks, &ext.OCRBlocks); err != nil {
			return nil, fmt.Errorf("decode ocr_blocks: %w", err)
		}
	}
	if len(units) > 0 {
		if err := json.Unmarshal(units, &ext.Units); err != nil {
			return nil, fmt.Errorf("decode units: %w", err)
		}
	}
	return ext, nil
}

// ReportRepository handles ingestion reports.
type ReportRepository struct {
	db DB
}

// NewReportRepository creates a new report repository.
func NewReportRepository(db DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Create persists a report under a fresh id.
func (r *ReportRepository) Create(ctx context.Context, report *IngestionReport) error {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	report.CreatedAt = time.Now().UTC()
	docIDs, err := marshalJSON(report.DocumentIDs, "[]")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ingestion_reports (id, deal_id, document_ids, readiness, body, created_at)
		VALUES ($1, $2, $3::jsonb, $4, $5::jsonb, $6)
	`
	_, err = r.db.ExecContext(ctx, query,
		report.ID, report.DealID, docIDs, report.Readiness, string(report.Body), report.CreatedAt,
	)
	return err
}

// GetByID retrieves a report by ID.
func (r *ReportRepository) GetByID(ctx context.Context, id uuid.UUID) (*IngestionReport, error) {
	query := `SELECT id, deal_id, document_ids, readiness, body, created_at FROM ingestion_reports WHERE id = $1`
	rep := &IngestionReport{}
	var docIDs []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rep.ID, &rep.DealID, &docIDs, &rep.Readiness, &rep.Body, &rep.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(docIDs, &rep.DocumentIDs); err != nil {
		return nil, fmt.Errorf("decode document_ids: %w", err)
	}
	return rep, nil
}

// Repositories bundles the stores used by the processors.
type Repositories struct {
	Jobs      JobStore
	Documents DocumentStore
	Evidence  EvidenceStore
	Visuals   VisualStore
	Reports   ReportStore
}

// NewRepositories creates Postgres-backed repositories with the given database.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Jobs:      NewJobRepository(db),
		Documents: NewDocumentRepository(db),
		Evidence:  NewEvidenceRepository(db),
		Visuals:   NewVisualRepository(db),
		Reports:   NewReportRepository(db),
	}
}

func execOne(ctx context.Context, db DB, query string, args ...interface{}) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func blankToNil(s *string) *string {
	if isBlank(s) {
		return nil
	}
	return s
}

func marshalJSON(v interface{}, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json param: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
