package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
)

// memoryState is the shared in-process database behind the memory stores.
// It applies the same merge rules as the Postgres upserts.
type memoryState struct {
	mu          sync.RWMutex
	jobs        map[uuid.UUID]*Job
	docs        map[string]*Document
	evidence    map[string]*Evidence
	evidenceSeq []string
	links       map[string]*EvidenceLink
	assets      map[uuid.UUID]*VisualAsset
	assetKeys   map[string]uuid.UUID
	extractions map[string]*VisualExtraction
	reports     map[uuid.UUID]*IngestionReport
}

// NewMemoryRepositories returns stores backed by process memory. Used for
// tests and single-process runs.
func NewMemoryRepositories() *Repositories {
	st := &memoryState{
		jobs:        make(map[uuid.UUID]*Job),
		docs:        make(map[string]*Document),
		evidence:    make(map[string]*Evidence),
		links:       make(map[string]*EvidenceLink),
		assets:      make(map[uuid.UUID]*VisualAsset),
		assetKeys:   make(map[string]uuid.UUID),
		extractions: make(map[string]*VisualExtraction),
		reports:     make(map[uuid.UUID]*IngestionReport),
	}
	return &Repositories{
		Jobs:      &memoryJobs{st},
		Documents: &memoryDocuments{st},
		Evidence:  &memoryEvidence{st},
		Visuals:   &memoryVisuals{st},
		Reports:   &memoryReports{st},
	}
}

type memoryJobs struct{ st *memoryState }

func (m *memoryJobs) Create(_ context.Context, job *Job) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, exists := m.st.jobs[job.ID]; exists {
		return ErrConflict
	}
	if job.Status == "" {
		job.Status = lifecycle.JobQueued
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	m.st.jobs[job.ID] = &cp
	return nil
}

func (m *memoryJobs) GetByID(_ context.Context, id uuid.UUID) (*Job, error) {
	m.st.mu.RLock()
	defer m.st.mu.RUnlock()

	job, ok := m.st.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memoryJobs) MarkRunning(_ context.Context, id uuid.UUID) (bool, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	job, ok := m.st.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status != lifecycle.JobQueued && job.Status != lifecycle.JobRunning {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = lifecycle.JobRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	return true, nil
}

func (m *memoryJobs) UpdateProgress(_ context.Context, id uuid.UUID, progress int, message string) error {
	return m.update(id, func(job *Job) {
		job.Progress = clampProgress(progress)
		job.Message = message
	})
}

func (m *memoryJobs) Finish(_ context.Context, id uuid.UUID, status lifecycle.JobStatus, message string) error {
	return m.update(id, func(job *Job) {
		job.Status = status
		job.Message = message
		if status == lifecycle.JobSucceeded {
			job.Progress = 100
		}
	})
}

func (m *memoryJobs) FinishIfRunning(_ context.Context, id uuid.UUID, status lifecycle.JobStatus, message string) (bool, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	job, ok := m.st.jobs[id]
	if !ok || job.Status != lifecycle.JobRunning {
		return false, nil
	}
	job.Status = status
	if message != "" {
		job.Message = message
	}
	if status == lifecycle.JobSucceeded {
		job.Progress = 100
	}
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memoryJobs) List(_ context.Context, filter JobFilter) ([]*Job, error) {
	m.st.mu.RLock()
	defer m.st.mu.RUnlock()

	var out []*Job
	for _, job := range m.st.jobs {
		if filter.DealID != "" && (job.DealID == nil || *job.DealID != filter.DealID) {
			continue
		}
		if filter.DocumentID != "" && (job.DocumentID == nil || *job.DocumentID != filter.DocumentID) {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryJobs) update(id uuid.UUID, fn func(*Job)) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	job, ok := m.st.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

type memoryDocuments struct{ st *memoryState }

func (m *memoryDocuments) Create(_ context.Context, doc *Document) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if _, exists := m.st.docs[doc.ID]; exists {
		return ErrConflict
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
	m.st.docs[doc.ID] = copyDocument(doc)
	return nil
}

func (m *memoryDocuments) GetByID(_ context.Context, id string) (*Document, error) {
	m.st.mu.RLock()
	defer m.st.mu.RUnlock()

	doc, ok := m.st.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (m *memoryDocuments) UpdateStatus(_ context.Context, id string, status lifecycle.Status, metadata JSONMap) error {
	return m.update(id, func(doc *Document) {
		doc.Status = status
		doc.ExtractionMetadata = mergeMaps(doc.ExtractionMetadata, metadata)
	})
}

func (m *memoryDocuments) SaveExtraction(_ context.Context, id string, upd ExtractionUpdate) error {
	return m.update(id, func(doc *Document) {
		doc.Status = upd.Status
		if upd.FullText != nil {
			text := *upd.FullText
			doc.FullText = &text
		}
		if upd.FullContent != nil {
			doc.FullContent = upd.FullContent.Clone()
		}
		doc.ExtractionMetadata = mergeMaps(doc.ExtractionMetadata, upd.Metadata)
		if upd.PageCount != nil {
			n := *upd.PageCount
			doc.PageCount = &n
		}
	})
}

func (m *memoryDocuments) SetPageCountIfUnknown(_ context.Context, id string, pageCount int) (bool, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	doc, ok := m.st.docs[id]
	if !ok || doc.KnownPageCount() > 0 {
		return false, nil
	}
	doc.PageCount = &pageCount
	doc.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memoryDocuments) SaveVerification(_ context.Context, id string, upd VerificationUpdate) error {
	return m.update(id, func(doc *Document) {
		vs := string(upd.Status)
		doc.VerificationStatus = &vs
		doc.VerificationResult = upd.Result.Clone()
		if upd.ReadyForAnalysisAt != nil {
			at := *upd.ReadyForAnalysisAt
			doc.ReadyForAnalysisAt = &at
		}
		if upd.DocumentStatus != nil {
			doc.Status = *upd.DocumentStatus
		}
	})
}

func (m *memoryDocuments) SetIngestionSummary(_ context.Context, id string, summary JSONMap) error {
	return m.update(id, func(doc *Document) {
		doc.IngestionSummary = summary.Clone()
	})
}

func (m *memoryDocuments) update(id string, fn func(*Document)) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	doc, ok := m.st.docs[id]
	if !ok {
		return ErrNotFound
	}
	fn(doc)
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func copyDocument(doc *Document) *Document {
	cp := *doc
	cp.ExtractionMetadata = doc.ExtractionMetadata.Clone()
	cp.FullContent = doc.FullContent.Clone()
	cp.VerificationResult = doc.VerificationResult.Clone()
	cp.IngestionSummary = doc.IngestionSummary.Clone()
	return &cp
}

type memoryEvidence struct{ st *memoryState }

func (m *memoryEvidence) Insert(_ context.Context, ev *Evidence) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	key := ev.DocumentID + "|" + ev.Kind + "|" + strconv.Itoa(ev.Ordinal)
	if existing, ok := m.st.evidence[key]; ok {
		existing.Source = ev.Source
		existing.Value = ev.Value
		existing.Confidence = ev.Confidence
		ev.ID = existing.ID
		return nil
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = time.Now().UTC()
	cp := *ev
	m.st.evidence[key] = &cp
	m.st.evidenceSeq = append(m.st.evidenceSeq, key)
	return nil
}

func (m *memoryEvidence) ListByDocument(_ context.Context, documentID string) ([]*Evidence, error) {
	m.st.mu.RLock()
	defer m.st.mu.RUnlock()

	var out []*Evidence
	for _, key := range m.st.evidenceSeq {
		ev := m.st.evidence[key]
		if ev.DocumentID == documentID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryEvidence) InsertLinkIfAbsent(_ context.Context, link *EvidenceLink) (bool, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	key := link.DocumentID + "|" + strconv.Itoa(link.PageIndex) + "|" + link.EvidenceType + "|" + link.VisualAssetID.String()
	if _, exists := m.st.links[key]; exists {
		return false, nil
	}
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	link.CreatedAt = time.Now().UTC()
	cp := *link
	cp.Ref = link.Ref.Clone()
	m.st.links[key] = &cp
	return true, nil
}

func (m *memoryEvidence) CountLinks(_ context.Context, documentID string) (int, error) {
	m.st.mu.RLock()
	defer m.st.mu.RUnlock()

	n := 0
	for _, link := range m.st.links {
		if link.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

type memoryVisuals struct{ st *memoryState }

func (m *memoryVisuals) UpsertAsset(_ context.Context, asset *VisualAsset) (uuid.UUID, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	incoming := *asset
	incoming.ImageURI = blankToNil(asset.ImageURI)
	incoming.QualityFlags = asset.QualityFlags.Clone()
	now := time.Now().UTC()

	key := AssetConflictKey(&incoming)
	if id, ok := m.st.assetKeys[key]; ok {
		merged := MergeVisualAsset(m.st.assets[id], &incoming)
		merged.UpdatedAt = now
		m.st.assets[id] = merged
		return id, nil
	}

	if incoming.ID == uuid.Nil {
		incoming.ID = uuid.New()
	}
	if incoming.QualityFlags == nil {
		incoming.QualityFlags = JSONMap{}
	}
	incoming.CreatedAt = now
	incoming.UpdatedAt = now
	m.st.assets[incoming.ID] = &incoming
	m.st.assetKeys[key] = incoming.ID
	return incoming.ID, nil
}

func (m *memoryVisuals) UpsertExtraction(_ context.Context, ext *VisualExtraction) (uuid.UUID, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	incoming := *ext
	incoming.OCRText = blankToNil(ext.OCRText)
	incoming.ModelVersion = blankToNil(ext.ModelVersion)
	now := time.Now().UTC()

	key := ext.VisualAssetID.String() + "|" + ext.ExtractorVersion
	if existing, ok := m.st.extractions[key]; ok {
		merged := MergeVisualExtraction(existing, &incoming)
		merged.UpdatedAt = now
		m.st.extractions[key] = merged
		return merged.ID, nil
	}

	if incoming.ID == uuid.Nil {
		incoming.ID = uuid.New()
	}
	incoming.StructuredJSON = mergeMaps(nil, ext.StructuredJSON)
	incoming.Labels = mergeMaps(nil, ext.Labels)
	incoming.CreatedAt = now
	incoming.UpdatedAt = now
	m.st.extractions[key] = &incoming
	return incoming.ID, nil
}

func (m *memoryVisuals) ListAssetsByDocument(_ context.Context, documentID string) ([]*VisualAsset, error) {
	m.st.mu.RLock()
	defer m.st.mu.RUnlock()

	var out []*VisualAsset
	for _, a := range m.st.assets {
		if a.DocumentID == documentID {
			cp := *a
			cp.QualityFlags = a.QualityFlags.Clone()
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PageIndex != out[j].PageIndex {
			return out[i].PageIndex < out[j].PageIndex
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memoryVisuals) GetExtraction(_ context.Context, assetID uuid.UUID, extractorVersion string) (*VisualExtraction, error) {
	m.st.mu.RLock()
	defer m.st.mu.RUnlock()

	ext, ok := m.st.extractions[assetID.String()+"|"+extractorVersion]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ext
	cp.StructuredJSON = ext.StructuredJSON.Clone()
	cp.Labels = ext.Labels.Clone()
	return &cp, nil
}

type memoryReports struct{ st *memoryState }

func (m *memoryReports) Create(_ context.Context, report *IngestionReport) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()

	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if _, exists := m.st.reports[report.ID]; exists {
		return ErrConflict
	}
	report.CreatedAt = time.Now().UTC()
	cp := *report
	cp.Body = append(json.RawMessage(nil), report.Body...)
	m.st.reports[report.ID] = &cp
	return nil
}

func (m *memoryReports) GetByID(_ context.Context, id uuid.UUID) (*IngestionReport, error) {
	m.st.mu.RLock()
	defer m.st.mu.RUnlock()

	rep, ok := m.st.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rep
	return &cp, nil
}
