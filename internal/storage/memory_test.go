package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
)

func strPtr(s string) *string { return &s }

func newAsset(docID string, hash *string, uri *string) *VisualAsset {
	return &VisualAsset{
		DocumentID:       docID,
		PageIndex:        3,
		AssetType:        AssetChart,
		BBox:             BoundingBox{X: 0.1, Y: 0.1, W: 0.5, H: 0.4},
		ImageURI:         uri,
		ImageHash:        hash,
		ExtractorVersion: "vision_v1",
		Confidence:       0.6,
		QualityFlags:     JSONMap{"segment_key": "market"},
	}
}

func TestUpsertAsset_BackfillThenNoOverwrite(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()
	hash := strPtr("abc123")

	id1, err := repos.Visuals.UpsertAsset(ctx, newAsset("doc-1", hash, strPtr("")))
	require.NoError(t, err)

	id2, err := repos.Visuals.UpsertAsset(ctx, newAsset("doc-1", hash, strPtr("/uploads/a.png")))
	require.NoError(t, err)

	id3, err := repos.Visuals.UpsertAsset(ctx, newAsset("doc-1", hash, strPtr("/uploads/b.png")))
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, id1, id3)

	assets, err := repos.Visuals.ListAssetsByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	require.NotNil(t, assets[0].ImageURI)
	assert.Equal(t, "/uploads/a.png", *assets[0].ImageURI)
}

func TestUpsertAsset_NullHashNeverCollidesWithHashed(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()

	hashedID, err := repos.Visuals.UpsertAsset(ctx, newAsset("doc-1", strPtr("h1"), nil))
	require.NoError(t, err)
	nullID, err := repos.Visuals.UpsertAsset(ctx, newAsset("doc-1", nil, nil))
	require.NoError(t, err)
	nullAgain, err := repos.Visuals.UpsertAsset(ctx, newAsset("doc-1", nil, nil))
	require.NoError(t, err)

	assert.NotEqual(t, hashedID, nullID)
	assert.Equal(t, nullID, nullAgain)

	assets, err := repos.Visuals.ListAssetsByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, assets, 2)
}

func TestUpsertAsset_MergeRules(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()
	hash := strPtr("h")

	first := newAsset("doc-1", hash, nil)
	first.Confidence = 0.9
	first.QualityFlags = JSONMap{"segment_key": "market", "blurry": true}
	id, err := repos.Visuals.UpsertAsset(ctx, first)
	require.NoError(t, err)

	second := newAsset("doc-1", hash, nil)
	second.AssetType = AssetTable
	second.BBox = BoundingBox{X: 0, Y: 0.5, W: 1, H: 0.5}
	second.Confidence = 0.4
	second.QualityFlags = JSONMap{"segment_key": "traction"}
	_, err = repos.Visuals.UpsertAsset(ctx, second)
	require.NoError(t, err)

	assets, err := repos.Visuals.ListAssetsByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, assets, 1)
	got := assets[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, AssetTable, got.AssetType)
	assert.Equal(t, second.BBox, got.BBox)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, "traction", got.QualityFlags["segment_key"])
	assert.Equal(t, true, got.QualityFlags["blurry"])
}

func TestUpsertExtraction_NonDestructive(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()
	assetID := uuid.New()

	_, err := repos.Visuals.UpsertExtraction(ctx, &VisualExtraction{
		VisualAssetID:    assetID,
		ExtractorVersion: "vision_v1",
		OCRText:          strPtr("Revenue 2023"),
		OCRBlocks:        []OCRBlock{{Text: "Revenue", BBox: FullPage, Confidence: 0.9}},
		StructuredJSON:   JSONMap{"title": "Revenue"},
		Confidence:       0.8,
	})
	require.NoError(t, err)

	_, err = repos.Visuals.UpsertExtraction(ctx, &VisualExtraction{
		VisualAssetID:    assetID,
		ExtractorVersion: "vision_v1",
		OCRText:          strPtr(""),
		StructuredJSON:   JSONMap{"series": []interface{}{1, 2}},
		Confidence:       0.5,
	})
	require.NoError(t, err)

	ext, err := repos.Visuals.GetExtraction(ctx, assetID, "vision_v1")
	require.NoError(t, err)
	require.NotNil(t, ext.OCRText)
	assert.Equal(t, "Revenue 2023", *ext.OCRText)
	assert.Len(t, ext.OCRBlocks, 1)
	assert.Equal(t, "Revenue", ext.StructuredJSON["title"])
	assert.Contains(t, ext.StructuredJSON, "series")
	assert.Equal(t, 0.8, ext.Confidence)
}

func TestInsertLinkIfAbsent_Deduplicates(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()
	assetID := uuid.New()

	link := func() *EvidenceLink {
		return &EvidenceLink{
			DocumentID:    "doc-1",
			PageIndex:     2,
			EvidenceType:  EvidenceTypeVisualAsset,
			VisualAssetID: assetID,
			Confidence:    0.7,
		}
	}

	inserted, err := repos.Evidence.InsertLinkIfAbsent(ctx, link())
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repos.Evidence.InsertLinkIfAbsent(ctx, link())
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := repos.Evidence.CountLinks(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEvidenceInsert_IdempotentPerOrdinal(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()

	for i := 0; i < 2; i++ {
		require.NoError(t, repos.Evidence.Insert(ctx, &Evidence{
			DealID: "deal-1", DocumentID: "doc-1", Source: "document", Kind: EvidenceKindMetric, Ordinal: 0, Value: "ARR: $2M",
		}))
	}
	require.NoError(t, repos.Evidence.Insert(ctx, &Evidence{
		DealID: "deal-1", DocumentID: "doc-1", Source: "document", Kind: EvidenceKindHeading, Ordinal: 0, Value: "ARR: $2M",
	}))

	evs, err := repos.Evidence.ListByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestEvidenceInsert_RepeatedValuesKeepTheirSlots(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()

	insert := func(ordinal int, value string) {
		require.NoError(t, repos.Evidence.Insert(ctx, &Evidence{
			DealID: "deal-1", DocumentID: "doc-1", Source: "extraction", Kind: EvidenceKindMetric, Ordinal: ordinal, Value: value,
		}))
	}
	insert(0, "20%")
	insert(1, "20%")

	evs, err := repos.Evidence.ListByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, evs, 2)

	insert(1, "25%")
	evs, err = repos.Evidence.ListByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "20%", evs[0].Value)
	assert.Equal(t, "25%", evs[1].Value)
}

func TestSetPageCountIfUnknown(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()

	require.NoError(t, repos.Documents.Create(ctx, &Document{ID: "doc-1", DealID: "deal-1"}))
	zero := 0
	require.NoError(t, repos.Documents.Create(ctx, &Document{ID: "doc-2", DealID: "deal-1", PageCount: &zero}))
	known := 7
	require.NoError(t, repos.Documents.Create(ctx, &Document{ID: "doc-3", DealID: "deal-1", PageCount: &known}))

	ok, err := repos.Documents.SetPageCountIfUnknown(ctx, "doc-1", 5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repos.Documents.SetPageCountIfUnknown(ctx, "doc-2", 4)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repos.Documents.SetPageCountIfUnknown(ctx, "doc-3", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	doc, err := repos.Documents.GetByID(ctx, "doc-3")
	require.NoError(t, err)
	assert.Equal(t, 7, doc.KnownPageCount())
}

func TestSaveExtraction_MergesMetadata(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()
	require.NoError(t, repos.Documents.Create(ctx, &Document{
		ID: "doc-1", DealID: "deal-1", ExtractionMetadata: JSONMap{"page_images_dir": "/tmp/p"},
	}))

	text := "hello"
	require.NoError(t, repos.Documents.SaveExtraction(ctx, "doc-1", ExtractionUpdate{
		Status:   lifecycle.StatusCompleted,
		FullText: &text,
		Metadata: JSONMap{"completeness_score": 0.7},
	}))

	doc, err := repos.Documents.GetByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCompleted, doc.Status)
	assert.Equal(t, "/tmp/p", doc.ExtractionMetadata["page_images_dir"])
	assert.Equal(t, 0.7, doc.ExtractionMetadata["completeness_score"])
	assert.Equal(t, "hello", *doc.FullText)
}

func TestJobs_FinishIfRunning(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()

	job := &Job{Type: JobIngestDocument}
	require.NoError(t, repos.Jobs.Create(ctx, job))
	assert.Equal(t, lifecycle.JobQueued, job.Status)

	ok, err := repos.Jobs.FinishIfRunning(ctx, job.ID, lifecycle.JobSucceeded, "")
	require.NoError(t, err)
	assert.False(t, ok, "queued job is not running")

	started, err := repos.Jobs.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, started)
	require.NoError(t, repos.Jobs.Finish(ctx, job.ID, lifecycle.JobFailed, "retrying (attempt 2)"))

	ok, err = repos.Jobs.FinishIfRunning(ctx, job.ID, lifecycle.JobSucceeded, "")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobFailed, got.Status)
	assert.Equal(t, "retrying (attempt 2)", got.Message)
	assert.NotNil(t, got.StartedAt)
}

func TestJobs_ListFilters(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()
	deal := "deal-1"
	doc := "doc-1"

	require.NoError(t, repos.Jobs.Create(ctx, &Job{Type: JobIngestDocument, DealID: &deal, DocumentID: &doc}))
	time.Sleep(time.Millisecond)
	require.NoError(t, repos.Jobs.Create(ctx, &Job{Type: JobVerifyDocuments, DealID: &deal}))
	require.NoError(t, repos.Jobs.Create(ctx, &Job{Type: JobIngestDocument}))

	byDeal, err := repos.Jobs.List(ctx, JobFilter{DealID: deal})
	require.NoError(t, err)
	assert.Len(t, byDeal, 2)

	byDoc, err := repos.Jobs.List(ctx, JobFilter{DocumentID: doc})
	require.NoError(t, err)
	assert.Len(t, byDoc, 1)

	byType, err := repos.Jobs.List(ctx, JobFilter{Type: JobIngestDocument, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, byType, 1)
}

func TestJobs_NotFound(t *testing.T) {
	repos := NewMemoryRepositories()
	_, err := repos.Jobs.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repos.Jobs.MarkRunning(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobs_MarkRunningLeavesFinishedJobs(t *testing.T) {
	ctx := context.Background()
	repos := NewMemoryRepositories()

	job := &Job{Type: JobIngestDocument}
	require.NoError(t, repos.Jobs.Create(ctx, job))
	require.NoError(t, repos.Jobs.Finish(ctx, job.ID, lifecycle.JobSucceeded, "done"))

	started, err := repos.Jobs.MarkRunning(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, started)

	got, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobSucceeded, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestJSONMap_ValueScan(t *testing.T) {
	m := JSONMap{"a": "b"}
	v, err := m.Value()
	require.NoError(t, err)

	var out JSONMap
	require.NoError(t, out.Scan(v))
	assert.Equal(t, "b", out["a"])

	var nilMap JSONMap
	v, err = nilMap.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
