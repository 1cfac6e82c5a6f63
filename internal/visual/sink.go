package visual

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dealdecision-ai/ingestion-engine/internal/segment"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// AssetRecord is one coerced asset ready to persist.
type AssetRecord struct {
	Asset      storage.VisualAsset
	Extraction storage.VisualExtraction
	Ref        storage.JSONMap
}

// SaveResult reports what a Save wrote.
type SaveResult struct {
	AssetID      uuid.UUID
	LinkInserted bool
}

// Sink writes asset records through the idempotent stores. Replaying the
// same record converges on the same rows.
type Sink struct {
	visuals  storage.VisualStore
	evidence storage.EvidenceStore
}

// NewSink creates a sink.
func NewSink(visuals storage.VisualStore, evidence storage.EvidenceStore) *Sink {
	return &Sink{visuals: visuals, evidence: evidence}
}

// Save upserts the asset, then its extraction, then the evidence link.
func (s *Sink) Save(ctx context.Context, rec *AssetRecord) (SaveResult, error) {
	assetID, err := s.visuals.UpsertAsset(ctx, &rec.Asset)
	if err != nil {
		return SaveResult{}, fmt.Errorf("upsert visual asset: %w", err)
	}

	ext := rec.Extraction
	ext.VisualAssetID = assetID
	if ext.ExtractorVersion == "" {
		ext.ExtractorVersion = rec.Asset.ExtractorVersion
	}
	if _, err := s.visuals.UpsertExtraction(ctx, &ext); err != nil {
		return SaveResult{AssetID: assetID}, fmt.Errorf("upsert visual extraction: %w", err)
	}

	var ocr string
	if ext.OCRText != nil {
		ocr = *ext.OCRText
	}
	link := &storage.EvidenceLink{
		DocumentID:    rec.Asset.DocumentID,
		PageIndex:     rec.Asset.PageIndex,
		EvidenceType:  storage.EvidenceTypeVisualAsset,
		VisualAssetID: assetID,
		Ref:           rec.Ref,
		Snippet:       Snippet(ocr),
		Confidence:    rec.Asset.Confidence,
	}
	inserted, err := s.evidence.InsertLinkIfAbsent(ctx, link)
	if err != nil {
		return SaveResult{AssetID: assetID}, fmt.Errorf("insert evidence link: %w", err)
	}
	return SaveResult{AssetID: assetID, LinkInserted: inserted}, nil
}

// SegmentKey picks a segment: an explicit known key in the quality flags,
// then one in the structured JSON, then classification of texts.
func SegmentKey(flags, structured storage.JSONMap, texts ...string) segment.Key {
	return segmentKeyWithBias(flags, structured, "", texts...)
}

func segmentKeyWithBias(flags, structured storage.JSONMap, bias segment.Key, texts ...string) segment.Key {
	for _, m := range []storage.JSONMap{flags, structured} {
		if k := strings.ToLower(coerceString(m["segment_key"])); k != "" && segment.IsKnown(k) {
			return segment.Key(k)
		}
	}

	var parts []string
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	text := strings.Join(parts, "\n")
	if bias != "" {
		return segment.ClassifyWithBias(text, bias).Key
	}
	return segment.Classify(text).Key
}
