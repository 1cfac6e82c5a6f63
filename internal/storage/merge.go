package storage

import (
	"strconv"
	"strings"
)

// AssetConflictKey identifies a visual asset row for upserts. Rows with and
// without an image hash live in separate key spaces.
func AssetConflictKey(a *VisualAsset) string {
	base := a.DocumentID + "|" + strconv.Itoa(a.PageIndex) + "|" + a.ExtractorVersion
	if a.ImageHash != nil {
		return "h|" + base + "|" + *a.ImageHash
	}
	return "n|" + base
}

// MergeVisualAsset folds an incoming asset into the stored one. Type and box
// take the latest values, image_uri is only backfilled, confidence keeps the
// maximum and quality flags are shallow-merged with incoming keys winning.
func MergeVisualAsset(existing, incoming *VisualAsset) *VisualAsset {
	out := *existing
	out.AssetType = incoming.AssetType
	out.BBox = incoming.BBox
	if isBlank(existing.ImageURI) && !isBlank(incoming.ImageURI) {
		uri := *incoming.ImageURI
		out.ImageURI = &uri
	}
	out.Confidence = maxFloat(existing.Confidence, incoming.Confidence)
	out.QualityFlags = mergeMaps(existing.QualityFlags, incoming.QualityFlags)
	return &out
}

// MergeVisualExtraction folds an incoming extraction into the stored one
// without losing previously captured content.
func MergeVisualExtraction(existing, incoming *VisualExtraction) *VisualExtraction {
	out := *existing
	if !isBlank(incoming.OCRText) {
		text := *incoming.OCRText
		out.OCRText = &text
	}
	if len(incoming.OCRBlocks) > 0 {
		out.OCRBlocks = append([]OCRBlock(nil), incoming.OCRBlocks...)
	}
	out.StructuredJSON = mergeMaps(existing.StructuredJSON, incoming.StructuredJSON)
	if len(incoming.Units) > 0 {
		out.Units = append([]string(nil), incoming.Units...)
	}
	out.Labels = mergeMaps(existing.Labels, incoming.Labels)
	if !isBlank(incoming.ModelVersion) {
		mv := *incoming.ModelVersion
		out.ModelVersion = &mv
	}
	out.Confidence = maxFloat(existing.Confidence, incoming.Confidence)
	return &out
}

func mergeMaps(base, patch JSONMap) JSONMap {
	if base == nil && patch == nil {
		return nil
	}
	out := base.Clone()
	if out == nil {
		out = JSONMap{}
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func maxFloat(a, b float64) float64 {
	if b > a {
		return b
	}
	return a
}
