package visual

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// coerceNumber reads a number out of whatever the vision service sent:
// JSON numbers, numeric strings, or objects carrying a "value" field.
func coerceNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return coerceNumber(float64(n))
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return coerceNumber(f)
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(n), "%"))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return coerceNumber(f)
	case map[string]interface{}:
		if inner, ok := n["value"]; ok {
			return coerceNumber(inner)
		}
	}
	return 0, false
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// coerceConfidence clamps to [0,1]; unreadable values are 0.
func coerceConfidence(v interface{}) float64 {
	f, ok := coerceNumber(v)
	if !ok {
		return 0
	}
	return clamp01(f)
}

// coerceBBox accepts {x,y,w,h}, {x,y,width,height} or [x,y,w,h]. Anything
// malformed, or without a positive extent, becomes the full page.
func coerceBBox(v interface{}) storage.BoundingBox {
	var parts [4]interface{}
	switch b := v.(type) {
	case map[string]interface{}:
		parts[0], parts[1] = b["x"], b["y"]
		parts[2], parts[3] = b["w"], b["h"]
		if parts[2] == nil {
			parts[2] = b["width"]
		}
		if parts[3] == nil {
			parts[3] = b["height"]
		}
	case []interface{}:
		if len(b) != 4 {
			return storage.FullPage
		}
		copy(parts[:], b)
	default:
		return storage.FullPage
	}

	var vals [4]float64
	for i, p := range parts {
		f, ok := coerceNumber(p)
		if !ok {
			return storage.FullPage
		}
		vals[i] = clamp01(f)
	}
	if vals[2] <= 0 || vals[3] <= 0 {
		return storage.FullPage
	}
	return storage.BoundingBox{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}
}

// normalizeAssetType maps free-form labels onto the known asset types.
func normalizeAssetType(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.NewReplacer("-", "_", " ", "_").Replace(t)
	switch t {
	case storage.AssetChart, "graph", "plot", "bar_chart", "line_chart", "pie_chart":
		return storage.AssetChart
	case storage.AssetTable, "grid", "spreadsheet":
		return storage.AssetTable
	case storage.AssetMap:
		return storage.AssetMap
	case storage.AssetDiagram, "flowchart", "flow_chart", "org_chart":
		return storage.AssetDiagram
	case storage.AssetImageText, "text", "image", "screenshot", "photo":
		return storage.AssetImageText
	}
	return storage.AssetUnknown
}

// coerceString returns v when it is a non-blank string.
func coerceString(v interface{}) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func coerceStrings(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str := coerceString(item); str != "" {
				out = append(out, str)
			}
		}
		return out
	case string:
		if t := strings.TrimSpace(s); t != "" {
			return []string{t}
		}
	}
	return nil
}

func coerceMap(v interface{}) storage.JSONMap {
	if m, ok := v.(map[string]interface{}); ok && len(m) > 0 {
		return storage.JSONMap(m)
	}
	return nil
}

func coerceBlocks(v interface{}) []storage.OCRBlock {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]storage.OCRBlock, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		text := coerceString(m["text"])
		if text == "" {
			continue
		}
		out = append(out, storage.OCRBlock{
			Text:       text,
			BBox:       coerceBBox(m["bbox"]),
			Confidence: coerceConfidence(m["confidence"]),
		})
	}
	return out
}
