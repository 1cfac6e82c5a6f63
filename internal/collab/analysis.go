package collab

import (
	"fmt"
	"strings"
)

// Keys under which extracted structure is persisted in a document's full
// content.
const (
	AnalysisStructuredKey = "structured_data"
	analysisHeadingsKey   = "main_headings"
	analysisMetricsKey    = "key_metrics"
	analysisSummaryKey    = "text_summary"
)

// ToMap renders the structured data for the full_content column.
func (s StructuredData) ToMap() map[string]interface{} {
	headings := make([]interface{}, 0, len(s.MainHeadings))
	for _, h := range s.MainHeadings {
		headings = append(headings, h)
	}
	metrics := make([]interface{}, 0, len(s.KeyMetrics))
	for _, m := range s.KeyMetrics {
		metrics = append(metrics, m.String())
	}
	return map[string]interface{}{
		analysisHeadingsKey: headings,
		analysisMetricsKey:  metrics,
		analysisSummaryKey:  s.TextSummary,
	}
}

// StructuredFromAnalysis reads structured data back out of persisted full
// content. Missing or malformed parts are left empty.
func StructuredFromAnalysis(analysis map[string]interface{}) StructuredData {
	var out StructuredData
	raw, ok := analysis[AnalysisStructuredKey].(map[string]interface{})
	if !ok {
		return out
	}
	out.MainHeadings = stringList(raw[analysisHeadingsKey])
	for _, v := range stringList(raw[analysisMetricsKey]) {
		out.KeyMetrics = append(out.KeyMetrics, Metric{Value: v})
	}
	if s, ok := raw[analysisSummaryKey].(string); ok {
		out.TextSummary = s
	}
	return out
}

func stringList(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			s := strings.TrimSpace(fmt.Sprint(item))
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
