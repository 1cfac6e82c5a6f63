package collab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealdecision-ai/ingestion-engine/internal/domain"
)

var fastRetry = &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

func TestMetric_UnmarshalJSON(t *testing.T) {
	var metrics []Metric
	require.NoError(t, json.Unmarshal([]byte(`["ARR $2M", 42, {"name":"Burn","value":150000,"unit":"USD/month"}, {"label":"Churn","value":"3%"}]`), &metrics))
	require.Len(t, metrics, 4)
	assert.Equal(t, "ARR $2M", metrics[0].String())
	assert.Equal(t, "42", metrics[1].String())
	assert.Equal(t, "Burn: 150000 USD/month", metrics[2].String())
	assert.Equal(t, "Churn: 3%", metrics[3].String())
	assert.Equal(t, "Burn", Metric{Name: "Burn"}.String())
}

func TestHTTPExtractor_ProcessDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process-document", r.URL.Path)
		var req processRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		raw, err := base64.StdEncoding.DecodeString(req.FileBuffer)
		assert.NoError(t, err)
		assert.Equal(t, "%PDF-1.7", string(raw))
		assert.Equal(t, "deck.pdf", req.FileName)
		assert.Equal(t, "doc-1", req.DocumentID)
		assert.Equal(t, "deal-1", req.DealID)

		_, _ = w.Write([]byte(`{
			"contentType": "pdf",
			"content": {"pages": 3},
			"structuredData": {"mainHeadings": ["Problem"], "keyMetrics": ["ARR $2M"], "textSummary": "A summary"},
			"metadata": {"extractionSuccess": true, "processingTimeMs": 1200, "pageCount": 3}
		}`))
	}))
	defer srv.Close()

	ex, err := NewHTTPExtractor(Config{BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	res, err := ex.ProcessDocument(context.Background(), []byte("%PDF-1.7"), "deck.pdf", "doc-1", "deal-1")
	require.NoError(t, err)
	assert.Equal(t, "pdf", res.ContentType)
	assert.True(t, res.Metadata.ExtractionSuccess)
	assert.Equal(t, 3, res.Metadata.PageCount)
	assert.Equal(t, []string{"Problem"}, res.StructuredData.MainHeadings)
	assert.Equal(t, "ARR $2M", res.StructuredData.KeyMetrics[0].Value)
}

func TestHTTPExtractor_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"metadata":{"extractionSuccess":false,"errorMessage":"No text extracted"}}`))
	}))
	defer srv.Close()

	ex, err := NewHTTPExtractor(Config{BaseURL: srv.URL, Retry: fastRetry}, nil)
	require.NoError(t, err)

	res, err := ex.ProcessDocument(context.Background(), nil, "scan.pdf", "doc-1", "deal-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.False(t, res.Metadata.ExtractionSuccess)
	assert.Equal(t, "No text extracted", res.Metadata.ErrorMessage)
}

func TestHTTPExtractor_Errors(t *testing.T) {
	t.Run("client error is not retried", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unsupported file"}`))
		}))
		defer srv.Close()

		ex, err := NewHTTPExtractor(Config{BaseURL: srv.URL, Retry: fastRetry}, nil)
		require.NoError(t, err)
		_, err = ex.ProcessDocument(context.Background(), nil, "x.bin", "doc-1", "deal-1")
		require.Error(t, err)
		assert.True(t, domain.IsType(err, domain.ErrorTypeExternal))
		assert.Contains(t, err.Error(), "unsupported file")
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("retries exhausted", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		ex, err := NewHTTPExtractor(Config{BaseURL: srv.URL, Retry: fastRetry}, nil)
		require.NoError(t, err)
		_, err = ex.ProcessDocument(context.Background(), nil, "x.pdf", "doc-1", "deal-1")
		require.Error(t, err)
		assert.True(t, domain.IsType(err, domain.ErrorTypeExternal))
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}))
		defer srv.Close()

		ex, err := NewHTTPExtractor(Config{BaseURL: srv.URL, Retry: fastRetry}, nil)
		require.NoError(t, err)
		_, err = ex.ProcessDocument(context.Background(), nil, "x.pdf", "doc-1", "deal-1")
		assert.Error(t, err)
	})

	t.Run("url required", func(t *testing.T) {
		_, err := NewHTTPExtractor(Config{}, nil)
		assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))
	})
}

func TestHTTPVerifier_Verify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify-extraction", r.URL.Path)
		var view ExtractionView
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&view))
		assert.Equal(t, 4, view.PageCount)
		assert.Equal(t, "hello", view.FullText)

		_, _ = w.Write([]byte(`{"overall_score":0.82,"quality_checks":{"text":{"passed":true}},"warnings":["low contrast"]}`))
	}))
	defer srv.Close()

	v, err := NewHTTPVerifier(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), ExtractionView{FullText: "hello", PageCount: 4})
	require.NoError(t, err)
	assert.Equal(t, 0.82, res.OverallScore)
	assert.Equal(t, []string{"low contrast"}, res.Warnings)
	assert.Contains(t, res.QualityChecks, "text")
}

func TestHeuristicVerifier(t *testing.T) {
	rich := ExtractionView{
		Analysis: map[string]interface{}{
			AnalysisStructuredKey: StructuredData{
				MainHeadings: []string{"Problem", "Solution"},
				KeyMetrics:   []Metric{{Value: "ARR $2M"}},
			}.ToMap(),
		},
		FullText:           strings.Repeat("word ", 120),
		PageCount:          3,
		ExtractionMetadata: map[string]interface{}{"extraction_success": true},
	}

	tests := []struct {
		name     string
		view     ExtractionView
		score    float64
		warnings int
	}{
		{"rich", rich, 1.0, 0},
		{"partial", ExtractionView{
			Analysis: map[string]interface{}{
				AnalysisStructuredKey: map[string]interface{}{"main_headings": []interface{}{"Team"}},
			},
			FullText:           strings.Repeat("x", 200),
			ExtractionMetadata: map[string]interface{}{"extraction_success": true},
		}, 0.6, 1},
		{"empty", ExtractionView{}, 0, 4},
		{"failed extraction with text", ExtractionView{
			FullText:           strings.Repeat("x", 600),
			PageCount:          1,
			ExtractionMetadata: map[string]interface{}{"extraction_success": false},
		}, 0.4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewHeuristicVerifier().Verify(context.Background(), tt.view)
			require.NoError(t, err)
			assert.InDelta(t, tt.score, res.OverallScore, 1e-9)
			assert.Len(t, res.Warnings, tt.warnings)
			assert.Len(t, res.QualityChecks, 4)
		})
	}
}

func TestStructuredFromAnalysis(t *testing.T) {
	sd := StructuredData{MainHeadings: []string{"A", "B"}, KeyMetrics: []Metric{{Name: "ARR", Value: "2M"}}, TextSummary: "sum"}
	back := StructuredFromAnalysis(map[string]interface{}{AnalysisStructuredKey: sd.ToMap()})
	assert.Equal(t, []string{"A", "B"}, back.MainHeadings)
	assert.Equal(t, []Metric{{Value: "ARR: 2M"}}, back.KeyMetrics)
	assert.Equal(t, "sum", back.TextSummary)

	assert.Empty(t, StructuredFromAnalysis(nil).MainHeadings)
	assert.Empty(t, StructuredFromAnalysis(map[string]interface{}{AnalysisStructuredKey: "nope"}).KeyMetrics)
}
