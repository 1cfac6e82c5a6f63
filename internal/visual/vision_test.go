package visual

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func visionServer(t *testing.T, handler http.HandlerFunc) *VisionClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewVisionClient(VisionConfig{BaseURL: srv.URL + "/", Timeout: 200 * time.Millisecond}, nil)
	require.NoError(t, err)
	return c
}

func TestVisionClient_ExtractPage(t *testing.T) {
	var got VisionRequest
	c := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/extract-visuals", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"document_id":"doc-1","page_index":2,"extractor_version":"vision_v1",
			"assets":[{"asset_type":"chart","confidence":0.8,"bbox":{"x":0,"y":0,"w":0.5,"h":0.5}}, 7]}`))
	})

	assets := c.ExtractPage(context.Background(), VisionRequest{DocumentID: "doc-1", PageIndex: 2, ImageURI: "/tmp/p.png", ExtractorVersion: "vision_v1"})
	assert.Equal(t, VisionRequest{DocumentID: "doc-1", PageIndex: 2, ImageURI: "/tmp/p.png", ExtractorVersion: "vision_v1"}, got)
	assert.Empty(t, assets, "non-object items fail schema validation")
}

func TestVisionClient_ValidResponse(t *testing.T) {
	c := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"assets":[{"asset_type":"table","confidence":"0.6"},{"asset_type":"chart"}]}`))
	})

	assets := c.ExtractPage(context.Background(), VisionRequest{DocumentID: "doc-1"})
	require.Len(t, assets, 2)
	assert.Equal(t, "table", assets[0]["asset_type"])
	assert.Equal(t, 0.6, coerceConfidence(assets[0]["confidence"]))
}

func TestVisionClient_FailuresYieldNoAssets(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"not json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}},
		{"missing assets", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"document_id":"doc-1"}`))
		}},
		{"assets not array", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"assets":{"a":1}}`))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := visionServer(t, tt.handler)
			assert.Empty(t, c.ExtractPage(context.Background(), VisionRequest{DocumentID: "doc-1"}))
		})
	}
}

func TestVisionClient_Unreachable(t *testing.T) {
	c, err := NewVisionClient(VisionConfig{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond, RPS: 5}, nil)
	require.NoError(t, err)
	assert.Empty(t, c.ExtractPage(context.Background(), VisionRequest{DocumentID: "doc-1"}))
}

func TestNewVisionClient_RequiresURL(t *testing.T) {
	_, err := NewVisionClient(VisionConfig{}, nil)
	assert.Error(t, err)
}
