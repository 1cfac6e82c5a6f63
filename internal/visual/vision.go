package visual

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
)

// maxVisionResponse caps how much of a vision response is read.
const maxVisionResponse = 8 << 20

const visionResponseSchema = `{
	"type": "object",
	"required": ["assets"],
	"properties": {
		"document_id": {"type": ["string", "null"]},
		"page_index": {"type": ["integer", "string", "null"]},
		"extractor_version": {"type": ["string", "null"]},
		"assets": {"type": "array", "items": {"type": "object"}}
	}
}`

// VisionRequest is the body sent to the vision service.
type VisionRequest struct {
	DocumentID       string `json:"document_id"`
	PageIndex        int    `json:"page_index"`
	ImageURI         string `json:"image_uri"`
	ExtractorVersion string `json:"extractor_version"`
}

// VisionAsset is one loosely typed asset returned by the vision service.
type VisionAsset map[string]interface{}

// Vision extracts assets from a page image. Failures yield no assets.
type Vision interface {
	ExtractPage(ctx context.Context, req VisionRequest) []VisionAsset
}

// VisionConfig configures the HTTP vision client.
type VisionConfig struct {
	BaseURL string
	Timeout time.Duration
	// RPS limits outbound calls per second. Zero disables throttling.
	RPS float64
}

// VisionClient calls POST {base}/extract-visuals.
type VisionClient struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	limiter    *rate.Limiter
	schema     *jsonschema.Schema
	logger     *observability.Logger
}

// NewVisionClient creates a vision client.
func NewVisionClient(cfg VisionConfig, logger *observability.Logger) (*VisionClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vision base URL is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	schema, err := compileSchema("vision_response.json", visionResponseSchema)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &VisionClient{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		limiter:    limiter,
		schema:     schema,
		logger:     logger.WithOperation("vision_extract"),
	}, nil
}

// ExtractPage asks the vision service for the assets on one page. Any
// transport, status, decoding or schema problem is logged and yields nil.
func (c *VisionClient) ExtractPage(ctx context.Context, req VisionRequest) []VisionAsset {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log := func(err error, msg string) {
		c.logger.Warn().
			Err(err).
			Str("document_id", req.DocumentID).
			Int("page_index", req.PageIndex).
			Msg(msg)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			log(err, "vision rate limiter aborted")
			return nil
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		log(err, "marshal vision request")
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract-visuals", bytes.NewReader(body))
	if err != nil {
		log(err, "create vision request")
		return nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log(err, "vision request failed")
		return nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxVisionResponse))
	if err != nil {
		log(err, "read vision response")
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log(fmt.Errorf("status %d", resp.StatusCode), "vision service returned non-OK status")
		return nil
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		log(err, "vision response is not JSON")
		return nil
	}
	if err := c.schema.Validate(doc); err != nil {
		log(err, "vision response failed schema validation")
		return nil
	}

	items, _ := doc.(map[string]interface{})["assets"].([]interface{})
	assets := make([]VisionAsset, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			assets = append(assets, VisionAsset(m))
		}
	}
	return assets
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
