package collab

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dealdecision-ai/ingestion-engine/internal/domain"
	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
)

const maxResponseBytes = 32 << 20

// Config holds collaborator client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   *RetryConfig
}

type jsonClient struct {
	httpClient *http.Client
	baseURL    string
	retry      RetryConfig
	logger     *observability.Logger
}

func newJSONClient(cfg Config, defaultTimeout time.Duration, logger *observability.Logger) (*jsonClient, error) {
	if cfg.BaseURL == "" {
		return nil, domain.ConfigError("collaborator base URL is required", nil)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &jsonClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		retry:      retry,
		logger:     logger,
	}, nil
}

func (c *jsonClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doWithRetry(ctx, c.retry, c.logger, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return c.httpClient.Do(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.ExternalError("read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return domain.ExternalError(fmt.Sprintf("%s: status %d", path, resp.StatusCode), errors.New(errResp.Error))
		}
		return domain.ExternalError(fmt.Sprintf("%s: status %d", path, resp.StatusCode), nil)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return domain.ExternalError("decode response", err)
	}
	return nil
}

// HTTPExtractor calls the extraction collaborator over JSON.
type HTTPExtractor struct {
	client *jsonClient
}

// NewHTTPExtractor creates an extraction client.
func NewHTTPExtractor(cfg Config, logger *observability.Logger) (*HTTPExtractor, error) {
	c, err := newJSONClient(cfg, 2*time.Minute, logger)
	if err != nil {
		return nil, err
	}
	return &HTTPExtractor{client: c}, nil
}

type processRequest struct {
	FileBuffer string `json:"file_buffer"`
	FileName   string `json:"file_name"`
	DocumentID string `json:"document_id"`
	DealID     string `json:"deal_id"`
}

// ProcessDocument posts the file to /process-document.
func (e *HTTPExtractor) ProcessDocument(ctx context.Context, file []byte, fileName, documentID, dealID string) (*ExtractionResult, error) {
	req := processRequest{
		FileBuffer: base64.StdEncoding.EncodeToString(file),
		FileName:   fileName,
		DocumentID: documentID,
		DealID:     dealID,
	}
	var res ExtractionResult
	if err := e.client.post(ctx, "/process-document", req, &res); err != nil {
		return nil, fmt.Errorf("process document: %w", err)
	}
	return &res, nil
}

// HTTPVerifier calls the verification collaborator over JSON.
type HTTPVerifier struct {
	client *jsonClient
}

// NewHTTPVerifier creates a verification client.
func NewHTTPVerifier(cfg Config, logger *observability.Logger) (*HTTPVerifier, error) {
	c, err := newJSONClient(cfg, 30*time.Second, logger)
	if err != nil {
		return nil, err
	}
	return &HTTPVerifier{client: c}, nil
}

// Verify posts the view to /verify-extraction.
func (v *HTTPVerifier) Verify(ctx context.Context, view ExtractionView) (*VerificationResult, error) {
	var res VerificationResult
	if err := v.client.post(ctx, "/verify-extraction", view, &res); err != nil {
		return nil, fmt.Errorf("verify extraction: %w", err)
	}
	return &res, nil
}

var (
	_ Extractor = (*HTTPExtractor)(nil)
	_ Verifier  = (*HTTPVerifier)(nil)
	_ Verifier  = (*HeuristicVerifier)(nil)
)
