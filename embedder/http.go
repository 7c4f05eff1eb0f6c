package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quarry-ai/quarry/observability"
	"github.com/quarry-ai/quarry/vector"
)

// HTTPEmbedder implements Provider over the embedding service HTTP API:
// POST /embed, /embed/batch, /embed/full and /embed/batch/full. Any non-2xx
// response is retried once before surfacing an error.
type HTTPEmbedder struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	dimension int
}

// HTTPConfig configures the HTTP embedder.
type HTTPConfig struct {
	// BaseURL of the embedding service (default: http://localhost:8080).
	BaseURL string

	// APIKey sent as a bearer token when set.
	APIKey string

	// Dimension of the dense vectors (default: 1024).
	Dimension int

	// Timeout for API requests (default: 30s).
	Timeout time.Duration
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type embedBatchRequest struct {
	Texts []string `json:"texts"`
}

type embedBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type embedFullResponse struct {
	Dense  []float32            `json:"dense"`
	Sparse *vector.SparseVector `json:"sparse"`
}

type embedBatchFullResponse struct {
	Results []embedFullResponse `json:"results"`
}

// NewHTTPEmbedder creates an embedder over the HTTP provider API.
func NewHTTPEmbedder(cfg HTTPConfig) *HTTPEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = 1024
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPEmbedder{
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		dimension: dimension,
	}
}

// post sends one JSON request, retrying once on transport errors and non-2xx
// responses.
func (e *HTTPEmbedder) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if e.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.apiKey)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("embedding request failed: %w", err)
			slog.Debug("Embedding provider request failed", "path", path, "attempt", attempt+1, "error", err)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("embedding provider returned status %d: %s", resp.StatusCode, string(respBody))
			slog.Debug("Embedding provider returned error status",
				"path", path, "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to decode embedding response: %w", err)
		}
		observability.EmbedRequests.WithLabelValues("ok").Inc()
		return nil
	}

	observability.EmbedRequests.WithLabelValues("error").Inc()
	return lastErr
}

// Embed converts one text to a dense vector.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	if err := e.post(ctx, "/embed", embedRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from provider")
	}
	return resp.Embedding, nil
}

// EmbedBatch converts multiple texts in one provider call.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp embedBatchResponse
	if err := e.post(ctx, "/embed/batch", embedBatchRequest{Texts: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// EmbedFull returns dense and sparse vectors for one text. Providers without
// the /embed/full endpoint are handled by the empty-sparse degradation.
func (e *HTTPEmbedder) EmbedFull(ctx context.Context, text string) (*Embedding, error) {
	var resp embedFullResponse
	if err := e.post(ctx, "/embed/full", embedRequest{Text: text}, &resp); err != nil {
		// Fall back to dense-only when the provider lacks sparse support.
		dense, denseErr := e.Embed(ctx, text)
		if denseErr != nil {
			return nil, err
		}
		return &Embedding{Dense: dense, Sparse: &vector.SparseVector{}}, nil
	}
	sparse := resp.Sparse
	if sparse == nil {
		sparse = &vector.SparseVector{}
	}
	return &Embedding{Dense: resp.Dense, Sparse: sparse}, nil
}

// EmbedBatchFull returns dense and sparse vectors for multiple texts.
func (e *HTTPEmbedder) EmbedBatchFull(ctx context.Context, texts []string) ([]*Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp embedBatchFullResponse
	if err := e.post(ctx, "/embed/batch/full", embedBatchRequest{Texts: texts}, &resp); err != nil {
		dense, denseErr := e.EmbedBatch(ctx, texts)
		if denseErr != nil {
			return nil, err
		}
		out := make([]*Embedding, len(dense))
		for i, d := range dense {
			out[i] = &Embedding{Dense: d, Sparse: &vector.SparseVector{}}
		}
		return out, nil
	}
	if len(resp.Results) != len(texts) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d texts", len(resp.Results), len(texts))
	}
	out := make([]*Embedding, len(resp.Results))
	for i, r := range resp.Results {
		sparse := r.Sparse
		if sparse == nil {
			sparse = &vector.SparseVector{}
		}
		out[i] = &Embedding{Dense: r.Dense, Sparse: sparse}
	}
	return out, nil
}

// Dimension returns the dense vector dimension.
func (e *HTTPEmbedder) Dimension() int {
	return e.dimension
}

var _ Provider = (*HTTPEmbedder)(nil)
