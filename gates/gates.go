// Package gates is the client for the external quality-gate collaborator
// that gates quarantine promotion.
package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RunRequest describes one gate run.
type RunRequest struct {
	ProjectPath   string   `json:"projectPath"`
	AffectedFiles []string `json:"affectedFiles,omitempty"`
	SkipGates     []string `json:"skipGates,omitempty"`
}

// GateResult is the outcome of one individual gate.
type GateResult struct {
	Gate     string `json:"gate"`
	Passed   bool   `json:"passed"`
	Details  string `json:"details,omitempty"`
	Duration int64  `json:"duration,omitempty"`
}

// RunResult is the overall outcome of a gate run. BlastRadius, when present,
// lists the transitively dependent files for the change.
type RunResult struct {
	Passed      bool         `json:"passed"`
	Gates       []GateResult `json:"gates"`
	BlastRadius []string     `json:"blastRadius,omitempty"`
}

// Runner is the collaborator surface consumed by memory governance.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// Client calls the quality-gate service over HTTP.
type Client struct {
	client  *http.Client
	baseURL string
}

// Config configures the client.
type Config struct {
	// BaseURL of the gate service.
	BaseURL string

	// Timeout bounds a full gate run (default: 120s).
	Timeout time.Duration
}

// NewClient creates a gate client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
	}
}

// Run executes the configured gates against the project.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("quality-gate service is not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/gates/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gate run request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gate service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode gate result: %w", err)
	}
	return &result, nil
}

var _ Runner = (*Client)(nil)
