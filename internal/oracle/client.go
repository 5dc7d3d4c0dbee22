// Package oracle talks to the ranking and scoring service over HTTP. It
// returns raw JSON; validation happens in the services package.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	requestTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20
)

// Client calls POST {BaseURL}/rank and POST {BaseURL}/score.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	}
}

// RankCandidates forwards the ranking request body unchanged.
func (c *Client) RankCandidates(ctx context.Context, request []byte) ([]byte, error) {
	return c.post(ctx, "/rank", request)
}

type scoreRequest struct {
	AcceptanceCriteria string `json:"acceptance_criteria"`
	SubmissionRef      string `json:"submission_ref"`
}

// ScoreSubmission asks the oracle to score the submission at ref.
func (c *Client) ScoreSubmission(ctx context.Context, criteria, ref string) ([]byte, error) {
	body, err := json.Marshal(scoreRequest{AcceptanceCriteria: criteria, SubmissionRef: ref})
	if err != nil {
		return nil, fmt.Errorf("marshal score request: %w", err)
	}
	return c.post(ctx, "/score", body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read oracle %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("oracle %s returned status %d", path, resp.StatusCode)
	}
	return data, nil
}
