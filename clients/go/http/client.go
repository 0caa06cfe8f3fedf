// Package http provides an HTTP client for a bucketz assignment server.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	bucketz "github.com/matt-riley/bucketz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the bucketz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements bucketz.Evaluator over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ bucketz.Evaluator = (*Client)(nil)

func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// FeatureSummary describes one served feature.
type FeatureSummary struct {
	Key          string          `json:"key"`
	DefaultValue json.RawMessage `json:"defaultValue"`
	Rules        int             `json:"rules"`
	InvalidRules int             `json:"invalidRules"`
}

type listFeaturesResponse struct {
	Environment string           `json:"environment"`
	Draft       bool             `json:"draft"`
	Features    []FeatureSummary `json:"features"`
}

type evaluateAllResponse struct {
	Results map[string]bucketz.Result `json:"results"`
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bucketz: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Evaluate(ctx context.Context, req bucketz.EvaluateRequest) (bucketz.Result, error) {
	var result bucketz.Result
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate", req, &result); err != nil {
		return bucketz.Result{}, err
	}
	return result, nil
}

func (c *Client) EvaluateAll(ctx context.Context, req bucketz.EvaluateAllRequest) (map[string]bucketz.Result, error) {
	var resp evaluateAllResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate/all", req, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		resp.Results = map[string]bucketz.Result{}
	}
	return resp.Results, nil
}

func (c *Client) EvaluateExperiment(ctx context.Context, req bucketz.ExperimentRequest) (bucketz.Result, error) {
	var result bucketz.Result
	if err := c.doJSON(ctx, http.MethodPost, "/v1/evaluate/experiment", req, &result); err != nil {
		return bucketz.Result{}, err
	}
	return result, nil
}

func (c *Client) ListFeatures(ctx context.Context, environment string, draft bool) ([]FeatureSummary, error) {
	query := url.Values{}
	query.Set("environment", environment)
	if draft {
		query.Set("draft", strconv.FormatBool(draft))
	}

	var resp listFeaturesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/features?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Features, nil
}

// Health returns the revision the server is serving.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status   string `json:"status"`
		Revision string `json:"revision"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return "", err
	}
	return resp.Revision, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, dst any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bucketz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("bucketz: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bucketz: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return decodeAPIError(resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("bucketz: decode response: %w", err)
	}
	return nil
}

// decodeAPIError prefers the server's {"error": "..."} message and falls
// back to the raw body.
func decodeAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &APIError{StatusCode: status, Message: payload.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
