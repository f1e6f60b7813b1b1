// Package policy talks to the external policy service: the learner that picks
// actions and consumes training batches. The engine never sees gradient math,
// only Observe and Update.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/foldrl/bindertune/internal/model"
)

// Policy chooses actions from observations and learns from closed batches.
type Policy interface {
	Observe(ctx context.Context, obs model.Observation) (model.Action, error)
	Update(ctx context.Context, batch *model.TrainingBatch) error
}

const defaultTimeout = 30 * time.Second

// HTTPClient is the JSON-over-HTTP Policy implementation.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// Compile-time interface satisfaction check.
var _ Policy = (*HTTPClient)(nil)

// NewHTTPClient creates a client targeting the given policy-service base URL.
// A timeout of zero uses the default.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// observeRequest is the JSON body for POST /observe.
type observeRequest struct {
	Observation model.Observation `json:"observation"`
}

// observeResponse is the JSON returned by POST /observe.
type observeResponse struct {
	Action model.Action `json:"action"`
}

// Observe asks the policy service for an action given the observation.
func (c *HTTPClient) Observe(ctx context.Context, obs model.Observation) (model.Action, error) {
	var resp observeResponse
	if err := c.post(ctx, "/observe", observeRequest{Observation: obs}, &resp); err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if len(resp.Action) == 0 {
		return nil, fmt.Errorf("observe: empty action for step %d", obs.Step)
	}
	return resp.Action, nil
}

// Update delivers a closed training batch to the policy service. Batches that
// closed empty at the deadline are skipped; there is nothing to learn from.
func (c *HTTPClient) Update(ctx context.Context, batch *model.TrainingBatch) error {
	if len(batch.Episodes) == 0 {
		return nil
	}
	if err := c.post(ctx, "/update", batch, nil); err != nil {
		return fmt.Errorf("update batch %s: %w", batch.ID, err)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
