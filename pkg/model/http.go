// Package model talks to the anomaly-model sidecar over HTTP. The sidecar
// owns the autoencoder weights and retraining; the agent only submits
// normalized feature vectors and reads back a reconstruction-error score.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"evsecure/pkg/feature"
)

// HTTPClient scores feature vectors against a remote inference endpoint.
type HTTPClient struct {
	url string
	hc  *http.Client
}

// NewHTTPClient points at the sidecar's score endpoint. The timeout bounds
// the whole request; the scoring engine applies its own, tighter deadline
// via context.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HTTPClient{url: url, hc: &http.Client{Timeout: timeout}}
}

type inferRequest struct {
	Features []float64 `json:"features"`
}

type inferResponse struct {
	Score float64 `json:"score"`
}

// Infer submits one normalized vector and returns the model score.
func (c *HTTPClient) Infer(ctx context.Context, features [feature.VectorSize]float64) (float64, error) {
	body, err := json.Marshal(inferRequest{Features: features[:]})
	if err != nil {
		return 0, fmt.Errorf("model: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("model: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("model: infer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("model: infer returned %d", resp.StatusCode)
	}
	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("model: decode response: %w", err)
	}
	return out.Score, nil
}
