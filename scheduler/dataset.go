package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPDatasetResolver resolves dataset references against the external
// dataset service. Only existence and readiness are checked, never content.
type HTTPDatasetResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDatasetResolver creates a resolver for the dataset service at
// baseURL.
func NewHTTPDatasetResolver(baseURL string) *HTTPDatasetResolver {
	return &HTTPDatasetResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type datasetInfo struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	SampleCount int    `json:"sample_count"`
}

// Resolve returns whether the dataset exists and is ready for training.
func (r *HTTPDatasetResolver) Resolve(ctx context.Context, datasetID string) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/datasets/%s", r.baseURL, datasetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build dataset request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("dataset service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, fmt.Errorf("dataset %s does not exist", datasetID)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("dataset service returned status %d", resp.StatusCode)
	}

	var info datasetInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false, fmt.Errorf("failed to decode dataset response: %w", err)
	}

	return info.Status == "ready" && info.SampleCount > 0, nil
}
