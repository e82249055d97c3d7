package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go-replicate-studio/internal/models"
)

// ErrFlushRejected wraps a non-2xx answer from the telemetry endpoint.
var ErrFlushRejected = errors.New("telemetry endpoint rejected record")

// HTTPFlusher posts records to a telemetry endpoint as flat JSON.
type HTTPFlusher struct {
	URL        string
	HttpClient *http.Client
}

// NewHTTPFlusher returns a flusher posting to url.
func NewHTTPFlusher(url string, httpClient *http.Client) *HTTPFlusher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPFlusher{URL: url, HttpClient: httpClient}
}

// Flush sends rec once. It does not retry.
func (f *HTTPFlusher) Flush(ctx context.Context, rec models.TelemetryRecord) (FlushResult, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return FlushResult{}, fmt.Errorf("error encoding telemetry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(payload))
	if err != nil {
		return FlushResult{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.HttpClient.Do(req)
	if err != nil {
		return FlushResult{}, fmt.Errorf("telemetry request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return FlushResult{}, fmt.Errorf("error reading telemetry response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return FlushResult{}, fmt.Errorf("%w (status %d): %s", ErrFlushRejected, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var result FlushResult
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return FlushResult{}, fmt.Errorf("error decoding telemetry response: %w", err)
		}
	}
	return result, nil
}
