package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-replicate-studio/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrUnauthorized = errors.New("request unauthorized (check API key)")
	ErrMissingKey   = errors.New("no API key configured")
	ErrBadResponse  = errors.New("malformed response")
)

// Proxy routes served by internal/proxy.
const (
	ReplicateRoute = "/api/replicate"
	TelemetryRoute = "/api/telemetry"
	PexelsRoute    = "/api/pexels"
)

// SubmissionError is returned when a job could not be created. It is never retried.
type SubmissionError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("submission failed (status %d): %s", e.StatusCode, e.Message)
	}
	return "submission failed: " + e.Message
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollError is returned when a status check fails. It ends the job.
type PollError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *PollError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("status check failed (status %d): %s", e.StatusCode, e.Message)
	}
	return "status check failed: " + e.Message
}

func (e *PollError) Unwrap() error { return e.Err }

// IsAuthError reports whether err came from a rejected credential.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// Client talks to the studio proxy, which relays calls to Replicate.
type Client struct {
	BaseURL    string // e.g. http://127.0.0.1:8787
	ApiKey     string
	HttpClient *http.Client
	PollClient *http.Client // status checks; no per-call timeout
}

// NewClient creates a new proxy client. Status checks share httpClient's
// transport but drop its timeout; they end with the job's context instead.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	pollClient := *httpClient
	pollClient.Timeout = 0
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ApiKey:     apiKey,
		HttpClient: httpClient,
		PollClient: &pollClient,
	}
}

// replicateEnvelope is the body accepted by the proxy's replicate route.
// Exactly one of the fields is set per call.
type replicateEnvelope struct {
	Body      *models.SubmitBody `json:"body,omitempty"`
	GetURL    string             `json:"getUrl,omitempty"`
	CancelURL string             `json:"cancelUrl,omitempty"`
}

// Submit creates a prediction and returns it together with its JobHandle.
func (c *Client) Submit(ctx context.Context, body models.SubmitBody) (*models.Prediction, models.JobHandle, error) {
	if c.ApiKey == "" {
		return nil, models.JobHandle{}, &SubmissionError{Message: ErrMissingKey.Error(), Err: ErrMissingKey}
	}
	status, raw, err := c.post(ctx, c.HttpClient, ReplicateRoute, replicateEnvelope{Body: &body})
	if err != nil {
		return nil, models.JobHandle{}, &SubmissionError{Message: err.Error(), Err: err}
	}
	if status >= 300 {
		return nil, models.JobHandle{}, &SubmissionError{StatusCode: status, Message: errorMessage(raw), Err: statusErr(status)}
	}

	var pred models.Prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, models.JobHandle{}, &SubmissionError{StatusCode: status, Message: "invalid JSON from proxy", Err: fmt.Errorf("%w: %v", ErrBadResponse, err)}
	}
	handle := pred.Handle()
	if handle.GetURL == "" {
		return nil, models.JobHandle{}, &SubmissionError{StatusCode: status, Message: "response carried no status URL", Err: ErrBadResponse}
	}
	log.WithFields(log.Fields{"prediction": pred.ID, "model": body.Model}).Debug("Prediction submitted")
	return &pred, handle, nil
}

// Get fetches the current state of a prediction. Any failure is a *PollError;
// a cancelled ctx surfaces as a PollError wrapping context.Canceled.
func (c *Client) Get(ctx context.Context, getURL string) (*models.Prediction, error) {
	pollClient := c.PollClient
	if pollClient == nil {
		pollClient = c.HttpClient
	}
	status, raw, err := c.post(ctx, pollClient, ReplicateRoute, replicateEnvelope{GetURL: getURL})
	if err != nil {
		return nil, &PollError{Message: err.Error(), Err: err}
	}
	if status >= 300 {
		return nil, &PollError{StatusCode: status, Message: errorMessage(raw), Err: statusErr(status)}
	}
	var pred models.Prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, &PollError{StatusCode: status, Message: "invalid JSON from proxy", Err: fmt.Errorf("%w: %v", ErrBadResponse, err)}
	}
	return &pred, nil
}

// Cancel asks the provider to stop a prediction.
func (c *Client) Cancel(ctx context.Context, cancelURL string) error {
	if cancelURL == "" {
		return nil
	}
	status, raw, err := c.post(ctx, c.HttpClient, ReplicateRoute, replicateEnvelope{CancelURL: cancelURL})
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	if status >= 300 {
		return fmt.Errorf("cancel request failed (status %d): %s: %w", status, errorMessage(raw), statusErr(status))
	}
	return nil
}

// PexelsPhoto is one reference photo returned by the proxy's pexels route.
type PexelsPhoto struct {
	ID           int64  `json:"id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	URL          string `json:"url"`
	Photographer string `json:"photographer"`
	Src          struct {
		Original string `json:"original"`
		Large    string `json:"large"`
		Medium   string `json:"medium"`
	} `json:"src"`
}

// SearchReferences looks up reference photos for image-to-image jobs.
func (c *Client) SearchReferences(ctx context.Context, query string, perPage int) ([]PexelsPhoto, error) {
	values := url.Values{}
	values.Set("query", query)
	if perPage > 0 {
		values.Set("perPage", fmt.Sprintf("%d", perPage))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+PexelsRoute+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reference search failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("reference search failed (status %d): %s", resp.StatusCode, errorMessage(raw))
	}
	var payload struct {
		Photos []PexelsPhoto `json:"photos"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return payload.Photos, nil
}

// post sends a JSON envelope to the proxy with the credential in the
// Authorization header and returns the status code and raw body.
func (c *Client) post(ctx context.Context, httpClient *http.Client, route string, envelope interface{}) (int, []byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return 0, nil, fmt.Errorf("error encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+route, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.ApiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("error reading response body: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func statusErr(status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// errorMessage pulls a readable message out of an error body. Replicate uses
// "detail", the proxy uses "error".
func errorMessage(raw []byte) string {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Error != "":
			return body.Error
		case body.Detail != "":
			return body.Detail
		case body.Title != "":
			return body.Title
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		msg = "empty response"
	}
	return msg
}
