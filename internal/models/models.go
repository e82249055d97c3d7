package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type (
	Config struct {
		// Connection/Auth
		ApiKey           string `toml:"ApiKey"`
		ProxyURL         string `toml:"ProxyURL"`         // Proxy endpoint; empty starts an in-process proxy
		ReplicateBaseURL string `toml:"ReplicateBaseURL"` // Upstream used by the proxy

		// Telemetry
		TelemetryURL    string `toml:"TelemetryURL"`
		TelemetrySalt   string `toml:"TelemetrySalt"`
		TelemetryDBPath string `toml:"TelemetryDBPath"` // SQLite file used by the proxy's telemetry route

		// Paths
		SavePath       string `toml:"SavePath"`
		DatabasePath   string `toml:"DatabasePath"`
		BleveIndexPath string `toml:"BleveIndexPath"`

		// Job behaviour
		PollIntervalMs   int  `toml:"PollIntervalMs"`
		RetentionMinutes int  `toml:"RetentionMinutes"`
		SweepIntervalSec int  `toml:"SweepIntervalSec"`
		MaxValueSizeKB   int  `toml:"MaxValueSizeKB"` // Largest record bitcask accepts
		EmbedImages      bool `toml:"EmbedImages"`    // Store output bytes alongside the URL

		// HTTP
		ApiClientTimeoutSec int    `toml:"ApiClientTimeoutSec"`
		LogApiRequests      bool   `toml:"LogApiRequests"`
		ServeAddr           string `toml:"ServeAddr"`

		// Reference images
		PexelsApiKey string `toml:"PexelsApiKey"`

		// Pack uploads
		S3Bucket        string `toml:"S3Bucket"`
		S3Region        string `toml:"S3Region"`
		S3Endpoint      string `toml:"S3Endpoint"`
		S3PublicBaseURL string `toml:"S3PublicBaseURL"`
	}

	// GenerationRequest holds everything the user configured for one job.
	// It is passed by value once submitted.
	GenerationRequest struct {
		Model          string  `json:"model"`
		Prompt         string  `json:"prompt"`
		NegativePrompt string  `json:"negativePrompt,omitempty"`
		AspectRatio    string  `json:"aspectRatio,omitempty"`
		CustomAspect   bool    `json:"customAspect,omitempty"`
		Width          int     `json:"width,omitempty"`
		Height         int     `json:"height,omitempty"`
		Seed           int64   `json:"seed,omitempty"`
		NumOutputs     int     `json:"numOutputs,omitempty"`
		Steps          int     `json:"steps,omitempty"`
		Guidance       float64 `json:"guidance,omitempty"`
		Scheduler      string  `json:"scheduler,omitempty"`
		OutputFormat   string  `json:"outputFormat,omitempty"`
		OutputQuality  int     `json:"outputQuality,omitempty"`
		PromptStrength float64 `json:"promptStrength,omitempty"`
		SourceImage    string  `json:"sourceImage,omitempty"` // URL or data URI
		MaskImage      string  `json:"maskImage,omitempty"`   // URL or data URI

		// Upscaler
		Scale       int  `json:"scale,omitempty"`
		FaceEnhance bool `json:"faceEnhance,omitempty"`

		// Prompt generation
		SystemPrompt string  `json:"systemPrompt,omitempty"`
		MaxTokens    int     `json:"maxTokens,omitempty"`
		Temperature  float64 `json:"temperature,omitempty"`
	}

	// SubmitBody is the provider-specific payload the proxy forwards to Replicate.
	// Model is "owner/name"; Version, when set, pins a specific model version.
	SubmitBody struct {
		Model   string                 `json:"model,omitempty"`
		Version string                 `json:"version,omitempty"`
		Input   map[string]interface{} `json:"input"`
	}

	// JobHandle identifies one in-flight prediction.
	JobHandle struct {
		ID        string `json:"id"`
		GetURL    string `json:"getUrl"`
		CancelURL string `json:"cancelUrl"`
	}

	PredictionURLs struct {
		Get    string `json:"get"`
		Cancel string `json:"cancel"`
	}

	PredictionMetrics struct {
		PredictTime float64 `json:"predict_time,omitempty"`
		TotalTime   float64 `json:"total_time,omitempty"`
	}

	// Prediction is a Replicate prediction as relayed by the proxy.
	// Output stays raw because providers return either a string or an array.
	Prediction struct {
		ID            string                 `json:"id"`
		Model         string                 `json:"model,omitempty"`
		Version       string                 `json:"version,omitempty"`
		Status        string                 `json:"status"`
		Input         map[string]interface{} `json:"input,omitempty"`
		Output        json.RawMessage        `json:"output,omitempty"`
		Error         interface{}            `json:"error,omitempty"`
		Logs          string                 `json:"logs,omitempty"`
		Metrics       PredictionMetrics      `json:"metrics"`
		URLs          PredictionURLs         `json:"urls"`
		CreatedAt     string                 `json:"created_at,omitempty"`
		StartedAt     string                 `json:"started_at,omitempty"`
		CompletedAt   string                 `json:"completed_at,omitempty"`
		ExtractedSeed *int64                 `json:"extractedSeed,omitempty"`
	}

	// GeneratedImage is one persisted output. Edits never mutate a record; they
	// create a new one pointing back at its origin.
	GeneratedImage struct {
		ID           string            `json:"id"`
		URL          string            `json:"url"`
		Data         string            `json:"data,omitempty"` // base64
		ContentType  string            `json:"contentType,omitempty"`
		Prompt       string            `json:"prompt"`
		Model        string            `json:"model"`
		Seed         int64             `json:"seed"`
		Request      GenerationRequest `json:"request"`
		PredictionID string            `json:"predictionId,omitempty"`
		CreatedAt    time.Time         `json:"createdAt"`
		CroppedFrom  string            `json:"croppedFrom,omitempty"`
		UpscaledFrom string            `json:"upscaledFrom,omitempty"`
	}

	// BucketItem is a favourite kept outside the retention window.
	BucketItem struct {
		ID      string         `json:"id"`
		Image   GeneratedImage `json:"image"`
		AddedAt time.Time      `json:"addedAt"`
	}

	// ImagePackEntry bundles an image with the request that produced it.
	ImagePackEntry struct {
		ID         string            `json:"id"`
		ImageName  string            `json:"imageName"`
		ImageData  string            `json:"imageData"` // base64
		Request    GenerationRequest `json:"request"`
		SourceName string            `json:"sourceName,omitempty"`
		SourceData string            `json:"sourceData,omitempty"`
		MaskName   string            `json:"maskName,omitempty"`
		MaskData   string            `json:"maskData,omitempty"`
		Favorite   bool              `json:"favorite"`
		CreatedAt  time.Time         `json:"createdAt"`
	}

	StatusChange struct {
		Status string    `json:"status"`
		At     time.Time `json:"at"`
	}

	ClientInfo struct {
		Version string `json:"version"`
		OS      string `json:"os"`
		Arch    string `json:"arch"`
	}

	// TelemetryRecord is the flattened lifecycle record of one job.
	TelemetryRecord struct {
		RequestID       string            `json:"requestId"`
		UserHash        string            `json:"userHash"`
		Provider        string            `json:"provider"`
		Model           string            `json:"model"`
		SubmittedAt     time.Time         `json:"submittedAt"`
		CompletedAt     time.Time         `json:"completedAt"`
		DurationMs      int64             `json:"durationMs"`
		StatusChanges   []StatusChange    `json:"statusChanges"`
		Errors          []string          `json:"errors"`
		CancelledByUser bool              `json:"cancelledByUser"`
		FinalStatus     string            `json:"finalStatus"`
		PredictionID    string            `json:"predictionId,omitempty"`
		PredictTime     float64           `json:"predictTime,omitempty"`
		TotalTime       float64           `json:"totalTime,omitempty"`
		Request         GenerationRequest `json:"request"`
		Client          ClientInfo        `json:"client"`
	}
)

// Prediction Status Constants
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// IsTerminal reports whether no further polling should happen for status.
func IsTerminal(status string) bool {
	switch strings.ToLower(status) {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Handle extracts the job handle from a freshly submitted prediction.
func (p *Prediction) Handle() JobHandle {
	return JobHandle{ID: p.ID, GetURL: p.URLs.Get, CancelURL: p.URLs.Cancel}
}

// ErrorText flattens the provider error field, which may be a string or an object.
func (p *Prediction) ErrorText() string {
	switch e := p.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, err := json.Marshal(e)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Bytes decodes the embedded image data.
func (g GeneratedImage) Bytes() ([]byte, error) {
	if g.Data == "" {
		return nil, errors.New("image has no embedded data")
	}
	return base64.StdEncoding.DecodeString(g.Data)
}

// WithoutImages returns a copy of the request with embedded reference images
// replaced by a short marker, for logs and telemetry.
func (r GenerationRequest) WithoutImages() GenerationRequest {
	if strings.HasPrefix(r.SourceImage, "data:") {
		r.SourceImage = "data:(omitted)"
	}
	if strings.HasPrefix(r.MaskImage, "data:") {
		r.MaskImage = "data:(omitted)"
	}
	return r
}
