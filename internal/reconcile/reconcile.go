// Package reconcile turns a succeeded prediction into stored GeneratedImage records.
package reconcile

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go-replicate-studio/internal/models"

	log "github.com/sirupsen/logrus"
)

// SeedPattern matches the seed line providers print in their logs.
var SeedPattern = regexp.MustCompile(`Using seed: (\d+)`)

// ErrNoOutput is returned when a succeeded prediction carries no usable output.
var ErrNoOutput = errors.New("prediction has no output")

// ExtractSeed returns the first seed printed in logs.
func ExtractSeed(logs string) (int64, bool) {
	m := SeedPattern.FindStringSubmatch(logs)
	if m == nil {
		return 0, false
	}
	seed, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return seed, true
}

// OutputURLs normalises an output that may be a single string or an array.
func OutputURLs(raw json.RawMessage) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("unexpected output shape: %w", err)
	}
	urls := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			urls = append(urls, s)
		}
	}
	return urls, nil
}

// OutputText joins a language model's streamed token array (or single string)
// into one string.
func OutputText(raw json.RawMessage) (string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return strings.TrimSpace(single), nil
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unexpected output shape: %w", err)
	}
	return strings.TrimSpace(strings.Join(parts, "")), nil
}

// ResolveSeed picks the seed actually used: the proxy's extracted seed, then
// the seed in the logs, then the seed echoed in the input, then the request's.
func ResolveSeed(pred *models.Prediction, req models.GenerationRequest) int64 {
	if pred.ExtractedSeed != nil {
		return *pred.ExtractedSeed
	}
	if seed, ok := ExtractSeed(pred.Logs); ok {
		return seed
	}
	if seed, ok := inputSeed(pred.Input); ok {
		return seed
	}
	return req.Seed
}

func inputSeed(input map[string]interface{}) (int64, bool) {
	switch v := input["seed"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Fetcher retrieves output bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// ImageSink receives new records. It must append, never replace.
type ImageSink interface {
	PutImage(img models.GeneratedImage) error
}

// Job is one finished prediction plus the request that produced it.
type Job struct {
	Prediction   *models.Prediction
	Request      models.GenerationRequest
	Model        string // provider id recorded on each image
	UpscaledFrom string
}

// Reconciler builds and stores GeneratedImage records.
type Reconciler struct {
	Sink    ImageSink
	Fetcher Fetcher                          // optional; embeds bytes when set
	Index   func(models.GeneratedImage) error // optional
	NewID   func(t time.Time) string
	Now     func() time.Time
}

// Build constructs one record per output without storing anything. Missing
// optional metadata never fails the build; failed fetches keep the URL only.
func (r *Reconciler) Build(ctx context.Context, job Job) ([]models.GeneratedImage, error) {
	pred := job.Prediction
	if pred == nil {
		return nil, ErrNoOutput
	}
	urls, err := OutputURLs(pred.Output)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, ErrNoOutput
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	created := now().UTC()
	seed := ResolveSeed(pred, job.Request)
	model := job.Model
	if model == "" {
		model = job.Request.Model
	}

	images := make([]models.GeneratedImage, len(urls))
	for i, url := range urls {
		id := fmt.Sprintf("%d%03d", created.UnixMilli(), i)
		if r.NewID != nil {
			id = r.NewID(created)
		}
		images[i] = models.GeneratedImage{
			ID:           id,
			URL:          url,
			Prompt:       job.Request.Prompt,
			Model:        model,
			Seed:         seed,
			Request:      job.Request,
			PredictionID: pred.ID,
			CreatedAt:    created,
			UpscaledFrom: job.UpscaledFrom,
		}
	}

	if r.Fetcher != nil {
		r.embed(ctx, images)
	}
	return images, nil
}

// embed fetches every output at once.
func (r *Reconciler) embed(ctx context.Context, images []models.GeneratedImage) {
	var wg sync.WaitGroup
	for i := range images {
		wg.Add(1)
		go func(img *models.GeneratedImage) {
			defer wg.Done()
			data, contentType, err := r.Fetcher.Fetch(ctx, img.URL)
			if err != nil {
				log.WithError(err).Warnf("Could not fetch output %s, keeping URL only", img.URL)
				return
			}
			img.Data = base64.StdEncoding.EncodeToString(data)
			img.ContentType = contentType
		}(&images[i])
	}
	wg.Wait()
}

// Apply builds the records, appends them to the sink and indexes them.
// Records already stored stay stored if a later one fails.
func (r *Reconciler) Apply(ctx context.Context, job Job) ([]models.GeneratedImage, error) {
	images, err := r.Build(ctx, job)
	if err != nil {
		return nil, err
	}
	stored := make([]models.GeneratedImage, 0, len(images))
	for _, img := range images {
		if err := r.Sink.PutImage(img); err != nil {
			return stored, fmt.Errorf("storing image %s: %w", img.ID, err)
		}
		stored = append(stored, img)
		if r.Index != nil {
			if err := r.Index(img); err != nil {
				log.WithError(err).Warnf("Failed to index image %s", img.ID)
			}
		}
	}
	log.WithFields(log.Fields{"prediction": job.Prediction.ID, "images": len(stored)}).Debug("Reconciled outputs")
	return stored, nil
}
