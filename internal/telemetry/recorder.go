// Package telemetry accumulates one job's lifecycle and flushes it exactly once.
package telemetry

import (
	"context"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"go-replicate-studio/internal/api"
	"go-replicate-studio/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Version is reported in ClientInfo. Set by the CLI at startup.
var Version = "dev"

var authFailurePattern = regexp.MustCompile(`(?i)(unauthori[sz]ed|unauthenticated|invalid (api )?token|authentication|\b401\b)`)

// FlushResult is what the telemetry endpoint answered.
type FlushResult struct {
	ID      int64  `json:"id,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Flusher delivers a finished record.
type Flusher interface {
	Flush(ctx context.Context, rec models.TelemetryRecord) (FlushResult, error)
}

// Recorder is the mutable record of one job. All methods are safe for
// concurrent use. After Finalize the record is frozen and further events are
// dropped.
type Recorder struct {
	mu          sync.Mutex
	rec         models.TelemetryRecord
	authFailure bool
	frozen      bool

	once    sync.Once
	result  FlushResult
	err     error
	flusher Flusher
	now     func() time.Time
}

// NewRecorder opens a record at submission time. userHash must already be the
// salted hash of the credential; the raw credential never reaches this type.
func NewRecorder(flusher Flusher, userHash, provider string, req models.GenerationRequest) *Recorder {
	return newRecorder(flusher, userHash, provider, req, time.Now)
}

func newRecorder(flusher Flusher, userHash, provider string, req models.GenerationRequest, now func() time.Time) *Recorder {
	return &Recorder{
		flusher: flusher,
		now:     now,
		rec: models.TelemetryRecord{
			RequestID:     uuid.NewString(),
			UserHash:      userHash,
			Provider:      provider,
			Model:         req.Model,
			SubmittedAt:   now().UTC(),
			StatusChanges: []models.StatusChange{},
			Errors:        []string{},
			Request:       req.WithoutImages(),
			Client: models.ClientInfo{
				Version: Version,
				OS:      runtime.GOOS,
				Arch:    runtime.GOARCH,
			},
		},
	}
}

// RequestID identifies the job in logs.
func (r *Recorder) RequestID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.RequestID
}

// RecordStatus appends a status change unless it repeats the last one.
func (r *Recorder) RecordStatus(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordStatusLocked(status)
}

func (r *Recorder) recordStatusLocked(status string) {
	if r.frozen || status == "" {
		return
	}
	if n := len(r.rec.StatusChanges); n > 0 && r.rec.StatusChanges[n-1].Status == status {
		return
	}
	r.rec.StatusChanges = append(r.rec.StatusChanges, models.StatusChange{Status: status, At: r.now().UTC()})
}

// RecordPrediction folds a provider response into the record.
func (r *Recorder) RecordPrediction(pred *models.Prediction) {
	if pred == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.recordStatusLocked(strings.ToLower(pred.Status))
	if pred.ID != "" {
		r.rec.PredictionID = pred.ID
	}
	if pred.Metrics.PredictTime > 0 {
		r.rec.PredictTime = pred.Metrics.PredictTime
	}
	if pred.Metrics.TotalTime > 0 {
		r.rec.TotalTime = pred.Metrics.TotalTime
	}
	if msg := pred.ErrorText(); msg != "" {
		r.appendErrorLocked(msg, false)
	}
}

// RecordError appends an error. Cancellation is not an error; use MarkCancelled.
func (r *Recorder) RecordError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.appendErrorLocked(err.Error(), api.IsAuthError(err))
}

func (r *Recorder) appendErrorLocked(msg string, auth bool) {
	r.rec.Errors = append(r.rec.Errors, msg)
	if auth || authFailurePattern.MatchString(msg) {
		r.authFailure = true
	}
}

// MarkCancelled flags the job as stopped by the user.
func (r *Recorder) MarkCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	r.rec.CancelledByUser = true
}

// Snapshot returns a copy of the current record.
func (r *Recorder) Snapshot() models.TelemetryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRecord(r.rec)
}

// Finalize closes the record with finalStatus and flushes it. Only the first
// call has any effect; later calls return the first call's result.
func (r *Recorder) Finalize(ctx context.Context, finalStatus string) (FlushResult, error) {
	r.once.Do(func() {
		r.mu.Lock()
		completed := r.now().UTC()
		r.rec.CompletedAt = completed
		r.rec.DurationMs = completed.Sub(r.rec.SubmittedAt).Milliseconds()
		r.rec.FinalStatus = finalStatus
		if r.rec.CancelledByUser {
			r.rec.FinalStatus = models.StatusCanceled
		}
		r.frozen = true
		rec := cloneRecord(r.rec)
		authFailure := r.authFailure
		r.mu.Unlock()

		fields := log.Fields{"request": rec.RequestID, "status": rec.FinalStatus, "durationMs": rec.DurationMs}
		switch {
		case rec.UserHash == "":
			r.result = FlushResult{Skipped: true, Reason: "no credential hash"}
		case authFailure:
			r.result = FlushResult{Skipped: true, Reason: "authentication failure"}
		case r.flusher == nil:
			r.result = FlushResult{Skipped: true, Reason: "no telemetry endpoint"}
		default:
			r.result, r.err = r.flusher.Flush(ctx, rec)
		}

		if r.err != nil {
			log.WithFields(fields).WithError(r.err).Warn("Telemetry flush failed")
		} else if r.result.Skipped {
			log.WithFields(fields).Infof("Telemetry flush skipped: %s", r.result.Reason)
		} else {
			log.WithFields(fields).Debugf("Telemetry flushed with id %d", r.result.ID)
		}
	})
	return r.result, r.err
}

func cloneRecord(rec models.TelemetryRecord) models.TelemetryRecord {
	rec.StatusChanges = append([]models.StatusChange(nil), rec.StatusChanges...)
	rec.Errors = append([]string(nil), rec.Errors...)
	if rec.StatusChanges == nil {
		rec.StatusChanges = []models.StatusChange{}
	}
	if rec.Errors == nil {
		rec.Errors = []string{}
	}
	return rec
}
