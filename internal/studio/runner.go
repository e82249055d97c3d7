// Package studio runs generation jobs end to end: build the provider payload,
// submit, poll, record telemetry and reconcile outputs into the local store.
package studio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go-replicate-studio/internal/helpers"
	"go-replicate-studio/internal/models"
	"go-replicate-studio/internal/poller"
	"go-replicate-studio/internal/provider"
	"go-replicate-studio/internal/reconcile"
	"go-replicate-studio/internal/telemetry"

	log "github.com/sirupsen/logrus"
)

const (
	flushTimeout  = 15 * time.Second
	cancelTimeout = 10 * time.Second
)

// ErrNoReconciler is returned when an image job is started without a store.
var ErrNoReconciler = errors.New("runner has no reconciler configured")

// ProviderFailure is a job the provider reported as failed.
type ProviderFailure struct {
	PredictionID string
	Status       string
	Message      string
}

func (e *ProviderFailure) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no error details"
	}
	return fmt.Sprintf("prediction %s %s: %s", e.PredictionID, e.Status, msg)
}

// Client is the proxy surface a job needs.
type Client interface {
	Submit(ctx context.Context, body models.SubmitBody) (*models.Prediction, models.JobHandle, error)
	Get(ctx context.Context, getURL string) (*models.Prediction, error)
	Cancel(ctx context.Context, cancelURL string) error
}

// Update is sent to the caller on every status check.
type Update struct {
	PredictionID string
	Status       string // raw provider status
	Phase        string // status as shown to the user
	Elapsed      time.Duration
}

// Result is how a job ended.
type Result struct {
	Status     string
	Prediction *models.Prediction
	Images     []models.GeneratedImage // image jobs
	Text       string                  // inspiration jobs
	Telemetry  telemetry.FlushResult
	Err        error
}

// Runner starts jobs. Jobs run concurrently; each owns its token, poll
// session and telemetry record.
type Runner struct {
	Client     Client
	Registry   *provider.Registry
	Poller     *poller.Poller
	Flusher    telemetry.Flusher
	UserHash   string
	Reconciler *reconcile.Reconciler
	Jobs       *poller.Group
}

// NewRunner wires a runner with the default provider registry. userHash is
// the salted credential hash used for telemetry.
func NewRunner(client Client, reconciler *reconcile.Reconciler, flusher telemetry.Flusher, userHash string, interval time.Duration) *Runner {
	p := poller.New(client)
	if interval > 0 {
		p.Interval = interval
	}
	return &Runner{
		Client:     client,
		Registry:   provider.DefaultRegistry(),
		Poller:     p,
		Flusher:    flusher,
		UserHash:   userHash,
		Reconciler: reconciler,
		Jobs:       poller.NewGroup(),
	}
}

// finisher turns a succeeded prediction into the job's result.
type finisher func(ctx context.Context, req models.GenerationRequest, pred *models.Prediction, res *Result) error

// Generate starts an image job.
func (r *Runner) Generate(ctx context.Context, req models.GenerationRequest, observe func(Update)) (*Job, error) {
	if r.Reconciler == nil {
		return nil, ErrNoReconciler
	}
	return r.start(ctx, req, observe, r.imageFinisher(""))
}

// Upscale starts an upscale job for src. The result is a new record pointing
// back at src.
func (r *Runner) Upscale(ctx context.Context, src models.GeneratedImage, scale int, faceEnhance bool, observe func(Update)) (*Job, error) {
	if r.Reconciler == nil {
		return nil, ErrNoReconciler
	}
	image := src.URL
	if src.Data != "" {
		contentType := src.ContentType
		if contentType == "" {
			contentType = "image/png"
		}
		data, err := src.Bytes()
		if err != nil {
			return nil, fmt.Errorf("image %s: %w", src.ID, err)
		}
		image = helpers.EncodeDataURI(data, contentType)
	}
	if image == "" {
		return nil, fmt.Errorf("image %s has neither URL nor data", src.ID)
	}
	req := models.GenerationRequest{
		Model:       "upscale",
		Prompt:      src.Prompt,
		Seed:        src.Seed,
		SourceImage: image,
		Scale:       scale,
		FaceEnhance: faceEnhance,
	}
	return r.start(ctx, req, observe, r.imageFinisher(src.ID))
}

// Inspire asks the language model for a prompt built from hint.
func (r *Runner) Inspire(ctx context.Context, hint string, observe func(Update)) (*Job, error) {
	req := models.GenerationRequest{Model: "inspire", Prompt: hint}
	return r.start(ctx, req, observe, func(ctx context.Context, _ models.GenerationRequest, pred *models.Prediction, res *Result) error {
		text, err := reconcile.OutputText(pred.Output)
		if err != nil {
			return err
		}
		if text == "" {
			return reconcile.ErrNoOutput
		}
		res.Text = text
		return nil
	})
}

func (r *Runner) imageFinisher(upscaledFrom string) finisher {
	return func(ctx context.Context, req models.GenerationRequest, pred *models.Prediction, res *Result) error {
		images, err := r.Reconciler.Apply(ctx, reconcile.Job{
			Prediction:   pred,
			Request:      req,
			Model:        req.Model,
			UpscaledFrom: upscaledFrom,
		})
		res.Images = images
		return err
	}
}

// CancelAll cancels every running job through Job.Cancel, e.g. on SIGINT.
func (r *Runner) CancelAll() {
	r.Jobs.CancelAll()
}

func (r *Runner) start(ctx context.Context, req models.GenerationRequest, observe func(Update), finish finisher) (*Job, error) {
	strategy, body, err := r.Registry.Build(req)
	if err != nil {
		return nil, err
	}
	req.Model = strategy.ID()

	token := poller.NewToken(ctx)
	job := &Job{
		Request:  req,
		Provider: strategy.ID(),
		runner:   r,
		token:    token,
		recorder: telemetry.NewRecorder(r.Flusher, r.UserHash, strategy.ID(), req),
		observe:  observe,
		finish:   finish,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	logger := log.WithFields(log.Fields{"request": job.recorder.RequestID(), "provider": job.Provider})
	logger.Debug("Submitting job")

	pred, handle, err := r.Client.Submit(token.Context(), body)
	if err != nil {
		status := models.StatusFailed
		if token.Canceled() {
			job.recorder.MarkCancelled()
			status = models.StatusCanceled
		} else {
			job.recorder.RecordError(err)
		}
		job.result = Result{Status: status, Err: err}
		job.result.Telemetry, _ = job.flush(status)
		close(job.done)
		token.Cancel()
		return nil, err
	}

	job.PredictionID = pred.ID
	job.handle = handle
	job.recorder.RecordPrediction(pred)
	job.notify(pred)
	r.Jobs.Add(pred.ID, func() { _ = job.Cancel() })
	logger.WithField("prediction", pred.ID).Info("Job submitted")

	session := r.Poller.Start(token, handle, func(p *models.Prediction) {
		job.recorder.RecordPrediction(p)
		job.notify(p)
	})
	go job.complete(session)
	return job, nil
}

// Job is one running generation.
type Job struct {
	PredictionID string
	Provider     string
	Request      models.GenerationRequest

	runner   *Runner
	token    *poller.Token
	handle   models.JobHandle
	recorder *telemetry.Recorder
	observe  func(Update)
	finish   finisher
	started  time.Time

	mu        sync.Mutex
	requested bool // Cancel was called
	finishing bool // polling is over, Cancel is a no-op
	done      chan struct{}
	result    Result
}

// Done is closed once the job has finished and its telemetry was flushed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes.
func (j *Job) Wait() Result {
	<-j.done
	return j.result
}

// Telemetry returns a copy of the job's record.
func (j *Job) Telemetry() models.TelemetryRecord {
	return j.recorder.Snapshot()
}

// Cancel stops polling and asks the provider to cancel the prediction. It is
// a no-op once polling has ended, including while outputs are being
// reconciled.
func (j *Job) Cancel() error {
	j.mu.Lock()
	if j.finishing || j.requested {
		j.mu.Unlock()
		return nil
	}
	j.requested = true
	j.mu.Unlock()

	j.recorder.MarkCancelled()
	j.token.Cancel()
	return j.cancelProvider()
}

// cancelProvider posts the prediction's cancel URL.
func (j *Job) cancelProvider() error {
	if j.handle.CancelURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := j.runner.Client.Cancel(ctx, j.handle.CancelURL); err != nil {
		log.WithError(err).Warnf("Provider did not accept cancellation of %s", j.PredictionID)
		return err
	}
	return nil
}

func (j *Job) notify(pred *models.Prediction) {
	if j.observe == nil || pred == nil {
		return
	}
	status := strings.ToLower(pred.Status)
	j.observe(Update{
		PredictionID: pred.ID,
		Status:       status,
		Phase:        poller.Phase(status),
		Elapsed:      time.Since(j.started),
	})
}

// complete turns the poll outcome into the job result. Telemetry is flushed
// on every path, exactly once.
func (j *Job) complete(session *poller.Session) {
	defer close(j.done)
	defer j.runner.Jobs.Remove(j.PredictionID)
	defer j.token.Cancel()

	outcome := session.Wait()
	j.mu.Lock()
	j.finishing = true
	requested := j.requested
	j.mu.Unlock()
	// Cancel won the race against a terminal status.
	if requested && !outcome.Canceled {
		outcome.Status = models.StatusCanceled
		outcome.Canceled = true
		outcome.Err = poller.ErrCanceled
	}

	res := Result{Status: outcome.Status, Prediction: outcome.Prediction}
	defer func() {
		res.Telemetry, _ = j.flush(res.Status)
		j.result = res
	}()

	switch {
	case outcome.Canceled:
		j.recorder.MarkCancelled()
		res.Err = poller.ErrCanceled
		if !requested {
			// The caller's context ended; Cancel never ran.
			_ = j.cancelProvider()
		}
	case outcome.Err != nil:
		j.recorder.RecordError(outcome.Err)
		res.Err = outcome.Err
	case outcome.Status != models.StatusSucceeded:
		failure := &ProviderFailure{PredictionID: j.PredictionID, Status: outcome.Status}
		if outcome.Prediction != nil {
			failure.Message = outcome.Prediction.ErrorText()
		}
		res.Err = failure
	default:
		if err := j.finish(context.WithoutCancel(j.token.Context()), j.Request, outcome.Prediction, &res); err != nil {
			j.recorder.RecordError(err)
			res.Err = err
		}
	}

	fields := log.Fields{"prediction": j.PredictionID, "status": res.Status, "elapsed": time.Since(j.started).Round(time.Millisecond)}
	if res.Err != nil && !errors.Is(res.Err, poller.ErrCanceled) {
		log.WithFields(fields).WithError(res.Err).Warn("Job finished with error")
	} else {
		log.WithFields(fields).Info("Job finished")
	}
}

func (j *Job) flush(status string) (telemetry.FlushResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	return j.recorder.Finalize(ctx, status)
}
