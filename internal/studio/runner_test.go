package studio

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go-replicate-studio/internal/api"
	"go-replicate-studio/internal/models"
	"go-replicate-studio/internal/poller"
	"go-replicate-studio/internal/provider"
	"go-replicate-studio/internal/reconcile"
	"go-replicate-studio/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient answers Get with the scripted predictions in order and then
// repeats the last one.
type scriptedClient struct {
	mu        sync.Mutex
	submitErr error
	submitted []models.SubmitBody
	script    []*models.Prediction
	getErr    error
	gets      int
	cancels   []string
}

func (c *scriptedClient) Submit(ctx context.Context, body models.SubmitBody) (*models.Prediction, models.JobHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, body)
	if c.submitErr != nil {
		return nil, models.JobHandle{}, c.submitErr
	}
	pred := &models.Prediction{
		ID:     "p1",
		Status: models.StatusStarting,
		URLs:   models.PredictionURLs{Get: "https://api/v1/predictions/p1", Cancel: "https://api/v1/predictions/p1/cancel"},
	}
	return pred, pred.Handle(), nil
}

func (c *scriptedClient) Get(ctx context.Context, getURL string) (*models.Prediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, c.getErr
	}
	i := c.gets - 1
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	p := *c.script[i]
	return &p, nil
}

func (c *scriptedClient) Cancel(ctx context.Context, cancelURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, cancelURL)
	return nil
}

func (c *scriptedClient) Gets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

type countingFlusher struct {
	mu      sync.Mutex
	records []models.TelemetryRecord
}

func (f *countingFlusher) Flush(ctx context.Context, rec models.TelemetryRecord) (telemetry.FlushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return telemetry.FlushResult{ID: int64(len(f.records))}, nil
}

func (f *countingFlusher) Records() []models.TelemetryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TelemetryRecord(nil), f.records...)
}

type memSink struct {
	mu     sync.Mutex
	images []models.GeneratedImage
}

func (m *memSink) PutImage(img models.GeneratedImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, img)
	return nil
}

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestRunner(client *scriptedClient, flusher *countingFlusher, sink *memSink) *Runner {
	n := 0
	var mu sync.Mutex
	rec := &reconcile.Reconciler{
		Sink: sink,
		NewID: func(time.Time) string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return "img" + string(rune('0'+n))
		},
	}
	r := NewRunner(client, rec, flusher, "user-hash", time.Millisecond)
	r.Poller.Sleeper = noSleep{}
	return r
}

func pred(status string) *models.Prediction {
	return &models.Prediction{ID: "p1", Status: status}
}

func statuses(rec models.TelemetryRecord) []string {
	out := make([]string, 0, len(rec.StatusChanges))
	for _, c := range rec.StatusChanges {
		out = append(out, c.Status)
	}
	return out
}

func TestGenerateSucceeds(t *testing.T) {
	done := pred(models.StatusSucceeded)
	done.Output = json.RawMessage(`["https://x/img.png"]`)
	done.Logs = "Using seed: 777"
	client := &scriptedClient{script: []*models.Prediction{pred(models.StatusProcessing), done}}
	flusher := &countingFlusher{}
	sink := &memSink{}
	r := newTestRunner(client, flusher, sink)

	var updates []Update
	var mu sync.Mutex
	job, err := r.Generate(context.Background(), models.GenerationRequest{Model: "dev", Prompt: "a cat", Seed: 0}, func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})
	require.NoError(t, err)
	res := job.Wait()

	require.NoError(t, res.Err)
	assert.Equal(t, models.StatusSucceeded, res.Status)
	require.Len(t, res.Images, 1)
	assert.Equal(t, int64(777), res.Images[0].Seed)
	assert.Equal(t, "https://x/img.png", res.Images[0].URL)
	assert.Equal(t, "flux-dev", res.Images[0].Model)
	assert.Len(t, sink.images, 1)

	require.Len(t, client.submitted, 1)
	assert.NotContains(t, client.submitted[0].Input, "seed")

	records := flusher.Records()
	require.Len(t, records, 1)
	assert.Equal(t, []string{"starting", "processing", "succeeded"}, statuses(records[0]))
	assert.Equal(t, models.StatusSucceeded, records[0].FinalStatus)
	assert.Equal(t, "p1", records[0].PredictionID)
	assert.Equal(t, "flux-dev", records[0].Provider)
	assert.False(t, records[0].CancelledByUser)
	assert.Equal(t, int64(1), res.Telemetry.ID)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	assert.Equal(t, models.StatusProcessing, updates[0].Phase, "starting is shown as processing")
	assert.Equal(t, models.StatusSucceeded, updates[len(updates)-1].Phase)
}

func TestCancelMidPoll(t *testing.T) {
	client := &scriptedClient{script: []*models.Prediction{pred(models.StatusProcessing)}}
	flusher := &countingFlusher{}
	r := newTestRunner(client, flusher, &memSink{})
	r.Poller.Sleeper = poller.TimerSleeper

	job, err := r.Generate(context.Background(), models.GenerationRequest{Model: "dev", Prompt: "a cat"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return client.Gets() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, job.Cancel())
	res := job.Wait()

	assert.True(t, errors.Is(res.Err, poller.ErrCanceled))
	assert.Equal(t, models.StatusCanceled, res.Status)
	assert.Empty(t, res.Images)

	gets := client.Gets()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, gets, client.Gets(), "no poll after cancellation")
	assert.Equal(t, []string{"https://api/v1/predictions/p1/cancel"}, client.cancels)

	records := flusher.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].CancelledByUser)
	assert.Equal(t, models.StatusCanceled, records[0].FinalStatus)

	// Cancelling a finished job does nothing.
	require.NoError(t, job.Cancel())
	assert.Len(t, client.cancels, 1)
	assert.Len(t, flusher.Records(), 1)
}

func TestCancelAllThroughGroup(t *testing.T) {
	client := &scriptedClient{script: []*models.Prediction{pred(models.StatusProcessing)}}
	flusher := &countingFlusher{}
	r := newTestRunner(client, flusher, &memSink{})
	r.Poller.Sleeper = poller.TimerSleeper

	job, err := r.Generate(context.Background(), models.GenerationRequest{Model: "schnell", Prompt: "x"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.Gets() >= 1 }, time.Second, time.Millisecond)

	r.CancelAll()
	res := job.Wait()
	assert.Equal(t, models.StatusCanceled, res.Status)
	assert.Equal(t, []string{"https://api/v1/predictions/p1/cancel"}, client.cancels)
	records := flusher.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].CancelledByUser)
	assert.False(t, r.Jobs.Cancel("p1"), "finished jobs leave the group")
	assert.Equal(t, 0, r.Jobs.Len())
}

func TestContextCancelSendsProviderCancel(t *testing.T) {
	client := &scriptedClient{script: []*models.Prediction{pred(models.StatusProcessing)}}
	flusher := &countingFlusher{}
	r := newTestRunner(client, flusher, &memSink{})
	r.Poller.Sleeper = poller.TimerSleeper

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job, err := r.Generate(ctx, models.GenerationRequest{Model: "dev", Prompt: "x"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return client.Gets() >= 1 }, time.Second, time.Millisecond)

	cancel()
	res := job.Wait()
	assert.Equal(t, models.StatusCanceled, res.Status)
	assert.Equal(t, []string{"https://api/v1/predictions/p1/cancel"}, client.cancels)
	records := flusher.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].CancelledByUser)
	assert.Equal(t, models.StatusCanceled, records[0].FinalStatus)
}

// blockingFetcher holds reconciliation open until released.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *blockingFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	f.once.Do(func() { close(f.started) })
	select {
	case <-f.release:
		return []byte("png-bytes"), "image/png", nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func TestCancelDuringReconcileIsIgnored(t *testing.T) {
	done := pred(models.StatusSucceeded)
	done.Output = json.RawMessage(`["https://x/img.png"]`)
	client := &scriptedClient{script: []*models.Prediction{done}}
	flusher := &countingFlusher{}
	sink := &memSink{}
	r := newTestRunner(client, flusher, sink)
	fetcher := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	r.Reconciler.Fetcher = fetcher

	job, err := r.Generate(context.Background(), models.GenerationRequest{Model: "dev", Prompt: "a cat"}, nil)
	require.NoError(t, err)

	select {
	case <-fetcher.started:
	case <-time.After(time.Second):
		t.Fatal("reconcile never fetched the output")
	}
	require.NoError(t, job.Cancel())
	close(fetcher.release)
	res := job.Wait()

	require.NoError(t, res.Err)
	assert.Equal(t, models.StatusSucceeded, res.Status)
	require.Len(t, res.Images, 1)
	assert.NotEmpty(t, res.Images[0].Data, "fetch was not aborted")
	assert.Len(t, sink.images, 1)
	assert.Empty(t, client.cancels)

	records := flusher.Records()
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusSucceeded, records[0].FinalStatus)
	assert.False(t, records[0].CancelledByUser)
}

func TestProviderFailure(t *testing.T) {
	failed := pred(models.StatusFailed)
	failed.Error = "CUDA out of memory"
	client := &scriptedClient{script: []*models.Prediction{failed}}
	flusher := &countingFlusher{}
	sink := &memSink{}
	r := newTestRunner(client, flusher, sink)

	job, err := r.Generate(context.Background(), models.GenerationRequest{Model: "sdxl", Prompt: "x"}, nil)
	require.NoError(t, err)
	res := job.Wait()

	var failure *ProviderFailure
	require.True(t, errors.As(res.Err, &failure))
	assert.Equal(t, "CUDA out of memory", failure.Message)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Empty(t, sink.images)

	records := flusher.Records()
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusFailed, records[0].FinalStatus)
	assert.Contains(t, records[0].Errors, "CUDA out of memory")
}

func TestPollErrorIsTerminal(t *testing.T) {
	client := &scriptedClient{getErr: &api.PollError{StatusCode: 502, Message: "bad gateway"}}
	flusher := &countingFlusher{}
	r := newTestRunner(client, flusher, &memSink{})

	job, err := r.Generate(context.Background(), models.GenerationRequest{Model: "dev", Prompt: "x"}, nil)
	require.NoError(t, err)
	res := job.Wait()

	var pollErr *api.PollError
	assert.True(t, errors.As(res.Err, &pollErr))
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, 1, client.Gets())

	records := flusher.Records()
	require.Len(t, records, 1)
	assert.Len(t, records[0].Errors, 1)
}

func TestSubmissionFailureFlushesOnce(t *testing.T) {
	client := &scriptedClient{submitErr: &api.SubmissionError{StatusCode: 422, Message: "invalid input"}}
	flusher := &countingFlusher{}
	r := newTestRunner(client, flusher, &memSink{})

	job, err := r.Generate(context.Background(), models.GenerationRequest{Model: "dev", Prompt: "x"}, nil)
	assert.Nil(t, job)
	var subErr *api.SubmissionError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, 0, client.Gets())

	records := flusher.Records()
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusFailed, records[0].FinalStatus)
}

func TestAuthFailureSkipsTelemetry(t *testing.T) {
	client := &scriptedClient{submitErr: &api.SubmissionError{StatusCode: 401, Message: "Invalid token.", Err: api.ErrUnauthorized}}
	flusher := &countingFlusher{}
	r := newTestRunner(client, flusher, &memSink{})

	_, err := r.Generate(context.Background(), models.GenerationRequest{Model: "dev", Prompt: "x"}, nil)
	require.Error(t, err)
	assert.Empty(t, flusher.Records())
}

func TestUnknownProviderNeverSubmits(t *testing.T) {
	client := &scriptedClient{}
	flusher := &countingFlusher{}
	r := newTestRunner(client, flusher, &memSink{})

	_, err := r.Generate(context.Background(), models.GenerationRequest{Model: "dall-e", Prompt: "x"}, nil)
	assert.True(t, errors.Is(err, provider.ErrUnknownProvider))
	assert.Empty(t, client.submitted)
	assert.Empty(t, flusher.Records())
}

func TestUpscaleLinksToSource(t *testing.T) {
	done := pred(models.StatusSucceeded)
	done.Output = json.RawMessage(`"https://x/big.png"`)
	client := &scriptedClient{script: []*models.Prediction{done}}
	sink := &memSink{}
	r := newTestRunner(client, &countingFlusher{}, sink)

	src := models.GeneratedImage{ID: "orig", URL: "https://x/small.png", Prompt: "a cat", Seed: 5}
	job, err := r.Upscale(context.Background(), src, 4, true, nil)
	require.NoError(t, err)
	res := job.Wait()
	require.NoError(t, res.Err)
	require.Len(t, res.Images, 1)
	assert.Equal(t, "orig", res.Images[0].UpscaledFrom)
	assert.Equal(t, "upscale", res.Images[0].Model)
	assert.Equal(t, int64(5), res.Images[0].Seed)

	input := client.submitted[0].Input
	assert.Equal(t, "https://x/small.png", input["image"])
	assert.Equal(t, 4, input["scale"])
	assert.Equal(t, true, input["face_enhance"])
}

func TestInspireReturnsText(t *testing.T) {
	done := pred(models.StatusSucceeded)
	done.Output = json.RawMessage(`["A lighthouse ", "in fog"]`)
	client := &scriptedClient{script: []*models.Prediction{done}}
	flusher := &countingFlusher{}
	r := newTestRunner(client, flusher, &memSink{})

	job, err := r.Inspire(context.Background(), "coastal mood", nil)
	require.NoError(t, err)
	res := job.Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, "A lighthouse in fog", res.Text)
	assert.Empty(t, res.Images)
	require.Len(t, flusher.Records(), 1)
	assert.Equal(t, "inspire", flusher.Records()[0].Provider)
}
