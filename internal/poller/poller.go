// Package poller drives a submitted prediction to a terminal state with a
// fixed-interval status loop and a per-job cancellation token.
package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go-replicate-studio/internal/models"

	log "github.com/sirupsen/logrus"
)

// DefaultInterval is the delay between status checks.
const DefaultInterval = 2 * time.Second

// ErrCanceled marks an outcome caused by the job's token rather than the provider.
var ErrCanceled = errors.New("job canceled")

// PhaseProcessing is what every non-terminal status collapses to for display.
const PhaseProcessing = models.StatusProcessing

// Phase collapses provider statuses for display: terminal statuses pass
// through, everything else reads as "processing".
func Phase(status string) string {
	status = strings.ToLower(status)
	if models.IsTerminal(status) {
		return status
	}
	return PhaseProcessing
}

// StatusSource fetches the current state of a prediction.
type StatusSource interface {
	Get(ctx context.Context, getURL string) (*models.Prediction, error)
}

// Sleeper waits between ticks. Sleep returns early with ctx.Err() when ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TimerSleeper is the real-time Sleeper.
var TimerSleeper Sleeper = timerSleeper{}

// Token is one job's cancellation flag. It is safe for concurrent use and its
// Context is handed to every request the job makes.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewToken derives a token from parent. Cancelling parent cancels the token.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel sets the flag. Calling it more than once is harmless.
func (t *Token) Cancel() { t.cancel() }

// Canceled reports whether Cancel was called or the parent context ended.
func (t *Token) Canceled() bool { return t.ctx.Err() != nil }

// Done is closed once the token is cancelled.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Context carries the abort signal into HTTP calls.
func (t *Token) Context() context.Context { return t.ctx }

// Observer sees every prediction a tick returns, including one that arrives
// after cancellation.
type Observer func(pred *models.Prediction)

// Outcome is how a polling session ended.
type Outcome struct {
	Status     string             // succeeded, failed or canceled
	Prediction *models.Prediction // last prediction seen, nil if none
	Err        error              // poll error, or ErrCanceled
	Canceled   bool
	Ticks      int
}

// Poller runs status loops. The zero value is not usable; use New.
type Poller struct {
	Source   StatusSource
	Interval time.Duration
	Sleeper  Sleeper
}

// New returns a Poller with the default interval and a real timer.
func New(source StatusSource) *Poller {
	return &Poller{Source: source, Interval: DefaultInterval, Sleeper: TimerSleeper}
}

// Session is a running poll loop.
type Session struct {
	done    chan struct{}
	outcome Outcome
}

// Done is closed when the loop has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the loop stops and returns its outcome.
func (s *Session) Wait() Outcome {
	<-s.done
	return s.outcome
}

// Start runs the loop on its own goroutine so the caller stays responsive.
func (p *Poller) Start(token *Token, handle models.JobHandle, observe Observer) *Session {
	s := &Session{done: make(chan struct{})}
	go func() {
		defer close(s.done)
		s.outcome = p.Run(token, handle, observe)
	}()
	return s
}

// Run polls until a terminal status, a poll error or cancellation.
// Ticks for one job never overlap.
func (p *Poller) Run(token *Token, handle models.JobHandle, observe Observer) Outcome {
	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = TimerSleeper
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	var last *models.Prediction
	ticks := 0
	for {
		if token.Canceled() {
			return canceledOutcome(last, ticks)
		}

		pred, err := p.Source.Get(token.Context(), handle.GetURL)
		ticks++
		if pred != nil {
			last = pred
			if observe != nil {
				observe(pred)
			}
		}

		next, out := decide(pred, err, token.Canceled())
		if next == finish {
			if out.Prediction == nil {
				out.Prediction = last
			}
			out.Ticks = ticks
			log.WithFields(log.Fields{"prediction": handle.ID, "status": out.Status, "ticks": ticks}).Debug("Polling finished")
			return out
		}

		if err := sleeper.Sleep(token.Context(), interval); err != nil {
			return canceledOutcome(last, ticks)
		}
	}
}

type step int

const (
	reschedule step = iota
	finish
)

// decide maps one tick's result onto the next step. It performs no I/O.
// Once cancellation is requested it never reschedules.
func decide(pred *models.Prediction, err error, canceled bool) (step, Outcome) {
	switch {
	case err != nil && (canceled || errors.Is(err, context.Canceled)):
		return finish, Outcome{Status: models.StatusCanceled, Canceled: true, Err: ErrCanceled}
	case err != nil:
		return finish, Outcome{Status: models.StatusFailed, Err: err}
	case pred == nil:
		return finish, Outcome{Status: models.StatusFailed, Err: errors.New("empty status response")}
	case canceled:
		return finish, Outcome{Status: models.StatusCanceled, Canceled: true, Err: ErrCanceled, Prediction: pred}
	case models.IsTerminal(pred.Status):
		return finish, Outcome{Status: strings.ToLower(pred.Status), Prediction: pred}
	default:
		return reschedule, Outcome{}
	}
}

func canceledOutcome(last *models.Prediction, ticks int) Outcome {
	return Outcome{Status: models.StatusCanceled, Canceled: true, Err: ErrCanceled, Prediction: last, Ticks: ticks}
}

// CancelFunc stops one job. For studio jobs it also asks the provider to
// cancel the prediction.
type CancelFunc func()

// Group tracks the cancel functions of several concurrent jobs, keyed by
// prediction id.
type Group struct {
	mu      sync.Mutex
	cancels map[string]CancelFunc
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{cancels: make(map[string]CancelFunc)}
}

// Add registers a job's cancel function.
func (g *Group) Add(id string, cancel CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels[id] = cancel
}

// Remove forgets a finished job.
func (g *Group) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cancels, id)
}

// Len is the number of tracked jobs.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancels)
}

// Cancel cancels one job and reports whether it was known.
func (g *Group) Cancel(id string) bool {
	g.mu.Lock()
	cancel, ok := g.cancels[id]
	g.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every tracked job. The cancel functions run outside the
// lock since they may block on a provider request.
func (g *Group) CancelAll() {
	g.mu.Lock()
	cancels := make([]CancelFunc, 0, len(g.cancels))
	for _, cancel := range g.cancels {
		cancels = append(cancels, cancel)
	}
	g.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
