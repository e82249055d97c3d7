package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-replicate-studio/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource replays statuses in order and counts calls.
type scriptedSource struct {
	mu       sync.Mutex
	statuses []string
	errAt    map[int]error
	calls    int
	onCall   func(call int)
}

func (s *scriptedSource) Get(ctx context.Context, getURL string) (*models.Prediction, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.onCall != nil {
		s.onCall(call)
	}
	if err, ok := s.errAt[call]; ok {
		return nil, err
	}
	idx := call - 1
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	return &models.Prediction{ID: "p1", Status: s.statuses[idx]}, nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeSleeper records requested delays without waiting.
type fakeSleeper struct {
	mu      sync.Mutex
	delays  []time.Duration
	onSleep func(n int)
}

func (f *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	n := len(f.delays)
	f.mu.Unlock()
	if f.onSleep != nil {
		f.onSleep(n)
	}
	return ctx.Err()
}

var handle = models.JobHandle{ID: "p1", GetURL: "https://api.replicate.com/v1/predictions/p1"}

func TestRunReachesTerminalStates(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []string
		wantStatus string
		wantTicks  int
	}{
		{"succeeded", []string{"starting", "processing", "succeeded"}, models.StatusSucceeded, 3},
		{"failed", []string{"starting", "failed"}, models.StatusFailed, 2},
		{"provider canceled", []string{"canceled"}, models.StatusCanceled, 1},
		{"upper case terminal", []string{"processing", "SUCCEEDED"}, models.StatusSucceeded, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedSource{statuses: tt.statuses}
			sleeper := &fakeSleeper{}
			p := &Poller{Source: src, Interval: 2 * time.Second, Sleeper: sleeper}

			var seen []string
			out := p.Run(NewToken(context.Background()), handle, func(pred *models.Prediction) {
				seen = append(seen, pred.Status)
			})

			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantTicks, out.Ticks)
			assert.Equal(t, tt.statuses, seen)
			assert.False(t, out.Canceled)
			assert.Len(t, sleeper.delays, tt.wantTicks-1)
			for _, d := range sleeper.delays {
				assert.Equal(t, 2*time.Second, d)
			}
		})
	}
}

func TestPollErrorIsTerminal(t *testing.T) {
	boom := errors.New("connection reset")
	src := &scriptedSource{statuses: []string{"starting"}, errAt: map[int]error{2: boom}}
	p := &Poller{Source: src, Sleeper: &fakeSleeper{}}

	out := p.Run(NewToken(context.Background()), handle, nil)

	assert.Equal(t, models.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, boom)
	assert.False(t, out.Canceled)
	assert.Equal(t, 2, src.Calls())
	require.NotNil(t, out.Prediction)
	assert.Equal(t, "starting", out.Prediction.Status)
}

func TestCancelDuringWaitStopsPolling(t *testing.T) {
	src := &scriptedSource{statuses: []string{"starting", "processing"}}
	token := NewToken(context.Background())
	sleeper := &fakeSleeper{onSleep: func(n int) {
		if n == 2 {
			token.Cancel()
		}
	}}
	p := &Poller{Source: src, Sleeper: sleeper}

	out := p.Run(token, handle, nil)

	assert.Equal(t, models.StatusCanceled, out.Status)
	assert.True(t, out.Canceled)
	assert.ErrorIs(t, out.Err, ErrCanceled)
	assert.Equal(t, 2, src.Calls(), "no request may be made after cancellation")
}

func TestInFlightTickAfterCancelIsObservedButNotRescheduled(t *testing.T) {
	token := NewToken(context.Background())
	src := &scriptedSource{statuses: []string{"processing"}, onCall: func(call int) {
		// The user cancels while this request is on the wire.
		token.Cancel()
	}}
	sleeper := &fakeSleeper{}
	p := &Poller{Source: src, Sleeper: sleeper}

	var observed int
	out := p.Run(token, handle, func(pred *models.Prediction) { observed++ })

	assert.Equal(t, 1, observed)
	assert.Equal(t, 1, src.Calls())
	assert.Empty(t, sleeper.delays)
	assert.True(t, out.Canceled)
	require.NotNil(t, out.Prediction)
	assert.Equal(t, "processing", out.Prediction.Status)
}

func TestCanceledBeforeFirstTick(t *testing.T) {
	src := &scriptedSource{statuses: []string{"starting"}}
	token := NewToken(context.Background())
	token.Cancel()

	out := (&Poller{Source: src, Sleeper: &fakeSleeper{}}).Run(token, handle, nil)
	assert.True(t, out.Canceled)
	assert.Equal(t, 0, src.Calls())
}

func TestAbortedRequestCountsAsCancel(t *testing.T) {
	src := &scriptedSource{statuses: []string{"starting"}, errAt: map[int]error{1: context.Canceled}}
	out := (&Poller{Source: src, Sleeper: &fakeSleeper{}}).Run(NewToken(context.Background()), handle, nil)
	assert.True(t, out.Canceled)
	assert.Equal(t, models.StatusCanceled, out.Status)
}

func TestDecide(t *testing.T) {
	pred := func(s string) *models.Prediction { return &models.Prediction{Status: s} }
	boom := errors.New("boom")

	tests := []struct {
		name       string
		pred       *models.Prediction
		err        error
		canceled   bool
		wantStep   step
		wantStatus string
	}{
		{"starting reschedules", pred("starting"), nil, false, reschedule, ""},
		{"processing reschedules", pred("processing"), nil, false, reschedule, ""},
		{"unknown status reschedules", pred("queued"), nil, false, reschedule, ""},
		{"succeeded finishes", pred("succeeded"), nil, false, finish, models.StatusSucceeded},
		{"failed finishes", pred("failed"), nil, false, finish, models.StatusFailed},
		{"cancel never reschedules", pred("processing"), nil, true, finish, models.StatusCanceled},
		{"cancel wins over late success", pred("succeeded"), nil, true, finish, models.StatusCanceled},
		{"error is terminal", nil, boom, false, finish, models.StatusFailed},
		{"error after cancel is a cancel", nil, boom, true, finish, models.StatusCanceled},
		{"nil prediction fails", nil, nil, false, finish, models.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, out := decide(tt.pred, tt.err, tt.canceled)
			assert.Equal(t, tt.wantStep, got)
			assert.Equal(t, tt.wantStatus, out.Status)
		})
	}
}

func TestPhaseCollapsesNonTerminal(t *testing.T) {
	assert.Equal(t, PhaseProcessing, Phase("starting"))
	assert.Equal(t, PhaseProcessing, Phase("processing"))
	assert.Equal(t, models.StatusSucceeded, Phase("Succeeded"))
	assert.Equal(t, models.StatusCanceled, Phase("canceled"))
}

func TestStartRunsInBackground(t *testing.T) {
	src := &scriptedSource{statuses: []string{"starting", "succeeded"}}
	s := (&Poller{Source: src, Sleeper: &fakeSleeper{}}).Start(NewToken(context.Background()), handle, nil)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	assert.Equal(t, models.StatusSucceeded, s.Wait().Status)
}

func TestTimerSleeperReturnsOnCancel(t *testing.T) {
	token := NewToken(context.Background())
	token.Cancel()
	start := time.Now()
	err := TimerSleeper.Sleep(token.Context(), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGroupCancel(t *testing.T) {
	g := NewGroup()
	a, b := NewToken(context.Background()), NewToken(context.Background())
	g.Add("a", a.Cancel)
	g.Add("b", b.Cancel)
	assert.Equal(t, 2, g.Len())

	assert.True(t, g.Cancel("a"))
	assert.True(t, a.Canceled())
	assert.False(t, b.Canceled())
	assert.False(t, g.Cancel("missing"))

	g.Remove("a")
	g.CancelAll()
	assert.True(t, b.Canceled())
	assert.Equal(t, 1, g.Len())
}

func TestGroupCancelAllMayReenter(t *testing.T) {
	g := NewGroup()
	var calls []string
	for _, id := range []string{"a", "b"} {
		id := id
		g.Add(id, func() {
			calls = append(calls, id)
			g.Remove(id)
		})
	}

	g.CancelAll()
	assert.ElementsMatch(t, []string{"a", "b"}, calls)
	assert.Equal(t, 0, g.Len())
}
