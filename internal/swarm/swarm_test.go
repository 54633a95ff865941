package swarm

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/swarm-pool/internal/driver"
	"github.com/ChuLiYu/swarm-pool/internal/limiter"
	"github.com/ChuLiYu/swarm-pool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeFactory struct {
	created atomic.Int32
	closed  atomic.Int32
	live    atomic.Int32
	peak    atomic.Int32
	missing bool // drivers never find an element
}

func (f *fakeFactory) NewDriver(ctx context.Context) (driver.Driver, error) {
	f.created.Add(1)
	n := f.live.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &fakeDriver{f: f}, nil
}

type fakeDriver struct {
	f      *fakeFactory
	closed atomic.Bool
}

func (d *fakeDriver) Open(ctx context.Context, url string) error { return ctx.Err() }

func (d *fakeDriver) WaitClickable(ctx context.Context, selector string, timeout time.Duration) (driver.Element, error) {
	if d.f.missing {
		return nil, errors.New("no such element")
	}
	return selector, nil
}

func (d *fakeDriver) TypeAndSubmit(ctx context.Context, el driver.Element, text string) error {
	return nil
}

func (d *fakeDriver) Click(ctx context.Context, el driver.Element) error { return nil }
func (d *fakeDriver) CurrentURL() string                                 { return "about:blank" }
func (d *fakeDriver) PageText(ctx context.Context) (string, error)      { return "welcome", nil }
func (d *fakeDriver) Screenshot(ctx context.Context) ([]byte, error)    { return []byte("png"), nil }

func (d *fakeDriver) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		d.f.live.Add(-1)
		d.f.closed.Add(1)
	}
	return nil
}

// outcomeStep fails for the listed workers after an optional random delay
func outcomeStep(fail map[types.WorkerID]bool, maxDelay time.Duration) Step {
	return Step{Stage: "join", Run: func(ctx context.Context, s *Session) error {
		if maxDelay > 0 {
			select {
			case <-time.After(time.Duration(rand.Int63n(int64(maxDelay)))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if fail[s.Worker] {
			return &driver.StepError{Stage: "join", Err: errors.New("room full")}
		}
		return nil
	}}
}

// gatedStep is outcomeStep where succeeding workers wait until every listed
// worker has failed, so no failing worker can be skipped by an early target.
func gatedStep(fail map[types.WorkerID]bool, maxDelay time.Duration) Step {
	gate := make(chan struct{})
	var failed atomic.Int32
	inner := outcomeStep(fail, maxDelay)

	return Step{Stage: "join", Run: func(ctx context.Context, s *Session) error {
		if fail[s.Worker] {
			err := inner.Run(ctx, s)
			if int(failed.Add(1)) == len(fail) {
				close(gate)
			}
			return err
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return inner.Run(ctx, s)
	}}
}

func newTestOrchestrator(capacity int, stagger time.Duration, f driver.Factory) (*Orchestrator, *limiter.Limiter) {
	cfg := DefaultConfig()
	cfg.Stagger = stagger
	cfg.Wait = driver.WaitPolicy{Timeout: 10 * time.Millisecond, Retries: 2, Pause: time.Millisecond}
	l := limiter.New(capacity)
	return New(cfg, l, f, nil), l
}

func waitSettled(t *testing.T, r *Run) {
	t.Helper()
	select {
	case <-r.Settled():
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not settle: %v", r.Status().Counts)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestTotalAttempts(t *testing.T) {
	tests := []struct {
		target int
		policy BufferPolicy
		want   int
	}{
		{1, DefaultBufferPolicy(), 4},
		{2, DefaultBufferPolicy(), 5},
		{6, DefaultBufferPolicy(), 9},
		{7, DefaultBufferPolicy(), 11},
		{10, DefaultBufferPolicy(), 15},
		{0, DefaultBufferPolicy(), 0},
		{1, NoBuffer(), 1},
		{4, BufferPolicy{Min: 1, Ratio: 1}, 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TotalAttempts(tt.target, tt.policy), "target=%d policy=%+v", tt.target, tt.policy)
	}
}

func TestStartValidation(t *testing.T) {
	o, _ := newTestOrchestrator(5, 0, &fakeFactory{})

	_, err := o.Start(context.Background(), Request{Target: 0, Sequence: []Step{OpenStep("open", "x")}})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = o.Start(context.Background(), Request{Target: 1})
	assert.ErrorIs(t, err, ErrEmptySequence)
}

func TestTargetWithBuffer(t *testing.T) {
	f := &fakeFactory{}
	o, l := newTestOrchestrator(20, 0, f)

	fail := map[types.WorkerID]bool{2: true, 5: true, 8: true, 11: true, 14: true}
	r, err := o.Start(context.Background(), Request{Target: 10, Sequence: []Step{gatedStep(fail, 0)}})
	require.NoError(t, err)
	assert.Equal(t, 15, r.TotalAttempts())

	waitSettled(t, r)

	st := r.Status()
	assert.Equal(t, 10, st.Successes)
	assert.Equal(t, 10, st.Parked)
	assert.Equal(t, 10, st.Counts[types.StatusSucceeded])
	assert.Equal(t, 5, st.Counts[types.StatusFailed])
	assert.Equal(t, 0, st.Counts[types.StatusSkipped])
	assert.Len(t, st.Workers, 15)
	assert.Equal(t, "join: room full", st.Workers[2].Detail)
	assert.Equal(t, 10, l.InUse(), "parked workers keep their slots")
	assert.Equal(t, 10, st.Sessions)

	r.Stop()
	assert.Equal(t, 0, l.InUse())
	assert.Equal(t, 0, r.Status().Parked)
	assert.Equal(t, f.created.Load(), f.closed.Load(), "every session closed exactly once")
	assert.True(t, r.Status().Stopped)
}

func TestSuccessCounterNeverExceedsTarget(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := &fakeFactory{}
		o, l := newTestOrchestrator(10, 0, f)

		r, err := o.Start(context.Background(), Request{
			Target:   5,
			Sequence: []Step{gatedStep(map[types.WorkerID]bool{1: true}, 5*time.Millisecond)},
		})
		require.NoError(t, err)
		waitSettled(t, r)

		st := r.Status()
		assert.Equal(t, 5, st.Successes)
		assert.Equal(t, 5, st.Counts[types.StatusSucceeded])
		assert.Equal(t, 1, st.Counts[types.StatusFailed])
		assert.Equal(t, 2, st.Counts[types.StatusSkipped])
		for id, ws := range st.Workers {
			if ws.Kind == types.StatusSkipped {
				_, live := r.tracker.Lookup(id)
				assert.False(t, live, "skipped worker %d keeps no session", id)
			}
		}

		r.Stop()
		assert.Equal(t, 0, l.InUse())
	}
}

func TestTargetEqualsCapacitySettles(t *testing.T) {
	f := &fakeFactory{}
	o, l := newTestOrchestrator(5, 0, f)

	// 成功的 worker 佔滿所有 slot，排隊中的 buffer worker 必須結束
	r, err := o.Start(context.Background(), Request{Target: 5, Sequence: []Step{outcomeStep(nil, 20*time.Millisecond)}})
	require.NoError(t, err)
	require.Equal(t, 8, r.TotalAttempts())

	select {
	case <-r.Settled():
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not settle: %v", r.Status().Counts)
	}

	st := r.Status()
	assert.Equal(t, 5, st.Counts[types.StatusSucceeded])
	assert.Equal(t, 3, st.Counts[types.StatusSkipped])
	for id, ws := range st.Workers {
		if ws.Kind == types.StatusSkipped {
			assert.Equal(t, reasonTargetReached, ws.Detail, "worker %d", id)
		}
	}
	assert.Equal(t, 5, l.InUse())
	assert.Equal(t, 5, st.Sessions)
	assert.Equal(t, int32(5), f.created.Load(), "queued workers never build a driver")

	r.Stop()
	assert.Equal(t, 0, l.InUse())
	assert.Equal(t, 0, r.Status().Sessions)
}

func TestSkipBeforeLaunchWhenTargetReached(t *testing.T) {
	f := &fakeFactory{}
	o, _ := newTestOrchestrator(10, 50*time.Millisecond, f)

	r, err := o.Start(context.Background(), Request{
		Target:   2,
		Buffer:   &BufferPolicy{Min: 3},
		Sequence: []Step{outcomeStep(nil, 0)},
	})
	require.NoError(t, err)
	defer r.Stop()

	waitSettled(t, r)

	st := r.Status()
	assert.Equal(t, 2, st.Successes)
	assert.Equal(t, 3, st.Counts[types.StatusSkipped])
	assert.Equal(t, int32(2), f.created.Load(), "skipped workers never build a driver")
	assert.Equal(t, reasonTargetReached, st.Workers[5].Detail)
}

func TestLimiterCapsLiveSessions(t *testing.T) {
	f := &fakeFactory{}
	o, l := newTestOrchestrator(3, 0, f)

	fail := map[types.WorkerID]bool{1: true, 2: true, 3: true}
	r, err := o.Start(context.Background(), Request{
		Target:   2,
		Sequence: []Step{outcomeStep(fail, 5*time.Millisecond)},
	})
	require.NoError(t, err)

	waitSettled(t, r)
	assert.LessOrEqual(t, f.peak.Load(), int32(3))
	assert.Equal(t, 2, r.Successes())

	r.Stop()
	assert.Equal(t, 0, l.InUse())
}

func TestStopSkipsUndispatchedWorkers(t *testing.T) {
	f := &fakeFactory{}
	o, l := newTestOrchestrator(5, time.Hour, f)

	r, err := o.Start(context.Background(), Request{Target: 1, Sequence: []Step{outcomeStep(nil, 0)}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.Successes() == 1 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()
	waitSettled(t, r)

	st := r.Status()
	for id := types.WorkerID(2); id <= 4; id++ {
		assert.Equal(t, types.Skipped(reasonRunStopped).Kind, st.Workers[id].Kind)
		assert.Equal(t, reasonRunStopped, st.Workers[id].Detail)
	}
	assert.Equal(t, 0, l.InUse())
}

func TestStepFailureCarriesReason(t *testing.T) {
	f := &fakeFactory{missing: true}
	o, l := newTestOrchestrator(5, 0, f)

	r, err := o.Start(context.Background(), Request{
		Target:   1,
		Buffer:   func() *BufferPolicy { p := NoBuffer(); return &p }(),
		Sequence: JoinSequence(JoinPage{URL: "https://example.test", CodeSelector: "#code", JoinSelector: "#go", NameSelector: "#name"}, "1234"),
	})
	require.NoError(t, err)
	waitSettled(t, r)

	ws := r.Status().Workers[1]
	assert.Equal(t, types.StatusFailed, ws.Kind)
	assert.Contains(t, ws.Detail, "not_interactable")
	assert.Contains(t, ws.Detail, "#code")
	assert.Equal(t, 0, l.InUse(), "failed worker releases its slot")
	assert.Equal(t, int32(1), f.closed.Load())
}

func TestScreenshot(t *testing.T) {
	f := &fakeFactory{}
	o, _ := newTestOrchestrator(5, 0, f)

	r, err := o.Start(context.Background(), Request{
		Target:   1,
		Prefix:   "guest",
		Sequence: []Step{outcomeStep(map[types.WorkerID]bool{2: true}, 0)},
	})
	require.NoError(t, err)
	defer r.Stop()
	waitSettled(t, r)

	var winner types.WorkerID
	for id, ws := range r.Status().Workers {
		if ws.Kind == types.StatusSucceeded {
			winner = id
			assert.Regexp(t, `^guest[0-9a-f]{8}$`, ws.Detail)
		}
	}
	require.NotZero(t, winner)

	png, err := r.Screenshot(context.Background(), winner)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), png)

	_, err = r.Screenshot(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestParentCancelEndsRun(t *testing.T) {
	f := &fakeFactory{}
	o, l := newTestOrchestrator(5, 0, f)

	ctx, cancel := context.WithCancel(context.Background())
	r, err := o.Start(ctx, Request{Target: 2, Sequence: []Step{outcomeStep(nil, 0)}})
	require.NoError(t, err)
	waitSettled(t, r)

	cancel()
	r.Stop()
	assert.Equal(t, 0, l.InUse())
	assert.Equal(t, f.created.Load(), f.closed.Load())
}
