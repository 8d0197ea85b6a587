package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/tickset/runtime/tick"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockTickable struct {
	mock.Mock
}

func (m *mockTickable) Tick() bool {
	args := m.Called()
	return args.Bool(0)
}

func TestTickAdvancesTickablesInOrder(t *testing.T) {
	exec := New()
	var order []string
	exec.Add(tick.Func(func() bool { order = append(order, "a"); return true }))
	exec.Add(tick.Func(func() bool { order = append(order, "b"); return true }))

	require.NoError(t, exec.Tick())
	require.NoError(t, exec.Tick())
	require.Equal(t, []string{"a", "b", "a", "b"}, order)
}

func TestNotLiveTickableDoesNotStopIteration(t *testing.T) {
	exec := New()
	dead := &mockTickable{}
	dead.On("Tick").Return(false).Twice()
	live := &mockTickable{}
	live.On("Tick").Return(true).Twice()

	exec.Add(dead)
	exec.Add(live)

	require.NoError(t, exec.Tick())
	require.NoError(t, exec.Tick())

	dead.AssertExpectations(t)
	live.AssertExpectations(t)
	require.Equal(t, 1, exec.Metrics().LastNotLive)
}

func TestAddDoesNotDeduplicate(t *testing.T) {
	exec := New()
	calls := 0
	tickable := tick.Func(func() bool { calls++; return true })
	exec.Add(tickable)
	exec.Add(tickable)
	exec.Add(nil)

	require.NoError(t, exec.Tick())
	require.Equal(t, 2, calls)
}

func TestRepeatFiresAfterFirstPeriod(t *testing.T) {
	clock := newFakeClock()
	exec := New(WithClock(clock.Now))
	fired := 0
	exec.OnRepeat(2*time.Second, func() { fired++ })

	clock.Advance(1999 * time.Millisecond)
	require.NoError(t, exec.Tick())
	require.Equal(t, 0, fired)

	clock.Advance(time.Millisecond)
	require.NoError(t, exec.Tick())
	require.Equal(t, 1, fired)

	require.NoError(t, exec.Tick())
	require.Equal(t, 1, fired)
}

func TestRepeatSkipsMissedPeriods(t *testing.T) {
	clock := newFakeClock()
	exec := New(WithClock(clock.Now))
	fired := 0
	exec.OnRepeat(time.Second, func() { fired++ })

	// stalled until 3P: one invocation, next deadline 4P
	clock.Advance(3 * time.Second)
	require.NoError(t, exec.Tick())
	require.Equal(t, 1, fired)

	clock.Advance(999 * time.Millisecond)
	require.NoError(t, exec.Tick())
	require.Equal(t, 1, fired)

	clock.Advance(time.Millisecond)
	require.NoError(t, exec.Tick())
	require.Equal(t, 2, fired)
}

func TestRepeatDoesNotDrift(t *testing.T) {
	clock := newFakeClock()
	exec := New(WithClock(clock.Now))
	fired := 0
	exec.OnRepeat(time.Second, func() { fired++ })

	// iterations land late each period; deadlines stay on the grid
	clock.Advance(1300 * time.Millisecond)
	require.NoError(t, exec.Tick())
	clock.Advance(700 * time.Millisecond)
	require.NoError(t, exec.Tick())
	require.Equal(t, 2, fired)
}

func TestRepeatOrderFollowsRegistration(t *testing.T) {
	clock := newFakeClock()
	exec := New(WithClock(clock.Now))
	var order []string
	exec.OnRepeat(time.Second, func() { order = append(order, "first") })
	exec.OnRepeat(time.Second, func() { order = append(order, "second") })

	clock.Advance(time.Second)
	require.NoError(t, exec.Tick())
	require.Equal(t, []string{"first", "second"}, order)
}

func TestRepeatPeriodIsSanitised(t *testing.T) {
	clock := newFakeClock()
	exec := New(WithClock(clock.Now))
	fired := 0
	exec.OnRepeat(0, func() { fired++ })

	clock.Advance(MinPeriod)
	require.NoError(t, exec.Tick())
	require.Equal(t, 1, fired)
}

func TestRepeatErrorAbortsIteration(t *testing.T) {
	clock := newFakeClock()
	exec := New(WithClock(clock.Now))
	failure := errors.New("broken")
	later := 0
	exec.OnRepeatE("broken", time.Second, func() error { return failure })
	exec.OnRepeat(time.Second, func() { later++ })

	clock.Advance(time.Second)
	err := exec.Tick()
	require.ErrorIs(t, err, failure)
	require.ErrorContains(t, err, "action broken")
	require.Equal(t, 0, later)
}

func TestRepeatPanicPropagates(t *testing.T) {
	clock := newFakeClock()
	exec := New(WithClock(clock.Now))
	exec.OnRepeat(time.Second, func() { panic("action failed") })

	clock.Advance(time.Second)
	require.PanicsWithValue(t, "action failed", func() { _ = exec.Tick() })
}

func TestStartRunsHooksOnce(t *testing.T) {
	exec := New()
	var calls []int
	exec.OnStart(func() error { calls = append(calls, 1); return nil })
	exec.OnStart(func() error { calls = append(calls, 2); return nil })

	require.Equal(t, StateIdle, exec.State())
	require.NoError(t, exec.Start())
	require.Equal(t, StateRunning, exec.State())
	require.Equal(t, []int{1, 2}, calls)

	require.ErrorIs(t, exec.Start(), ErrAlreadyRunning)
	require.Equal(t, []int{1, 2}, calls)
}

func TestStartHookFailureKeepsIdle(t *testing.T) {
	exec := New()
	failure := errors.New("radio unavailable")
	exec.OnStart(func() error { return failure })

	err := exec.Start()
	require.ErrorIs(t, err, failure)
	require.Equal(t, StateIdle, exec.State())
}

func TestTickIsAllowedBeforeStart(t *testing.T) {
	exec := New()
	calls := 0
	exec.Add(tick.Always(func() { calls++ }))
	require.NoError(t, exec.Tick())
	require.Equal(t, 1, calls)
}

func TestRunRequiresStart(t *testing.T) {
	exec := New()
	require.ErrorIs(t, exec.Run(context.Background()), ErrNotStarted)
}

func TestRunStopsOnCancel(t *testing.T) {
	exec := New(WithInterval(time.Millisecond))
	require.NoError(t, exec.Start())

	ticks := make(chan struct{}, 16)
	exec.Add(tick.Always(func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx) }()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not tick")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.NotZero(t, exec.Metrics().Iterations)
}

func TestRunReturnsActionError(t *testing.T) {
	clock := newFakeClock()
	exec := New(WithInterval(time.Millisecond), WithClock(clock.Now))
	require.NoError(t, exec.Start())
	failure := errors.New("fatal")
	exec.OnRepeatE("fatal", time.Second, func() error { return failure })
	clock.Advance(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorIs(t, exec.Run(ctx), failure)
}

func TestStepReleasesSingleIteration(t *testing.T) {
	exec := New(WithInterval(time.Hour))
	require.NoError(t, exec.Start())
	ticks := make(chan struct{}, 4)
	exec.Add(tick.Always(func() { ticks <- struct{}{} }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = exec.Run(ctx) }()

	exec.Step()
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("step did not release an iteration")
	}
	require.Equal(t, ModePause, exec.Status().Mode)

	select {
	case <-ticks:
		t.Fatal("unexpected extra iteration while paused")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestControlStatus(t *testing.T) {
	exec := New(WithInterval(250 * time.Millisecond))
	status := exec.Status()
	require.Equal(t, ModeRun, status.Mode)
	require.Equal(t, int64(250), status.IntervalMS)

	exec.SetInterval(0)
	require.Equal(t, time.Millisecond, exec.Status().Interval)

	exec.Pause()
	require.Equal(t, ModePause, exec.Status().Mode)
	exec.Resume()
	require.Equal(t, ModeRun, exec.Status().Mode)
}

func TestNextDeadline(t *testing.T) {
	base := time.Unix(0, 0)
	period := time.Second
	require.Equal(t, base.Add(time.Second), nextDeadline(base, period, base))
	require.Equal(t, base.Add(3*time.Second), nextDeadline(base, period, base.Add(2500*time.Millisecond)))
	require.Equal(t, base.Add(3*time.Second), nextDeadline(base, period, base.Add(2*time.Second)))
}
