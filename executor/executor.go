package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/runtime/tick"
	"github.com/timzifer/tickset/telemetry"
)

// DefaultInterval paces Run when no interval is configured.
const DefaultInterval = 10 * time.Millisecond

// MinPeriod is the smallest accepted repeat period.
const MinPeriod = time.Millisecond

var (
	// ErrAlreadyRunning is returned by Start when the executor was started before.
	ErrAlreadyRunning = errors.New("executor already running")
	// ErrNotStarted is returned by Run when Start has not completed.
	ErrNotStarted = errors.New("executor not started")
)

// State is the lifecycle state of an executor.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Metrics summarises executor activity.
type Metrics struct {
	Iterations     uint64        `json:"iterations"`
	ActionsFired   uint64        `json:"actions_fired"`
	LastNotLive    int           `json:"last_not_live"`
	LastDuration   time.Duration `json:"last_duration"`
	LastDurationMS float64       `json:"last_duration_ms"`
	Tickables      int           `json:"tickables"`
	Actions        int           `json:"actions"`
}

type repeat struct {
	name     string
	period   time.Duration
	deadline time.Time
	action   func() error
}

// Executor advances registered tickables and fires repeating actions.
//
// Registration is meant to happen during setup on the goroutine that later
// drives Tick or Run. Tick itself must not be called concurrently.
type Executor struct {
	logger    zerolog.Logger
	telemetry telemetry.Collector
	now       func() time.Time
	pacer     *pacer

	state   atomic.Int32
	startMu sync.Mutex

	mu        sync.Mutex
	hooks     []func() error
	tickables []tick.Tickable
	repeats   []*repeat

	metricsMu sync.RWMutex
	metrics   Metrics
}

// Option customises an executor.
type Option func(*Executor)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger.With().Str("component", "executor").Logger()
	}
}

// WithClock replaces the time source used for repeat deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTelemetry installs a telemetry collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(e *Executor) {
		if collector != nil {
			e.telemetry = collector
		}
	}
}

// WithInterval sets the pacing used by Run.
func WithInterval(d time.Duration) Option {
	return func(e *Executor) {
		e.pacer = newPacer(d)
	}
}

// New creates an idle executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.pacer == nil {
		e.pacer = newPacer(DefaultInterval)
	}
	return e
}

// State reports the lifecycle state.
func (e *Executor) State() State {
	return State(e.state.Load())
}

// OnStart registers a hook that runs once during Start, in registration order.
func (e *Executor) OnStart(hook func() error) {
	if hook == nil {
		return
	}
	e.mu.Lock()
	e.hooks = append(e.hooks, hook)
	e.mu.Unlock()
}

// Start runs the start hooks and moves the executor to the running state. A
// failing hook aborts the start and leaves the executor idle.
func (e *Executor) Start() error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.State() == StateRunning {
		return ErrAlreadyRunning
	}
	e.mu.Lock()
	hooks := e.hooks
	e.mu.Unlock()
	for i, hook := range hooks {
		if err := hook(); err != nil {
			return fmt.Errorf("start hook %d: %w", i, err)
		}
	}
	e.state.Store(int32(StateRunning))
	e.logger.Info().Int("tickables", len(e.snapshotTickables())).Msg("executor started")
	return nil
}

// Add registers t. The executor borrows t; registering the same tickable twice
// advances it twice per iteration.
func (e *Executor) Add(t tick.Tickable) {
	if t == nil {
		return
	}
	e.mu.Lock()
	e.tickables = append(e.tickables, t)
	e.mu.Unlock()
}

// OnRepeat schedules action every period. The first invocation is due one
// period after registration.
func (e *Executor) OnRepeat(period time.Duration, action func()) {
	if action == nil {
		return
	}
	e.OnRepeatE("", period, func() error {
		action()
		return nil
	})
}

// OnRepeatE schedules a named action that may fail. An error returned by the
// action aborts the iteration and is returned from Tick.
func (e *Executor) OnRepeatE(name string, period time.Duration, action func() error) {
	if action == nil {
		return
	}
	if period < MinPeriod {
		period = MinPeriod
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("repeat-%d", len(e.repeats))
	}
	e.repeats = append(e.repeats, &repeat{
		name:     name,
		period:   period,
		deadline: e.now().Add(period),
		action:   action,
	})
}

// Tick performs one iteration: every tickable is advanced in registration
// order, then each due action fires once. Missed periods are skipped rather
// than replayed.
func (e *Executor) Tick() error {
	start := time.Now()
	tickables := e.snapshotTickables()
	e.mu.Lock()
	repeats := e.repeats
	e.mu.Unlock()

	notLive := 0
	for _, t := range tickables {
		if !t.Tick() {
			notLive++
		}
	}

	now := e.now()
	var fired uint64
	var err error
	for _, r := range repeats {
		if now.Before(r.deadline) {
			continue
		}
		r.deadline = nextDeadline(r.deadline, r.period, now)
		fired++
		e.telemetry.IncActionFired(r.name)
		if actionErr := r.action(); actionErr != nil {
			err = fmt.Errorf("action %s: %w", r.name, actionErr)
			break
		}
	}

	elapsed := time.Since(start)
	e.telemetry.ObserveTick(elapsed)
	e.metricsMu.Lock()
	e.metrics.Iterations++
	e.metrics.ActionsFired += fired
	e.metrics.LastNotLive = notLive
	e.metrics.LastDuration = elapsed
	e.metrics.LastDurationMS = float64(elapsed) / float64(time.Millisecond)
	e.metrics.Tickables = len(tickables)
	e.metrics.Actions = len(repeats)
	e.metricsMu.Unlock()
	return err
}

// Run drives Tick until ctx is cancelled or an action fails.
func (e *Executor) Run(ctx context.Context) error {
	if e.State() != StateRunning {
		return ErrNotStarted
	}
	for {
		if err := e.pacer.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := e.Tick(); err != nil {
			e.logger.Error().Err(err).Msg("iteration failure")
			return err
		}
	}
}

// Pause stops Run from advancing until Resume or Step.
func (e *Executor) Pause() { e.pacer.SetMode(ModePause) }

// Resume continues periodic iterations.
func (e *Executor) Resume() { e.pacer.SetMode(ModeRun) }

// Step pauses the loop and releases exactly one iteration.
func (e *Executor) Step() { e.pacer.Step() }

// SetInterval changes the pacing of Run.
func (e *Executor) SetInterval(d time.Duration) { e.pacer.SetInterval(d) }

// Status reports the pacing of Run.
func (e *Executor) Status() Status { return e.pacer.Status() }

// Metrics returns a snapshot of the executor counters.
func (e *Executor) Metrics() Metrics {
	e.metricsMu.RLock()
	defer e.metricsMu.RUnlock()
	return e.metrics
}

func (e *Executor) snapshotTickables() []tick.Tickable {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickables
}

func nextDeadline(deadline time.Time, period time.Duration, now time.Time) time.Time {
	missed := now.Sub(deadline) / period
	return deadline.Add(period * (missed + 1))
}
