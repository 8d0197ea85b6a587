package executor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mode selects whether the run loop advances on its own or waits for steps.
type Mode string

const (
	ModeRun   Mode = "run"
	ModePause Mode = "pause"
)

// Status describes the run loop pacing.
type Status struct {
	Mode        Mode          `json:"mode"`
	Interval    time.Duration `json:"interval"`
	IntervalMS  int64         `json:"interval_ms"`
	IntervalStr string        `json:"interval_text"`
}

// pacer decides when Run performs the next iteration. Every change closes
// the current wake channel so a pending Wait re-reads the settings.
type pacer struct {
	mu       sync.Mutex
	mode     Mode
	interval time.Duration
	step     bool
	last     time.Time
	wake     chan struct{}
}

func newPacer(interval time.Duration) *pacer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &pacer{
		mode:     ModeRun,
		interval: interval,
		wake:     make(chan struct{}),
	}
}

// Wait blocks until the next iteration is due. In run mode an iteration is
// due one interval after the previous one; an interval change applies to the
// wait in progress.
func (p *pacer) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.last.IsZero() {
			p.last = time.Now()
		}
		var timer *time.Timer
		var due <-chan time.Time
		switch p.mode {
		case ModeRun:
			remaining := time.Until(p.last.Add(p.interval))
			if remaining <= 0 {
				p.last = time.Now()
				p.mu.Unlock()
				return nil
			}
			timer = time.NewTimer(remaining)
			due = timer.C
		case ModePause:
			if p.step {
				p.step = false
				p.last = time.Now()
				p.mu.Unlock()
				return nil
			}
		default:
			mode := p.mode
			p.mu.Unlock()
			return fmt.Errorf("unknown pacing mode %q", mode)
		}
		wake := p.wake
		p.mu.Unlock()

		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-due:
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return err
		}
	}
}

func (p *pacer) SetMode(mode Mode) {
	p.update(func() bool {
		if p.mode == mode {
			return false
		}
		p.mode = mode
		return true
	})
}

// Step switches to pause mode and releases one iteration. Steps requested
// before the loop consumed the previous one do not accumulate.
func (p *pacer) Step() {
	p.update(func() bool {
		p.mode = ModePause
		p.step = true
		return true
	})
}

func (p *pacer) SetInterval(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	p.update(func() bool {
		if p.interval == d {
			return false
		}
		p.interval = d
		return true
	})
}

func (p *pacer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Mode:        p.mode,
		Interval:    p.interval,
		IntervalMS:  p.interval.Milliseconds(),
		IntervalStr: p.interval.String(),
	}
}

func (p *pacer) update(change func() bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if change() {
		close(p.wake)
		p.wake = make(chan struct{})
	}
}
