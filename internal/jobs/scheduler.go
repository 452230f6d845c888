// Package jobs provides the delayed-task primitive the bot liquidity loop
// runs on: a scheduleAfter abstraction, a self-rescheduling loop and a
// low-frequency supervisor that re-arms the loop when it stalls.
package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs named operations after a delay. Panics in an operation are
// recovered and logged so one bad tick cannot kill the process.
type Scheduler struct {
	log zerolog.Logger
}

// NewScheduler returns a scheduler logging through log.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{log: log.With().Str("component", "jobs").Logger()}
}

// After schedules fn to run once after delay.
func (s *Scheduler) After(delay time.Duration, name string, fn func()) *time.Timer {
	return time.AfterFunc(delay, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("job", name).Interface("panic", r).Msg("job panicked")
			}
		}()
		fn()
	})
}

// Loop reschedules an operation perpetually at a fixed interval. Each run
// records its time; Supervise re-arms the chain when the last run is stale,
// making the loop self-healing against missed or failed reschedules.
// Duplicate arming is tolerated: the operation itself must be safe to run
// concurrently (the bot tick is).
type Loop struct {
	sched    *Scheduler
	log      zerolog.Logger
	name     string
	interval time.Duration
	fn       func(context.Context)
	lastRun  atomic.Int64 // unix nanos of the last completed run
}

// NewLoop creates a loop that runs fn every interval once started.
func NewLoop(sched *Scheduler, log zerolog.Logger, name string, interval time.Duration, fn func(context.Context)) *Loop {
	return &Loop{
		sched:    sched,
		log:      log.With().Str("loop", name).Logger(),
		name:     name,
		interval: interval,
		fn:       fn,
	}
}

// Start arms the first run. The chain stops when ctx is done.
func (l *Loop) Start(ctx context.Context) {
	l.lastRun.Store(time.Now().UnixNano())
	l.arm(ctx, 0)
}

func (l *Loop) arm(ctx context.Context, delay time.Duration) {
	l.sched.After(delay, l.name, func() {
		if ctx.Err() != nil {
			return
		}
		l.fn(ctx)
		l.lastRun.Store(time.Now().UnixNano())
		l.arm(ctx, l.interval)
	})
}

// LastRun returns the time of the last completed run.
func (l *Loop) LastRun() time.Time {
	return time.Unix(0, l.lastRun.Load())
}

// Supervise blocks, checking every period whether the loop has stalled and
// re-arming it if so. Meant to run in its own goroutine.
func (l *Loop) Supervise(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale := time.Since(l.LastRun())
			if stale > 3*l.interval {
				l.log.Warn().Dur("stale", stale).Msg("loop stalled, re-arming")
				l.lastRun.Store(time.Now().UnixNano())
				l.arm(ctx, 0)
			}
		}
	}
}
