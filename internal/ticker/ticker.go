// Package ticker wraps github.com/robfig/cron/v3 for the "@every"-style
// interval scheduling used by the Rainwave poller and the OBS
// connector's unsolicited stats request.
package ticker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval runs fn every d, starting after the first tick, until Stop is
// called or the parent context is cancelled. It is a minimal wrapper
// around a cron.Schedule parsed from an "@every" descriptor, used instead
// of a bare time.Ticker so the same scheduling primitive backs both
// interval-style and future calendar-style schedules. The "@every"
// schedule has one-second resolution: a d under one second runs once a
// second, fractions of a second in d are dropped, and ticks fall on
// whole-second boundaries.
type Interval struct {
	schedule cron.Schedule
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewInterval parses d into an "@every" cron.Schedule. d must be
// positive; cron itself silently rounds any delay under one second up to
// one second, so the guard against non-positive d lives here.
func NewInterval(d time.Duration) (*Interval, error) {
	if d <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", d)
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse("@every " + d.String())
	if err != nil {
		return nil, err
	}
	return &Interval{schedule: sched}, nil
}

// Start begins invoking fn at each scheduled tick on its own goroutine,
// stopping when ctx is done or Stop is called.
func (i *Interval) Start(ctx context.Context, fn func()) {
	ctx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})

	go func() {
		defer close(i.done)
		next := i.schedule.Next(time.Now())
		for {
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				fn()
				next = i.schedule.Next(time.Now())
			}
		}
	}()
}

// Stop cancels the schedule and waits for the running goroutine to exit.
func (i *Interval) Stop() {
	i.stopOnce.Do(func() {
		if i.cancel != nil {
			i.cancel()
		}
		if i.done != nil {
			<-i.done
		}
	})
}
