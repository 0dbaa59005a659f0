package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLoopStopped is returned by Do once the loop has exited.
var ErrLoopStopped = errors.New("scheduler loop stopped")

// loopRequest is a unit of work to be executed on the loop goroutine.
type loopRequest struct {
	fn   func(*Scheduler) error
	done chan error
}

// Loop serializes all scheduler and engine access through a single
// goroutine and advances the clock on a ticker. Connection handlers and
// tooling submit work with Do.
type Loop struct {
	s        *Scheduler
	requests chan loopRequest
	quit     chan struct{}
}

// NewLoop wraps s. Call Run to start processing.
func NewLoop(s *Scheduler) *Loop {
	return &Loop{
		s:        s,
		requests: make(chan loopRequest, 64),
		quit:     make(chan struct{}),
	}
}

// Run processes requests and ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.quit)
	period := time.Duration(l.s.cfg.TickMS) * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	base, started := l.s.Now(), time.Now()
	log.Infof("loop started, tick %s", period)
	for {
		select {
		case req := <-l.requests:
			req.done <- l.execute(req.fn)
		case now := <-ticker.C:
			l.execute(func(s *Scheduler) error {
				s.Tick(base + now.Sub(started).Milliseconds())
				return nil
			})
		case <-ctx.Done():
			log.Infof("loop stopped")
			return ctx.Err()
		}
	}
}

// execute runs fn on the scheduler, recovering from panics.
func (l *Loop) execute(fn func(*Scheduler) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("loop: panic: %v", r)
			err = fmt.Errorf("%v", r)
		}
	}()
	return fn(l.s)
}

// Do submits fn for execution on the loop goroutine and blocks until it
// completes. Returns fn's error, a recovered panic or ErrLoopStopped.
func (l *Loop) Do(fn func(*Scheduler) error) error {
	req := loopRequest{fn: fn, done: make(chan error, 1)}
	select {
	case l.requests <- req:
	case <-l.quit:
		return ErrLoopStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-l.quit:
		return ErrLoopStopped
	}
}
