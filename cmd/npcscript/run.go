package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chazu/npcscript/manifest"
	"github.com/chazu/npcscript/scheduler"
	"github.com/chazu/npcscript/vm"
)

// console renders dialog text on a writer.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console { return &console{w: w} }

func (c *console) Message(actorID int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "[%d] %s\n", actorID, text)
}

func (c *console) Close(actorID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "[%d] (close)\n", actorID)
}

// parseInput reads an answer as an integer when it looks like one.
func parseInput(line string) vm.Cell {
	line = strings.TrimSpace(line)
	if n, err := strconv.ParseInt(line, 10, 64); err == nil {
		return vm.Int(n)
	}
	return vm.Str(line)
}

// runEvent runs event for actorID on a scheduler loop. Lines read from in
// answer input requests. It returns once the actor is idle with nothing
// queued or pending, or when ctx is done or in is exhausted.
func runEvent(ctx context.Context, e *vm.Engine, m *manifest.Manifest, event string, actorID int, in io.Reader) error {
	sched := scheduler.New(e, m.SchedulerConfig())
	loop := scheduler.NewLoop(sched)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	err := loop.Do(func(s *scheduler.Scheduler) error {
		_, _, err := s.RunEvent(event, actorID, actorID)
		return err
	})
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func(out chan<- string) {
		defer close(out)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}(lines)

	tick := time.Duration(m.Scheduler.TickMS) * time.Millisecond
	poll := time.NewTicker(tick)
	defer poll.Stop()
	flushEvery := time.Duration(m.Store.FlushIntervalMS) * time.Millisecond
	if flushEvery <= 0 {
		flushEvery = time.Hour
	}
	flush := time.NewTicker(flushEvery)
	defer flush.Stop()

	// done reports that nothing more will happen without further input.
	eof := false
	done := func(s *scheduler.Scheduler) bool {
		root, attached := s.Attached(actorID)
		if !attached {
			return s.Queued(actorID) == 0 && s.Pending() == 0
		}
		_, waiting := root.Leaf().Cont.(vm.WaitingOnInput)
		return eof && waiting
	}

events:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				eof, lines = true, nil
				continue
			}
			err := loop.Do(func(s *scheduler.Scheduler) error {
				return s.SupplyInput(actorID, parseInput(line))
			})
			if err != nil {
				log.Warningf("input ignored: %v", err)
			}
		case <-poll.C:
			finished := false
			loop.Do(func(s *scheduler.Scheduler) error {
				finished = done(s)
				return nil
			})
			if finished {
				break events
			}
		case <-flush.C:
			if err := loop.Do(func(*scheduler.Scheduler) error { return e.Flush() }); err != nil {
				log.Errorf("flush: %v", err)
			}
		case <-ctx.Done():
			break events
		}
	}

	err = loop.Do(func(s *scheduler.Scheduler) error {
		s.Detach(actorID)
		return e.Flush()
	})
	cancel()
	<-loopDone
	return err
}
