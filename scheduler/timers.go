package scheduler

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/chazu/npcscript/vm"
)

// ---------------------------------------------------------------------------
// Timer queue
// ---------------------------------------------------------------------------

type eventKind uint8

const (
	evWake      eventKind = iota // resume a sleeping instance
	evTrigger                    // start an actor's next queued trigger
	evUnitTimer                  // fire an OnTimer label
	evIdle                       // input idle bound expired
)

func (k eventKind) String() string {
	switch k {
	case evWake:
		return "wake"
	case evTrigger:
		return "trigger"
	case evUnitTimer:
		return "unit-timer"
	case evIdle:
		return "idle"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

type timerItem struct {
	due    int64
	seq    uint64
	handle uint64
	kind   eventKind
	dead   bool

	instance uint64
	actor    int
	timer    unitTimerKey
}

// timerQueue is a min-heap ordered by due time, then scheduling order.
type timerQueue []*timerItem

func (q timerQueue) Len() int { return len(q) }
func (q timerQueue) Less(i, j int) bool {
	if q[i].due != q[j].due {
		return q[i].due < q[j].due
	}
	return q[i].seq < q[j].seq
}
func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *timerQueue) Push(x any)   { *q = append(*q, x.(*timerItem)) }
func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// schedule queues it at due and returns its handle.
func (s *Scheduler) schedule(due int64, it *timerItem) uint64 {
	if due < s.now {
		due = s.now
	}
	s.seq++
	it.due, it.seq, it.handle = due, s.seq, s.seq
	heap.Push(&s.timers, it)
	s.live[it.handle] = it
	return it.handle
}

// cancel drops a pending event. Unknown handles are ignored.
func (s *Scheduler) cancel(handle uint64) {
	if it, ok := s.live[handle]; ok {
		it.dead = true
		delete(s.live, handle)
	}
}

// Pending returns the number of live timer events.
func (s *Scheduler) Pending() int { return len(s.live) }

// Tick advances the clock to now, firing every event that is due, in order.
// It returns the number of events fired.
func (s *Scheduler) Tick(now int64) int {
	fired := 0
	for s.timers.Len() > 0 {
		it := s.timers[0]
		if it.due > now {
			break
		}
		if fired >= s.cfg.MaxEventsPerTick {
			log.Warningf("tick: %d events fired, deferring the rest", fired)
			return fired
		}
		heap.Pop(&s.timers)
		if it.dead {
			continue
		}
		delete(s.live, it.handle)
		if it.due > s.now {
			s.now = it.due
		}
		s.fire(it)
		fired++
	}
	if now > s.now {
		s.now = now
	}
	return fired
}

// Advance moves the clock forward by d milliseconds.
func (s *Scheduler) Advance(d int64) int { return s.Tick(s.now + d) }

func (s *Scheduler) fire(it *timerItem) {
	log.Debugf("fire %s at %d", it.kind, s.now)
	switch it.kind {
	case evWake:
		if s.waits[it.instance] == it.handle {
			delete(s.waits, it.instance)
		}
		if err := s.engine.Resume(it.instance); err != nil {
			log.Warningf("wake: %s", err)
		}
	case evIdle:
		if s.waits[it.instance] == it.handle {
			delete(s.waits, it.instance)
		}
		st, ok := s.engine.Instance(it.instance)
		if !ok {
			return
		}
		if _, waiting := st.Cont.(vm.WaitingOnInput); waiting && st.Suspended() {
			log.Infof("%s: input idle for %dms, closing", st, s.cfg.InputIdleTimeout)
			s.closeRoot(st.Root())
		}
	case evTrigger:
		s.dequeue(it.actor)
	case evUnitTimer:
		s.fireUnitTimer(it.timer, it.handle)
	}
}

// ---------------------------------------------------------------------------
// Unit timers
// ---------------------------------------------------------------------------

type unitTimerKey struct {
	unit  *vm.Unit
	actor int
}

// unitTimer is the OnTimer clock of one unit for one actor. While stopped
// the elapsed time is frozen in elapsed.
type unitTimer struct {
	key       unitTimerKey
	elapsed   int64
	startedAt int64
	running   bool
	next      int // index into unit.Timers of the next event
	handle    uint64
}

func (t *unitTimer) value(now int64) int64 {
	if t.running {
		return t.elapsed + now - t.startedAt
	}
	return t.elapsed
}

func (s *Scheduler) timerFor(u *vm.Unit, actorID int) *unitTimer {
	key := unitTimerKey{unit: u, actor: actorID}
	t, ok := s.unitTimers[key]
	if !ok {
		t = &unitTimer{key: key}
		s.unitTimers[key] = t
	}
	return t
}

// TimerValue returns the elapsed time of u's timer for actorID.
func (s *Scheduler) TimerValue(u *vm.Unit, actorID int) int64 {
	if t, ok := s.unitTimers[unitTimerKey{unit: u, actor: actorID}]; ok {
		return t.value(s.now)
	}
	return 0
}

func (s *Scheduler) unitTimer(u *vm.Unit, actorID int, op vm.TimerOp, value int64) (int64, error) {
	if u == nil {
		return 0, fmt.Errorf("unit timer without a unit")
	}
	t := s.timerFor(u, actorID)
	switch op {
	case vm.TimerInit:
		s.stopTimer(t)
		t.elapsed, t.next = 0, 0
		s.startTimer(t)
	case vm.TimerStart:
		s.startTimer(t)
	case vm.TimerStop:
		s.stopTimer(t)
	case vm.TimerGet:
	case vm.TimerSet:
		running := t.running
		s.stopTimer(t)
		if value < 0 {
			value = 0
		}
		t.elapsed = value
		t.next = sort.Search(len(u.Timers), func(i int) bool { return u.Timers[i].At >= value })
		if running {
			s.startTimer(t)
		}
	default:
		return 0, fmt.Errorf("unknown timer op %d", op)
	}
	return t.value(s.now), nil
}

func (s *Scheduler) startTimer(t *unitTimer) {
	if t.running {
		return
	}
	t.running = true
	t.startedAt = s.now
	s.armTimer(t)
}

func (s *Scheduler) stopTimer(t *unitTimer) {
	if !t.running {
		return
	}
	t.elapsed = t.value(s.now)
	t.running = false
	s.cancel(t.handle)
	t.handle = 0
}

// armTimer schedules the next OnTimer label of a running timer.
func (s *Scheduler) armTimer(t *unitTimer) {
	s.cancel(t.handle)
	t.handle = 0
	events := t.key.unit.Timers
	if !t.running || t.next >= len(events) {
		return
	}
	due := s.now + events[t.next].At - t.value(s.now)
	t.handle = s.schedule(due, &timerItem{kind: evUnitTimer, timer: t.key})
}

func (s *Scheduler) fireUnitTimer(key unitTimerKey, handle uint64) {
	t, ok := s.unitTimers[key]
	if !ok || t.handle != handle || !t.running {
		return
	}
	t.handle = 0
	ev := key.unit.Timers[t.next]
	t.next++
	s.armTimer(t)
	args := []vm.Cell{vm.Int(t.value(s.now))}
	if _, _, err := s.Run(key.unit, ev.Offset, key.actor, key.actor, args...); err != nil {
		log.Warningf("%s: timer %d for actor %d: %s", key.unit.Name, ev.At, key.actor, err)
	}
}
