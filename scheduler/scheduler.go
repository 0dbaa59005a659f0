// Package scheduler drives engine instances: trigger queues, waits, input
// timeouts and OnTimer labels.
package scheduler

import (
	"errors"
	"fmt"

	"github.com/chazu/npcscript/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("npcscript.scheduler")

var (
	// ErrQueueFull is returned when an actor's trigger queue is at its limit.
	ErrQueueFull = errors.New("trigger queue full")
	// ErrActorBusy is returned when attaching to an actor that already has an
	// instance.
	ErrActorBusy = errors.New("actor already has an attached instance")
	// ErrNotWaiting is returned when input is supplied to an actor whose
	// instance is not waiting for it.
	ErrNotWaiting = errors.New("no instance waiting on input")
)

// Config holds the scheduler knobs.
type Config struct {
	// TickMS is the Loop's tick period in milliseconds.
	TickMS int64
	// TriggerDelay is the pause between an attached instance finishing and
	// the next queued trigger of the same actor starting.
	TriggerDelay int64
	// QueueLimit bounds the per-actor trigger FIFO.
	QueueLimit int
	// InputIdleTimeout force-closes instances waiting on input this long.
	// Zero disables the bound.
	InputIdleTimeout int64
	// MaxEventsPerTick bounds the events one Tick fires.
	MaxEventsPerTick int
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		TickMS:           50,
		TriggerDelay:     100,
		QueueLimit:       16,
		InputIdleTimeout: 180_000,
		MaxEventsPerTick: 10_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickMS <= 0 {
		c.TickMS = d.TickMS
	}
	if c.TriggerDelay < 0 {
		c.TriggerDelay = 0
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = d.QueueLimit
	}
	if c.InputIdleTimeout < 0 {
		c.InputIdleTimeout = 0
	}
	if c.MaxEventsPerTick <= 0 {
		c.MaxEventsPerTick = d.MaxEventsPerTick
	}
	return c
}

// Trigger is one request to run a unit from an entry point.
type Trigger struct {
	Unit     *vm.Unit
	Pos      int
	OriginID int
	Args     []vm.Cell
}

type actorSlot struct {
	attached *vm.ScriptState // root of the chain bound to the actor
	fifo     []Trigger
	pending  uint64 // handle of the scheduled dequeue
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Scheduler binds instances to actors, queues triggers and owns the clock.
// Like the engine it is single-threaded; use a Loop to share it.
type Scheduler struct {
	engine *vm.Engine
	cfg    Config

	now    int64
	timers timerQueue
	live   map[uint64]*timerItem
	seq    uint64

	actors     map[int]*actorSlot
	waits      map[uint64]uint64 // instance id -> wake or idle handle
	unitTimers map[unitTimerKey]*unitTimer
}

// New creates a scheduler and installs it as e's host.
func New(e *vm.Engine, cfg Config) *Scheduler {
	s := &Scheduler{
		engine:     e,
		cfg:        cfg.withDefaults(),
		live:       make(map[uint64]*timerItem),
		actors:     make(map[int]*actorSlot),
		waits:      make(map[uint64]uint64),
		unitTimers: make(map[unitTimerKey]*unitTimer),
	}
	e.SetHost(engineHost{s})
	return s
}

// Engine returns the engine this scheduler drives.
func (s *Scheduler) Engine() *vm.Engine { return s.engine }

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Now returns the scheduler clock in milliseconds.
func (s *Scheduler) Now() int64 { return s.now }

// Attached returns the root instance bound to actorID.
func (s *Scheduler) Attached(actorID int) (*vm.ScriptState, bool) {
	slot, ok := s.actors[actorID]
	if !ok || slot.attached == nil {
		return nil, false
	}
	return slot.attached, true
}

// Queued returns the number of triggers waiting for actorID.
func (s *Scheduler) Queued(actorID int) int {
	if slot, ok := s.actors[actorID]; ok {
		return len(slot.fifo)
	}
	return 0
}

func (s *Scheduler) slot(actorID int) *actorSlot {
	slot, ok := s.actors[actorID]
	if !ok {
		slot = &actorSlot{}
		s.actors[actorID] = slot
	}
	return slot
}

// ---------------------------------------------------------------------------
// Triggers
// ---------------------------------------------------------------------------

// Run starts u at pos for actorID. A global trigger (actor 0) always gets a
// fresh instance. When the actor is busy the trigger is queued and queued
// is true; st is then nil.
func (s *Scheduler) Run(u *vm.Unit, pos, actorID, originID int, args ...vm.Cell) (st *vm.ScriptState, queued bool, err error) {
	t := Trigger{Unit: u, Pos: pos, OriginID: originID, Args: args}
	if actorID == 0 {
		return s.engine.RunWithArgs(u, pos, 0, originID, args...), false, nil
	}
	slot := s.slot(actorID)
	if slot.attached != nil || slot.pending != 0 || len(slot.fifo) > 0 {
		if len(slot.fifo) >= s.cfg.QueueLimit {
			log.Warningf("actor %d: trigger %s@%04d dropped, queue full", actorID, u.Name, pos)
			return nil, false, fmt.Errorf("%w: actor %d", ErrQueueFull, actorID)
		}
		slot.fifo = append(slot.fifo, t)
		log.Debugf("actor %d: trigger %s@%04d queued (%d waiting)", actorID, u.Name, pos, len(slot.fifo))
		return nil, true, nil
	}
	return s.start(actorID, t), false, nil
}

// RunLabel is Run at one of u's exported labels.
func (s *Scheduler) RunLabel(u *vm.Unit, label string, actorID, originID int, args ...vm.Cell) (*vm.ScriptState, bool, error) {
	pos, ok := u.Label(label)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s::%s", vm.ErrUnknownLabel, u.Name, label)
	}
	return s.Run(u, pos, actorID, originID, args...)
}

// RunEvent is Run for a "Unit::Label" event name.
func (s *Scheduler) RunEvent(event string, actorID, originID int, args ...vm.Cell) (*vm.ScriptState, bool, error) {
	u, pos, err := s.engine.ResolveEvent(event)
	if err != nil {
		return nil, false, err
	}
	return s.Run(u, pos, actorID, originID, args...)
}

func (s *Scheduler) start(actorID int, t Trigger) *vm.ScriptState {
	st := s.engine.Spawn(t.Unit, t.Pos, actorID, t.OriginID, t.Args...)
	s.slot(actorID).attached = st
	if err := s.engine.Start(st); err != nil {
		log.Errorf("actor %d: %s", actorID, err)
	}
	return st
}

// scheduleNext arms the dequeue of actorID's next trigger once it is idle.
func (s *Scheduler) scheduleNext(actorID int) {
	slot, ok := s.actors[actorID]
	if !ok || slot.attached != nil || slot.pending != 0 || len(slot.fifo) == 0 {
		return
	}
	slot.pending = s.schedule(s.now+s.cfg.TriggerDelay, &timerItem{kind: evTrigger, actor: actorID})
}

func (s *Scheduler) dequeue(actorID int) {
	slot, ok := s.actors[actorID]
	if !ok {
		return
	}
	slot.pending = 0
	if slot.attached != nil || len(slot.fifo) == 0 {
		return
	}
	t := slot.fifo[0]
	slot.fifo = slot.fifo[1:]
	s.start(actorID, t)
}

// Resume continues a suspended instance, dropping its pending wake-up.
func (s *Scheduler) Resume(id uint64) error {
	s.cancelWait(id)
	return s.engine.Resume(id)
}

// SupplyInput hands value to the instance of actorID waiting on input and
// resumes it.
func (s *Scheduler) SupplyInput(actorID int, value vm.Cell) error {
	root, ok := s.Attached(actorID)
	if !ok {
		return fmt.Errorf("%w: actor %d", ErrNotWaiting, actorID)
	}
	leaf := root.Leaf()
	if _, waiting := leaf.Cont.(vm.WaitingOnInput); !waiting || !leaf.Suspended() {
		log.Warningf("actor %d: input while %s", actorID, leaf)
		return fmt.Errorf("%w: actor %d", ErrNotWaiting, actorID)
	}
	leaf.SetInput(value)
	return s.Resume(leaf.ID)
}

// ---------------------------------------------------------------------------
// Actor lifecycle
// ---------------------------------------------------------------------------

// Detach disconnects actorID: its attached chain closes through cleanup, its
// queued triggers are dropped, its session variables are cleared and queue
// logout callbacks fire. Detaching an idle actor only does the latter two.
func (s *Scheduler) Detach(actorID int) {
	if actorID == 0 {
		return
	}
	if slot, ok := s.actors[actorID]; ok {
		if slot.pending != 0 {
			s.cancel(slot.pending)
		}
		slot.fifo, slot.pending = nil, 0
		if root := slot.attached; root != nil {
			log.Infof("actor %d: closing %s on disconnect", actorID, root)
			s.closeRoot(root)
		}
		delete(s.actors, actorID)
	}
	for key, t := range s.unitTimers {
		if key.actor == actorID {
			s.cancel(t.handle)
			delete(s.unitTimers, key)
		}
	}
	s.engine.EndSession(actorID)
	s.fireQueueEvent(actorID, vm.QueueOnLogout)
}

// ActorDied fires the death callbacks of the queues actorID belongs to.
func (s *Scheduler) ActorDied(actorID int) { s.fireQueueEvent(actorID, vm.QueueOnDeath) }

// ActorMoved fires the map-change callbacks of the queues actorID belongs to.
func (s *Scheduler) ActorMoved(actorID int) { s.fireQueueEvent(actorID, vm.QueueOnMapChange) }

// fireQueueEvent runs each callback with getarg(0) = queue and getarg(1) =
// member. Logout callbacks run globally since the actor is gone.
func (s *Scheduler) fireQueueEvent(actorID int, ev vm.QueueEvent) {
	for _, hit := range s.engine.Queues().MemberEvent(actorID, ev) {
		runAs := actorID
		if ev == vm.QueueOnLogout {
			runAs = 0
		}
		args := []vm.Cell{vm.Int(int64(hit.Queue)), vm.Int(int64(hit.Member))}
		if _, _, err := s.RunEvent(hit.Event, runAs, actorID, args...); err != nil {
			log.Warningf("queue %d %s callback %q: %s", hit.Queue, ev, hit.Event, err)
		}
	}
}

// closeRoot forces a chain closed and releases its actor.
func (s *Scheduler) closeRoot(root *vm.ScriptState) {
	s.engine.Close(root)
	s.finished(root)
}

func (s *Scheduler) finished(root *vm.ScriptState) {
	s.cancelWait(root.ID)
	s.unbind(root)
}

// unbind releases the actor root is attached to and lets its queue advance.
func (s *Scheduler) unbind(root *vm.ScriptState) {
	if root.ActorID == 0 {
		return
	}
	slot, ok := s.actors[root.ActorID]
	if !ok || slot.attached != root {
		return
	}
	slot.attached = nil
	s.scheduleNext(root.ActorID)
}

func (s *Scheduler) cancelWait(id uint64) {
	if h, ok := s.waits[id]; ok {
		s.cancel(h)
		delete(s.waits, id)
	}
}

// setActor rebinds every instance of a chain.
func setActor(root *vm.ScriptState, actorID int) {
	for st := root; st != nil; st = st.Child() {
		st.ActorID = actorID
	}
}

// ---------------------------------------------------------------------------
// vm.Host
// ---------------------------------------------------------------------------

type engineHost struct{ s *Scheduler }

func (h engineHost) Now() int64 { return h.s.now }

func (h engineHost) Sleep(st *vm.ScriptState, ms int64) (uint64, bool) {
	s := h.s
	s.cancelWait(st.ID)
	handle := s.schedule(s.now+ms, &timerItem{kind: evWake, instance: st.ID})
	s.waits[st.ID] = handle
	return handle, true
}

func (h engineHost) AwaitInput(st *vm.ScriptState) {
	s := h.s
	s.cancelWait(st.ID)
	if s.cfg.InputIdleTimeout == 0 {
		return
	}
	s.waits[st.ID] = s.schedule(s.now+s.cfg.InputIdleTimeout, &timerItem{kind: evIdle, instance: st.ID})
}

func (h engineHost) Cancel(st *vm.ScriptState) { h.s.cancelWait(st.ID) }

func (h engineHost) Finished(st *vm.ScriptState) { h.s.finished(st) }

func (h engineHost) Attach(st *vm.ScriptState, actorID int) error {
	s := h.s
	root := st.Root()
	if root.ActorID == actorID {
		return nil
	}
	if actorID != 0 {
		if slot, ok := s.actors[actorID]; ok && slot.attached != nil && slot.attached != root {
			return fmt.Errorf("%w: %d", ErrActorBusy, actorID)
		}
	}
	s.unbind(root)
	setActor(root, actorID)
	if actorID != 0 {
		s.slot(actorID).attached = root
	}
	return nil
}

func (h engineHost) Detach(st *vm.ScriptState) {
	root := st.Root()
	h.s.unbind(root)
	setActor(root, 0)
}

func (h engineHost) UnitTimer(st *vm.ScriptState, op vm.TimerOp, value int64) (int64, error) {
	return h.s.unitTimer(st.Unit, st.ActorID, op, value)
}
