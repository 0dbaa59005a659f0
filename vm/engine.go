package vm

import (
	"fmt"
	"math/rand/v2"
	"strconv"
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// TimerOp selects a unit-timer operation.
type TimerOp uint8

const (
	TimerInit  TimerOp = iota // reset to zero and start
	TimerStart                // resume counting from the stored elapsed time
	TimerStop                 // freeze the elapsed time
	TimerGet                  // read the elapsed time
	TimerSet                  // overwrite the elapsed time
)

// Host is the scheduler side of the engine: time, wake-ups and actor
// attachment. The engine never blocks; it asks the host to call Resume.
type Host interface {
	// Now returns the world clock in milliseconds.
	Now() int64
	// Sleep arranges for st to be resumed after ms. ok is false when the
	// host cannot suspend, in which case the wait is skipped.
	Sleep(st *ScriptState, ms int64) (handle uint64, ok bool)
	// AwaitInput records that st is waiting on its actor.
	AwaitInput(st *ScriptState)
	// Cancel drops any pending wake-up for st.
	Cancel(st *ScriptState)
	// Finished is called once when a root instance ends or closes.
	Finished(st *ScriptState)
	// Attach binds st to actorID; Detach releases the binding.
	Attach(st *ScriptState, actorID int) error
	Detach(st *ScriptState)
	// UnitTimer operates the OnTimer clock of st's unit.
	UnitTimer(st *ScriptState, op TimerOp, value int64) (int64, error)
}

// Messenger renders text for an actor.
type Messenger interface {
	Message(actorID int, text string)
	Close(actorID int)
}

// Actor holds the variables of one actor.
type Actor struct {
	ID         int
	Temp       *ScopeMap
	Persistent *ScopeMap
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine owns the symbol table, compiled units, variables and instances.
// It is not safe for concurrent use; drive it from one goroutine.
type Engine struct {
	Symbols *SymbolTable
	Limits  Limits

	host        Host
	messenger   Messenger
	persistence Persistence
	rand        *rand.Rand

	world     *ScopeMap
	actors    map[int]*Actor
	units     map[string]*Unit
	functions map[string]*Unit
	instances map[uint64]*ScriptState
	nextID    uint64
	queues    *QueueRegistry
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits overrides the default limits.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.Limits = l.withDefaults() }
}

// WithHost installs the scheduler.
func WithHost(h Host) Option {
	return func(e *Engine) { e.host = h }
}

// WithMessenger installs the text renderer.
func WithMessenger(m Messenger) Option {
	return func(e *Engine) { e.messenger = m }
}

// WithPersistence installs the variable store.
func WithPersistence(p Persistence) Option {
	return func(e *Engine) { e.persistence = p }
}

// WithSeed makes rand() deterministic.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.rand = rand.New(rand.NewPCG(seed, seed)) }
}

// NewEngine creates an engine with the built-in natives registered.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		Symbols:   NewSymbolTable(),
		Limits:    DefaultLimits(),
		host:      nopHost{},
		messenger: logMessenger{},
		rand:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		world:     NewScopeMap(ScopeWorld, ""),
		actors:    make(map[int]*Actor),
		units:     make(map[string]*Unit),
		functions: make(map[string]*Unit),
		instances: make(map[uint64]*ScriptState),
	}
	e.queues = newQueueRegistry()
	for _, opt := range opts {
		opt(e)
	}
	registerBuiltins(e)
	if e.persistence != nil {
		e.loadScope(e.world)
	}
	return e
}

// SetHost replaces the scheduler after construction.
func (e *Engine) SetHost(h Host) {
	if h == nil {
		h = nopHost{}
	}
	e.host = h
}

// Host returns the installed scheduler.
func (e *Engine) Host() Host { return e.host }

// SetMessenger replaces the text renderer.
func (e *Engine) SetMessenger(m Messenger) {
	if m == nil {
		m = logMessenger{}
	}
	e.messenger = m
}

// DeclareConstant binds a named constant usable by scripts.
func (e *Engine) DeclareConstant(name string, value Cell) uint32 {
	return e.Symbols.DeclareConstant(name, value)
}

// Queues returns the queue registry.
func (e *Engine) Queues() *QueueRegistry { return e.queues }

// World returns the world-scope variables.
func (e *Engine) World() *ScopeMap { return e.world }

// ---------------------------------------------------------------------------
// Units and functions
// ---------------------------------------------------------------------------

// RegisterUnit makes u reachable by name for events and runscript.
// Re-registering a name replaces the unit; the script variables of the old
// unit, including unflushed writes, carry over to the new one.
func (e *Engine) RegisterUnit(u *Unit) {
	if old, ok := e.units[u.Name]; ok {
		if old != u {
			log.Infof("unit %q reloaded", u.Name)
			u.Vars = old.Vars
		}
		e.units[u.Name] = u
		return
	}
	e.units[u.Name] = u
	if e.persistence != nil {
		e.loadScope(u.Vars)
	}
}

// RegisterFunction makes u callable as a global function.
func (e *Engine) RegisterFunction(name string, u *Unit) {
	u.Function = true
	if _, ok := e.functions[name]; ok {
		log.Infof("function %q reloaded", name)
	}
	e.functions[name] = u
}

// Unit returns a registered unit.
func (e *Engine) Unit(name string) (*Unit, bool) {
	u, ok := e.units[name]
	return u, ok
}

// Function returns a registered global function.
func (e *Engine) Function(name string) (*Unit, bool) {
	u, ok := e.functions[name]
	return u, ok
}

// ResolveEvent parses "Unit::Label" and returns the unit and entry offset.
func (e *Engine) ResolveEvent(event string) (*Unit, int, error) {
	unitName, label, ok := splitEvent(event)
	if !ok {
		return nil, 0, fmt.Errorf("malformed event %q", event)
	}
	u, ok := e.units[unitName]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownUnit, unitName)
	}
	pos, ok := u.Label(label)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownLabel, event)
	}
	return u, pos, nil
}

// ---------------------------------------------------------------------------
// Actors
// ---------------------------------------------------------------------------

// Actor returns the variable record of id, loading it on first use.
func (e *Engine) Actor(id int) *Actor {
	if a, ok := e.actors[id]; ok {
		return a
	}
	owner := strconv.Itoa(id)
	a := &Actor{
		ID:         id,
		Temp:       NewScopeMap(ScopeActorTemp, owner),
		Persistent: NewScopeMap(ScopeActor, owner),
	}
	e.actors[id] = a
	if e.persistence != nil {
		e.loadScope(a.Persistent)
	}
	return a
}

// EndSession clears the session variables of an actor.
func (e *Engine) EndSession(id int) {
	if a, ok := e.actors[id]; ok {
		a.Temp.Clear()
	}
}

// ---------------------------------------------------------------------------
// Instances
// ---------------------------------------------------------------------------

func (e *Engine) newState(u *Unit, pos, actorID, originID int) *ScriptState {
	e.nextID++
	st := &ScriptState{
		ID:       e.nextID,
		Unit:     u,
		PC:       pos,
		State:    StateRunning,
		Cont:     Running{PC: pos},
		ActorID:  actorID,
		OriginID: originID,
		engine:   e,
		stack:    make([]Cell, 0, 32),
		locals:   NewScopeMap(ScopeCall, ""),
	}
	e.instances[st.ID] = st
	return st
}

// release drops the instance handle. Releasing twice is a no-op.
func (e *Engine) release(st *ScriptState) {
	if st.released {
		return
	}
	st.released = true
	delete(e.instances, st.ID)
	st.stack = nil
}

// Instance returns a live instance by id.
func (e *Engine) Instance(id uint64) (*ScriptState, bool) {
	st, ok := e.instances[id]
	return st, ok
}

// InstanceCount returns the number of live instances.
func (e *Engine) InstanceCount() int { return len(e.instances) }

// Run starts u at pos and drives it to completion or its first suspension.
func (e *Engine) Run(u *Unit, pos, actorID, originID int) *ScriptState {
	return e.RunWithArgs(u, pos, actorID, originID)
}

// RunWithArgs is Run with a synthetic call frame visible through getarg.
func (e *Engine) RunWithArgs(u *Unit, pos, actorID, originID int, args ...Cell) *ScriptState {
	st := e.Spawn(u, pos, actorID, originID, args...)
	e.drive(st)
	return st
}

// Spawn creates an instance without running it, so the host can bind it
// before the first instruction executes. Start runs it.
func (e *Engine) Spawn(u *Unit, pos, actorID, originID int, args ...Cell) *ScriptState {
	st := e.newState(u, pos, actorID, originID)
	st.stack = append(st.stack, args...)
	st.start, st.end, st.defsp = 0, len(args), len(args)
	return st
}

// Start drives a spawned instance to completion or its first suspension.
func (e *Engine) Start(st *ScriptState) error {
	if st.started || st.released {
		return fmt.Errorf("%w: %s already started", ErrNotSuspended, st)
	}
	log.Debugf("run %s at %04d actor=%d", st.Unit.Name, st.PC, st.ActorID)
	e.drive(st)
	return nil
}

// RunLabel starts u at one of its exported labels.
func (e *Engine) RunLabel(u *Unit, label string, actorID, originID int) (*ScriptState, error) {
	pos, ok := u.Label(label)
	if !ok {
		return nil, fmt.Errorf("%w: %s::%s", ErrUnknownLabel, u.Name, label)
	}
	return e.Run(u, pos, actorID, originID), nil
}

// Resume continues a suspended instance.
func (e *Engine) Resume(id uint64) error {
	st, ok := e.instances[id]
	if !ok {
		err := violation("resume of unknown instance %d", id)
		log.Warningf("%s", err)
		return fmt.Errorf("%w: %d", ErrNoSuchInstance, id)
	}
	if !st.Suspended() {
		log.Warningf("%s", violation("resume of %s which is not suspended", st))
		return fmt.Errorf("%w: %s", ErrNotSuspended, st)
	}
	if _, waiting := st.Cont.(WaitingOnChild); waiting {
		log.Warningf("%s", violation("resume of %s while its child runs", st))
		return fmt.Errorf("%w: %s waits on a child", ErrNotSuspended, st)
	}
	e.drive(st)
	return nil
}

// Close forces st's whole runscript chain to CLOSING, running cleanup labels
// from the innermost instance outwards. It does not notify the host.
func (e *Engine) Close(st *ScriptState) {
	e.closeChain(st.Root())
}

func (e *Engine) closeChain(root *ScriptState) {
	for s := root.Leaf(); s != nil; s = s.Parent {
		if s.released {
			continue
		}
		e.host.Cancel(s)
		s.State = StateClosing
		e.runCleanup(s)
		s.child = nil
		e.release(s)
	}
}

// runCleanup executes the cleanup label of st as a separate instance that
// is not allowed to suspend.
func (e *Engine) runCleanup(st *ScriptState) {
	if st.cleanup == "" {
		return
	}
	pos, ok := st.Unit.Label(st.cleanup)
	if !ok {
		if id, found := e.Symbols.Lookup(st.cleanup); found {
			pos, ok = st.Unit.Labels[id]
		}
	}
	if !ok {
		log.Warningf("%s: cleanup label %q not found", st.Unit.Name, st.cleanup)
		return
	}
	c := e.newState(st.Unit, pos, st.ActorID, st.OriginID)
	e.execute(c)
	if !c.Finished() {
		log.Warningf("%s: cleanup %q tried to suspend; ended", st.Unit.Name, st.cleanup)
		e.host.Cancel(c)
		if c.child != nil {
			e.host.Cancel(c.child)
			e.release(c.child)
		}
		c.State = StateEnded
	}
	e.release(c)
}

// drive executes st and follows runscript children and parents until the
// chain suspends or the root finishes.
func (e *Engine) drive(st *ScriptState) {
	for {
		e.execute(st)
		if st.State == StateClosing {
			root := st.Root()
			e.closeChain(root)
			e.host.Finished(root)
			return
		}
		if st.State == StateEnded {
			parent := st.Parent
			e.release(st)
			if parent == nil {
				e.host.Finished(st)
				return
			}
			parent.child = nil
			st = parent
			continue
		}
		if _, ok := st.Cont.(WaitingOnChild); ok && st.child != nil && !st.child.started {
			st = st.child
			continue
		}
		return
	}
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

type nopHost struct{}

func (nopHost) Now() int64 { return 0 }
func (nopHost) Sleep(st *ScriptState, ms int64) (uint64, bool) {
	log.Warningf("%s: no scheduler; wait %d skipped", st.Unit.Name, ms)
	return 0, false
}
func (nopHost) AwaitInput(*ScriptState) {}
func (nopHost) Cancel(*ScriptState)     {}
func (nopHost) Finished(*ScriptState)   {}
func (nopHost) Attach(st *ScriptState, actorID int) error {
	st.ActorID = actorID
	return nil
}
func (nopHost) Detach(st *ScriptState) { st.ActorID = 0 }
func (nopHost) UnitTimer(*ScriptState, TimerOp, int64) (int64, error) {
	return 0, fmt.Errorf("no scheduler for unit timers")
}

type logMessenger struct{}

func (logMessenger) Message(actorID int, text string) { log.Infof("mes [%d] %s", actorID, text) }
func (logMessenger) Close(actorID int)                { log.Debugf("close [%d]", actorID) }
