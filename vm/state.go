package vm

import "fmt"

// ---------------------------------------------------------------------------
// Instance state
// ---------------------------------------------------------------------------

// RunState is the execution state of an instance.
type RunState uint8

const (
	StateRunning        RunState = iota
	StateStopped                 // suspended; see Cont
	StateEnded                   // finished normally
	StateRerunLine               // suspended; the pending call re-executes on resume
	StateGoto                    // a native moved the program counter
	StateReturnFromFunc          // a return is unwinding a frame
	StateClosing                 // forced shutdown, cleanup pending or done
)

var runStateNames = [...]string{"RUNNING", "STOPPED", "ENDED", "RERUN_CURRENT_LINE", "GOTO", "RETURN_FROM_FUNC", "CLOSING"}

func (s RunState) String() string {
	if int(s) < len(runStateNames) {
		return runStateNames[s]
	}
	return "UNKNOWN"
}

// Continuation records why a suspended instance is waiting.
type Continuation interface {
	continuation()
	String() string
}

// Running is the continuation of an instance that is not waiting.
type Running struct{ PC int }

// WaitingOnInput waits for SupplyInput.
type WaitingOnInput struct{}

// WaitingOnTimer waits for a scheduler timer.
type WaitingOnTimer struct{ Handle uint64 }

// WaitingOnChild waits for a nested invocation to end.
type WaitingOnChild struct{ Child uint64 }

func (Running) continuation()        {}
func (WaitingOnInput) continuation() {}
func (WaitingOnTimer) continuation() {}
func (WaitingOnChild) continuation() {}

func (c Running) String() string        { return fmt.Sprintf("running@%04d", c.PC) }
func (WaitingOnInput) String() string   { return "waiting-on-input" }
func (c WaitingOnTimer) String() string { return fmt.Sprintf("waiting-on-timer(%d)", c.Handle) }
func (c WaitingOnChild) String() string { return fmt.Sprintf("waiting-on-child(%d)", c.Child) }

// ScriptState is one running invocation of a unit.
type ScriptState struct {
	ID       uint64
	Unit     *Unit
	PC       int
	State    RunState
	Cont     Continuation
	ActorID  int
	OriginID int

	// Parent is the instance that started this one with runscript.
	Parent *ScriptState
	child  *ScriptState

	engine *Engine
	stack  []Cell
	start  int // current function's argument window
	end    int
	defsp  int // statement baseline
	depth  int // nested function calls
	locals *ScopeMap

	// native call in progress
	argStart int
	argEnd   int
	ret      Cell
	hasRet   bool
	callPC   int

	cleanup     string // label run when the instance is force-closed
	input       Cell
	hasInput    bool
	released    bool
	jumps       int // backward jumps this slice
	exhaustions int // exhaustion errors this slice
	started     bool
	lastErr     *RuntimeError
}

// Engine returns the engine running st.
func (st *ScriptState) Engine() *Engine { return st.engine }

// Suspended reports whether the instance is waiting to be resumed.
func (st *ScriptState) Suspended() bool {
	return st.State == StateStopped || st.State == StateRerunLine
}

// Finished reports whether the instance has ended or closed.
func (st *ScriptState) Finished() bool {
	return st.State == StateEnded || st.State == StateClosing
}

// Leaf follows runscript children to the instance currently executing on
// behalf of this chain.
func (st *ScriptState) Leaf() *ScriptState {
	for st.child != nil {
		st = st.child
	}
	return st
}

// Child returns the runscript child this instance waits on, if any.
func (st *ScriptState) Child() *ScriptState { return st.child }

// Root follows parents to the instance that owns the chain.
func (st *ScriptState) Root() *ScriptState {
	for st.Parent != nil {
		st = st.Parent
	}
	return st
}

// LastError returns the most recent runtime error of the instance.
func (st *ScriptState) LastError() error {
	if st.lastErr == nil {
		return nil
	}
	return st.lastErr
}

// Depth returns the number of active function frames.
func (st *ScriptState) Depth() int { return st.depth }

// StackLen returns the current stack height.
func (st *ScriptState) StackLen() int { return len(st.stack) }

// SetCleanup names the label run if the instance is force-closed.
func (st *ScriptState) SetCleanup(label string) { st.cleanup = label }

// Cleanup returns the force-close label.
func (st *ScriptState) Cleanup() string { return st.cleanup }

// SetInput stores a value supplied by the actor.
func (st *ScriptState) SetInput(c Cell) {
	st.input = c
	st.hasInput = true
}

// Input returns the last supplied value.
func (st *ScriptState) Input() (Cell, bool) {
	return st.input, st.hasInput
}

// ConsumeInput returns and clears the supplied value.
func (st *ScriptState) ConsumeInput() (Cell, bool) {
	c, ok := st.input, st.hasInput
	st.input, st.hasInput = Nil, false
	return c, ok
}

// Var reads a variable by name as seen from st.
func (st *ScriptState) Var(name string, index int) Cell {
	slot, err := st.engine.Resolve(st, VarRef{ID: st.engine.Symbols.Intern(name), Index: uint32(index)})
	if err != nil {
		return Nil
	}
	return slot.Get()
}

// SetVar writes a variable by name as seen from st.
func (st *ScriptState) SetVar(name string, index int, c Cell) error {
	slot, err := st.engine.Resolve(st, VarRef{ID: st.engine.Symbols.Intern(name), Index: uint32(index)})
	if err != nil {
		return err
	}
	return slot.Set(c)
}

// Suspend parks the instance. Natives call this for input waits; the
// scheduler records timer waits.
func (st *ScriptState) Suspend(c Continuation) {
	st.State = StateStopped
	st.Cont = c
}

// Rerun parks the instance so the current native call executes again on
// resume with the same arguments.
func (st *ScriptState) Rerun(c Continuation) {
	st.State = StateRerunLine
	st.Cont = c
}

// Goto moves execution to pos in the current unit after the native returns.
func (st *ScriptState) Goto(pos int) {
	st.State = StateGoto
	st.PC = pos
}

// End finishes the instance after the native returns.
func (st *ScriptState) End() {
	st.State = StateEnded
}

func (st *ScriptState) String() string {
	return fmt.Sprintf("instance %d (%s pc=%04d %s actor=%d)", st.ID, st.Unit.Name, st.PC, st.State, st.ActorID)
}

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

func (st *ScriptState) push(c Cell) {
	if len(st.stack) >= st.engine.Limits.MaxStack {
		st.fail(exhaustion("stack overflow (%d cells)", st.engine.Limits.MaxStack))
		return
	}
	st.stack = append(st.stack, c)
}

func (st *ScriptState) pop() Cell {
	n := len(st.stack)
	if n == 0 {
		return Nil
	}
	c := st.stack[n-1]
	st.stack = st.stack[:n-1]
	return c
}

func (st *ScriptState) peek() Cell {
	if len(st.stack) == 0 {
		return Nil
	}
	return st.stack[len(st.stack)-1]
}

func (st *ScriptState) truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(st.stack) {
		clear(st.stack[n:])
		st.stack = st.stack[:n]
	}
}

// value reads through a variable reference; other cells are returned as is.
func (st *ScriptState) value(c Cell) Cell {
	if c.Type != CellRef {
		return c
	}
	slot, err := st.engine.Resolve(st, c.Ref)
	if err != nil {
		st.fail(err)
		return Nil
	}
	return slot.Get()
}
