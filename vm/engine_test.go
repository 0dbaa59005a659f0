package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// testHost records scheduler calls; waits always suspend.
type testHost struct {
	nopHost
	next     uint64
	sleeps   []int64
	awaiting int
	finished []uint64
	canceled int
}

func (h *testHost) Sleep(st *ScriptState, ms int64) (uint64, bool) {
	h.next++
	h.sleeps = append(h.sleeps, ms)
	return h.next, true
}

func (h *testHost) AwaitInput(*ScriptState) { h.awaiting++ }
func (h *testHost) Cancel(*ScriptState)     { h.canceled++ }
func (h *testHost) Finished(st *ScriptState) {
	h.finished = append(h.finished, st.ID)
}

type asm struct {
	e *Engine
	b *BytecodeBuilder
}

func newAsm(e *Engine) *asm { return &asm{e: e, b: NewBytecodeBuilder()} }

func (a *asm) ref(name string) *asm {
	a.b.EmitUint32(OpPushRef, a.e.Symbols.Intern(name))
	return a
}

func (a *asm) str(s string) *asm {
	a.b.EmitUint32(OpPushStr, a.e.Symbols.InternString(s))
	return a
}

func (a *asm) num(v int64) *asm {
	a.b.EmitInt(v)
	return a
}

func (a *asm) op(op Opcode) *asm {
	a.b.Emit(op)
	return a
}

// call emits name(args...) where args are emitted by fn.
func (a *asm) call(name string, fn func(a *asm)) *asm {
	a.b.EmitUint32(OpPushName, a.e.Symbols.Intern(name))
	a.b.Emit(OpArgStart)
	if fn != nil {
		fn(a)
	}
	a.b.Emit(OpCall)
	return a
}

// set emits name = v; as a full statement.
func (a *asm) set(name string, v int64) *asm {
	return a.ref(name).num(v).op(OpAssign).op(OpEOL)
}

func (a *asm) unit(name string, exports map[string]int) *Unit {
	return NewUnit(name, name+".nsc", a.b.Bytes(), nil, exports, a.b.Lines())
}

func tempVar(e *Engine, actorID int, name string) Cell {
	c, _ := e.Actor(actorID).Temp.Get(VarRef{ID: e.Symbols.Intern(name)})
	return c
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

func TestRunAssignAndEnd(t *testing.T) {
	e := NewEngine()
	a := newAsm(e)
	a.set("@x", 42).op(OpEnd)
	u := a.unit("t", nil)

	st := e.Run(u, 0, 1, 1)
	if st.State != StateEnded {
		t.Fatalf("state = %s, want ENDED", st.State)
	}
	if got := tempVar(e, 1, "@x"); !got.Equal(Int(42)) {
		t.Errorf("@x = %s, want 42", got)
	}
	if e.InstanceCount() != 0 {
		t.Errorf("InstanceCount = %d after end", e.InstanceCount())
	}
	if st.LastError() != nil {
		t.Errorf("unexpected error: %v", st.LastError())
	}
}

func TestRunFallsOffEnd(t *testing.T) {
	e := NewEngine()
	a := newAsm(e)
	a.set("@x", 1)
	st := e.Run(a.unit("t", nil), 0, 1, 1)
	if st.State != StateEnded {
		t.Errorf("state = %s, want ENDED", st.State)
	}
}

func TestArithmeticAndStrings(t *testing.T) {
	e := NewEngine()
	a := newAsm(e)
	a.ref("@sum").num(7).num(5).op(OpMul).num(3).op(OpSub).op(OpAssign).op(OpEOL)
	a.ref("@s$").str("lv").num(9).op(OpAdd).op(OpAssign).op(OpEOL)
	a.ref("@lt").str("abc").str("abd").op(OpLt).op(OpAssign).op(OpEOL)
	a.ref("@div").num(1).num(0).op(OpDiv).op(OpAssign).op(OpEOL)
	a.op(OpEnd)

	st := e.Run(a.unit("t", nil), 0, 1, 1)
	if got := tempVar(e, 1, "@sum"); !got.Equal(Int(32)) {
		t.Errorf("@sum = %s, want 32", got)
	}
	if got := tempVar(e, 1, "@s$"); !got.Equal(Str("lv9")) {
		t.Errorf("@s$ = %s, want \"lv9\"", got)
	}
	if got := tempVar(e, 1, "@lt"); !got.Equal(Int(1)) {
		t.Errorf("@lt = %s, want 1", got)
	}
	if got := tempVar(e, 1, "@div"); !got.IsNil() {
		t.Errorf("@div = %s, want unset", got)
	}
	if !IsKind(st.LastError(), KindType) {
		t.Errorf("division by zero error = %v", st.LastError())
	}
}

func TestIncDec(t *testing.T) {
	e := NewEngine()
	a := newAsm(e)
	a.set("@n", 5)
	a.ref("@post").ref("@n").b.EmitByte(OpIncDec, IncDecPostfix)
	a.op(OpAssign).op(OpEOL)
	a.ref("@pre").ref("@n").b.EmitByte(OpIncDec, IncDecDecrement)
	a.op(OpAssign).op(OpEOL).op(OpEnd)

	e.Run(a.unit("t", nil), 0, 1, 1)
	for name, want := range map[string]int64{"@n": 5, "@post": 5, "@pre": 5} {
		if got := tempVar(e, 1, name); !got.Equal(Int(want)) {
			t.Errorf("%s = %s, want %d", name, got, want)
		}
	}
}

func TestNativeCallAndReturn(t *testing.T) {
	e := NewEngine()
	var seen []int64
	e.MustRegisterNative("sum", "i*", func(st *ScriptState) error {
		var total int64
		for i := 0; i < st.NArgs(); i++ {
			seen = append(seen, st.ArgInt(i))
			total += st.ArgInt(i)
		}
		st.Return(Int(total))
		return nil
	})

	a := newAsm(e)
	a.ref("@r").call("sum", func(a *asm) { a.num(1).num(2).num(3) }).op(OpAssign).op(OpEOL)
	a.ref("@bad").call("sum", nil).op(OpAssign).op(OpEOL)
	a.op(OpEnd)

	st := e.Run(a.unit("t", nil), 0, 1, 1)
	if got := tempVar(e, 1, "@r"); !got.Equal(Int(6)) {
		t.Errorf("@r = %s, want 6", got)
	}
	if len(seen) != 3 {
		t.Errorf("native saw %v", seen)
	}
	if !IsKind(st.LastError(), KindType) {
		t.Errorf("arity error = %v, want type error", st.LastError())
	}
	if st.State != StateEnded {
		t.Errorf("state = %s; a failed call must not stop the instance", st.State)
	}
}

func TestScriptFunctionCall(t *testing.T) {
	e := NewEngine()
	a := newAsm(e)
	fn := a.b.NewLabel()
	a.ref("@r").op(OpPushLabel)
	a.b.EmitLabelRef(fn)
	a.op(OpArgStart).num(20).op(OpCall).op(OpAssign).op(OpEOL).op(OpEnd)
	a.b.Mark(fn)
	a.call("getarg", func(a *asm) { a.num(0) }).num(1).op(OpAdd)
	a.b.EmitByte(OpReturn, 1)

	st := e.Run(a.unit("t", nil), 0, 1, 1)
	if got := tempVar(e, 1, "@r"); !got.Equal(Int(21)) {
		t.Errorf("@r = %s, want 21", got)
	}
	if st.LastError() != nil {
		t.Errorf("unexpected error: %v", st.LastError())
	}
}

func TestUnknownCalleeIsNeutralised(t *testing.T) {
	e := NewEngine()
	a := newAsm(e)
	a.ref("@r").call("nowhere", func(a *asm) { a.num(1) }).op(OpAssign).op(OpEOL)
	a.set("@after", 1).op(OpEnd)

	st := e.Run(a.unit("t", nil), 0, 1, 1)
	if got := tempVar(e, 1, "@after"); !got.Equal(Int(1)) {
		t.Error("execution did not continue after a failed call")
	}
	if st.LastError() == nil {
		t.Error("no error recorded for undefined function")
	}
}

func TestActorScopeNeedsActor(t *testing.T) {
	e := NewEngine()
	a := newAsm(e)
	a.set("@x", 1).set("$w", 2).op(OpEnd)

	st := e.Run(a.unit("t", nil), 0, 0, 0)
	if !IsKind(st.LastError(), KindType) {
		t.Errorf("error = %v, want type error", st.LastError())
	}
	if c, _ := e.World().Get(VarRef{ID: e.Symbols.Intern("$w")}); !c.Equal(Int(2)) {
		t.Errorf("$w = %s, want 2", c)
	}
}

// ---------------------------------------------------------------------------
// Suspension
// ---------------------------------------------------------------------------

func TestWaitSuspendsAndResumes(t *testing.T) {
	h := &testHost{}
	e := NewEngine(WithHost(h))
	a := newAsm(e)
	a.num(100).op(OpWait).set("@x", 1).op(OpEnd)

	st := e.Run(a.unit("t", nil), 0, 1, 1)
	if !st.Suspended() {
		t.Fatalf("state = %s, want suspended", st.State)
	}
	if w, ok := st.Cont.(WaitingOnTimer); !ok || w.Handle != 1 {
		t.Errorf("Cont = %v, want waiting-on-timer(1)", st.Cont)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 100 {
		t.Errorf("sleeps = %v", h.sleeps)
	}
	if !tempVar(e, 1, "@x").IsNil() {
		t.Error("@x set before resume")
	}

	if err := e.Resume(st.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if st.State != StateEnded || !tempVar(e, 1, "@x").Equal(Int(1)) {
		t.Errorf("after resume: state %s, @x %s", st.State, tempVar(e, 1, "@x"))
	}
	if len(h.finished) != 1 || h.finished[0] != st.ID {
		t.Errorf("finished = %v", h.finished)
	}
	if err := e.Resume(st.ID); !errors.Is(err, ErrNoSuchInstance) {
		t.Errorf("second Resume = %v, want ErrNoSuchInstance", err)
	}
}

func TestWaitWithoutSchedulerIsSkipped(t *testing.T) {
	e := NewEngine()
	a := newAsm(e)
	a.num(100).op(OpWait).set("@x", 1).op(OpEnd)
	st := e.Run(a.unit("t", nil), 0, 1, 1)
	if st.State != StateEnded {
		t.Errorf("state = %s, want ENDED", st.State)
	}
}

func TestResumeRunningInstance(t *testing.T) {
	e := NewEngine()
	a := newAsm(e)
	a.op(OpEnd)
	st := e.Spawn(a.unit("t", nil), 0, 1, 1)
	if err := e.Resume(st.ID); !errors.Is(err, ErrNotSuspended) {
		t.Errorf("Resume of unstarted = %v, want ErrNotSuspended", err)
	}
	if err := e.Start(st); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(st); !errors.Is(err, ErrNotSuspended) {
		t.Errorf("second Start = %v", err)
	}
}

func TestInputRerunsCall(t *testing.T) {
	h := &testHost{}
	e := NewEngine(WithHost(h))
	a := newAsm(e)
	a.ref("@r").call("input", func(a *asm) { a.ref("@n").num(0).num(10) }).op(OpAssign).op(OpEOL)
	a.op(OpEnd)

	st := e.Run(a.unit("t", nil), 0, 1, 1)
	if st.State != StateRerunLine {
		t.Fatalf("state = %s, want RERUN_CURRENT_LINE", st.State)
	}
	if _, ok := st.Cont.(WaitingOnInput); !ok || h.awaiting != 1 {
		t.Errorf("Cont = %v, awaiting = %d", st.Cont, h.awaiting)
	}

	st.SetInput(Int(50))
	if err := e.Resume(st.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := tempVar(e, 1, "@n"); !got.Equal(Int(10)) {
		t.Errorf("@n = %s, want clamped 10", got)
	}
	if got := tempVar(e, 1, "@r"); !got.Equal(Int(1)) {
		t.Errorf("input result = %s, want 1", got)
	}
}

func TestWaitForInputValue(t *testing.T) {
	h := &testHost{}
	e := NewEngine(WithHost(h))
	a := newAsm(e)
	a.call("wait_for_input", nil).op(OpEOL)
	a.ref("@y").call("input_value", nil).op(OpAssign).op(OpEOL).op(OpEnd)

	st := e.Run(a.unit("t", nil), 0, 1, 1)
	if st.State != StateStopped {
		t.Fatalf("state = %s, want STOPPED", st.State)
	}
	st.SetInput(Int(5))
	if err := e.Resume(st.ID); err != nil {
		t.Fatal(err)
	}
	if got := tempVar(e, 1, "@y"); !got.Equal(Int(5)) {
		t.Errorf("@y = %s, want 5", got)
	}
}

func TestRunawayLoopCloses(t *testing.T) {
	h := &testHost{}
	e := NewEngine(WithHost(h), WithLimits(Limits{MaxLoopJumps: 100}))
	a := newAsm(e)
	top := a.b.NewLabel()
	a.b.Mark(top)
	a.b.EmitJump(OpJump, top)

	st := e.Run(a.unit("t", nil), 0, 1, 1)
	if st.State != StateClosing {
		t.Errorf("state = %s, want CLOSING", st.State)
	}
	if !IsKind(st.LastError(), KindExhaustion) {
		t.Errorf("error = %v, want exhaustion", st.LastError())
	}
	if len(h.finished) != 1 || e.InstanceCount() != 0 {
		t.Errorf("finished %v, live %d", h.finished, e.InstanceCount())
	}
}

func TestCloseRunsCleanup(t *testing.T) {
	h := &testHost{}
	e := NewEngine(WithHost(h))
	a := newAsm(e)
	a.call("wait_for_input", nil).op(OpEOL).set("@late", 1).op(OpEnd)
	clean := a.b.Len()
	a.set("@cleaned", 1).op(OpEnd)
	u := a.unit("t", map[string]int{"OnClean": clean})

	st := e.Run(u, 0, 1, 1)
	st.SetCleanup("OnClean")
	e.Close(st)

	if st.State != StateClosing {
		t.Errorf("state = %s, want CLOSING", st.State)
	}
	if !tempVar(e, 1, "@cleaned").Equal(Int(1)) {
		t.Error("cleanup label did not run")
	}
	if !tempVar(e, 1, "@late").IsNil() {
		t.Error("closed instance continued")
	}
	if e.InstanceCount() != 0 {
		t.Errorf("InstanceCount = %d", e.InstanceCount())
	}
	if len(h.finished) != 0 {
		t.Error("Close notified the host")
	}
}

func TestRunScriptChain(t *testing.T) {
	e := NewEngine()
	b := newAsm(e)
	b.set("@b", 1).op(OpEnd)
	e.RegisterUnit(b.unit("B", map[string]int{"OnGo": 0}))

	a := newAsm(e)
	a.call("runscript", func(a *asm) { a.str("B").str("OnGo") }).op(OpEOL)
	a.set("@a", 1).op(OpEnd)

	st := e.Run(a.unit("A", nil), 0, 1, 1)
	if st.State != StateEnded {
		t.Fatalf("state = %s, want ENDED", st.State)
	}
	if !tempVar(e, 1, "@a").Equal(Int(1)) || !tempVar(e, 1, "@b").Equal(Int(1)) {
		t.Errorf("@a = %s, @b = %s", tempVar(e, 1, "@a"), tempVar(e, 1, "@b"))
	}
	if e.InstanceCount() != 0 {
		t.Errorf("InstanceCount = %d", e.InstanceCount())
	}
}

func TestResolveEvent(t *testing.T) {
	e := NewEngine()
	a := newAsm(e)
	a.op(OpNOP).op(OpEnd)
	e.RegisterUnit(a.unit("Guide", map[string]int{"OnTalk": 1}))

	u, pos, err := e.ResolveEvent("Guide::OnTalk")
	if err != nil || u.Name != "Guide" || pos != 1 {
		t.Errorf("ResolveEvent = %v, %d, %v", u, pos, err)
	}
	if _, _, err := e.ResolveEvent("Guide::OnMissing"); !errors.Is(err, ErrUnknownLabel) {
		t.Errorf("missing label = %v", err)
	}
	if _, _, err := e.ResolveEvent("Nobody::OnTalk"); !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("missing unit = %v", err)
	}
	if _, _, err := e.ResolveEvent("Guide"); err == nil {
		t.Error("malformed event accepted")
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

type memPersistence struct {
	saved  []VarTuple
	stored []VarTuple
	fail   error
}

func (p *memPersistence) SaveVars(tuples []VarTuple) error {
	if p.fail != nil {
		return p.fail
	}
	p.saved = append(p.saved, tuples...)
	return nil
}

func (p *memPersistence) LoadVars(scope ScopeKind, owner string) ([]VarTuple, error) {
	var out []VarTuple
	for _, t := range p.stored {
		if t.Scope == scope && t.Owner == owner {
			out = append(out, t)
		}
	}
	return out, nil
}

func TestFlush(t *testing.T) {
	p := &memPersistence{}
	e := NewEngine(WithPersistence(p))
	a := newAsm(e)
	a.set("$gold", 5).set("score", 3).set("@session", 1).op(OpEnd)
	e.Run(a.unit("t", nil), 0, 7, 7)

	if err := e.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(p.saved) != 2 {
		t.Fatalf("saved %d tuples, want 2 (session vars are not durable): %+v", len(p.saved), p.saved)
	}
	got := map[string]VarTuple{}
	for _, tup := range p.saved {
		got[tup.Name] = tup
	}
	if g := got["$gold"]; g.Scope != ScopeWorld || !g.Value.Equal(Int(5)) {
		t.Errorf("$gold tuple = %+v", g)
	}
	if s := got["score"]; s.Scope != ScopeActor || s.Owner != "7" || !s.Value.Equal(Int(3)) {
		t.Errorf("score tuple = %+v", s)
	}

	p.saved = nil
	if err := e.Flush(); err != nil || len(p.saved) != 0 {
		t.Errorf("second flush saved %d tuples, err %v", len(p.saved), err)
	}
}

func TestFlushFailureRetries(t *testing.T) {
	p := &memPersistence{fail: errors.New("disk full")}
	e := NewEngine(WithPersistence(p))
	a := newAsm(e)
	a.set("$gold", 5).op(OpEnd)
	e.Run(a.unit("t", nil), 0, 0, 0)

	if err := e.Flush(); err == nil {
		t.Fatal("flush error not reported")
	}
	p.fail = nil
	if err := e.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(p.saved) != 1 {
		t.Errorf("retry saved %d tuples, want 1", len(p.saved))
	}
}

func TestLoadOnFirstUse(t *testing.T) {
	p := &memPersistence{stored: []VarTuple{
		{Scope: ScopeWorld, Name: "$gold", Value: Int(9)},
		{Scope: ScopeActor, Owner: "3", Name: "score", Index: 2, Value: Int(4)},
	}}
	e := NewEngine(WithPersistence(p))
	if c, _ := e.World().Get(VarRef{ID: e.Symbols.Intern("$gold")}); !c.Equal(Int(9)) {
		t.Errorf("$gold = %s, want 9", c)
	}
	ref := VarRef{ID: e.Symbols.Intern("score"), Index: 2}
	if c, _ := e.Actor(3).Persistent.Get(ref); !c.Equal(Int(4)) {
		t.Errorf("score[2] = %s, want 4", c)
	}
	if e.Actor(3).Persistent.Dirty() {
		t.Error("loaded values marked dirty")
	}
}
