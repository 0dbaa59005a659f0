package compiler

import (
	"slices"
	"strings"
	"testing"

	"github.com/chazu/npcscript/vm"
)

// recorder captures dialog output.
type recorder struct {
	lines  []string
	closed int
}

func (r *recorder) Message(actorID int, text string) { r.lines = append(r.lines, text) }
func (r *recorder) Close(actorID int)                { r.closed++ }

// runScript compiles src as unit "test" and runs it from the top for actor 1.
func runScript(t *testing.T, e *vm.Engine, src string) *vm.ScriptState {
	t.Helper()
	u := compileScript(t, e, src)
	e.RegisterUnit(u)
	return e.Run(u, 0, 1, 1)
}

func expectVar(t *testing.T, st *vm.ScriptState, name string, want vm.Cell) {
	t.Helper()
	if got := st.Var(name, 0); !got.Equal(want) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func TestRunAssignment(t *testing.T) {
	e := vm.NewEngine()
	st := runScript(t, e, "{ @x = 42; end; }")
	if st.State != vm.StateEnded {
		t.Fatalf("state = %s, want ENDED", st.State)
	}
	expectVar(t, st, "@x", vm.Int(42))
	if e.InstanceCount() != 0 {
		t.Errorf("InstanceCount = %d", e.InstanceCount())
	}
}

func TestRunUnsetVariablesReadAsZero(t *testing.T) {
	e := vm.NewEngine()
	st := runScript(t, e, `{
	@a = @unset + 1;
	@s$ = @empty$ + "x";
	@first = (.x + 3) * 2;
	@second = (.x + 3) * 2;
	end;
}`)
	expectVar(t, st, "@a", vm.Int(1))
	expectVar(t, st, "@s$", vm.Str("x"))
	expectVar(t, st, "@first", vm.Int(6))
	expectVar(t, st, "@second", vm.Int(6))
	if st.LastError() != nil {
		t.Errorf("unexpected error: %v", st.LastError())
	}
}

func TestRunOperators(t *testing.T) {
	e := vm.NewEngine()
	st := runScript(t, e, `{
	@prec = 2 + 3 * 4 - 10 / 2;
	@shift = 1 << 4 | 1;
	@neg = -5 % 3;
	@cmp = (3 > 2) && (2 >= 2) && !(1 == 2);
	@or = 0 || 0;
	@tern = @cmp ? 10 : 20;
	@n = 5;
	@n += 2;
	@n *= 3;
	@n <<= 1;
	@post = @n++;
	@pre = --@n;
	@cat$ = "lv" + 10;
	@scmp = "abc" < "abd";
	end;
}`)
	expectVar(t, st, "@prec", vm.Int(9))
	expectVar(t, st, "@shift", vm.Int(17))
	expectVar(t, st, "@neg", vm.Int(-2))
	expectVar(t, st, "@cmp", vm.Int(1))
	expectVar(t, st, "@or", vm.Int(0))
	expectVar(t, st, "@tern", vm.Int(10))
	expectVar(t, st, "@post", vm.Int(42))
	expectVar(t, st, "@pre", vm.Int(42))
	expectVar(t, st, "@n", vm.Int(42))
	expectVar(t, st, "@cat$", vm.Str("lv10"))
	expectVar(t, st, "@scmp", vm.Int(1))
}

func TestRunShortCircuit(t *testing.T) {
	e := vm.NewEngine()
	st := runScript(t, e, `{
	@r = 0 && (@hit = 1);
	@s = 1 || (@hit2 = 1);
	end;
}`)
	expectVar(t, st, "@hit", vm.Int(0))
	expectVar(t, st, "@hit2", vm.Int(0))
	expectVar(t, st, "@s", vm.Int(1))
}

func TestRunLoops(t *testing.T) {
	e := vm.NewEngine()
	st := runScript(t, e, `{
	for (.@i = 1; .@i <= 10; .@i++) {
		if (.@i == 5)
			continue;
		@sum += .@i;
	}
	.@j = 0;
	while (1) {
		.@j++;
		if (.@j >= 3)
			break;
	}
	@j = .@j;
	do {
		@d++;
	} while (@d < 4);
	for (;;) {
		@inf++;
		if (@inf == 2) break;
	}
	end;
}`)
	expectVar(t, st, "@sum", vm.Int(50))
	expectVar(t, st, "@j", vm.Int(3))
	expectVar(t, st, "@d", vm.Int(4))
	expectVar(t, st, "@inf", vm.Int(2))
}

func TestRunIfElseChain(t *testing.T) {
	e := vm.NewEngine()
	st := runScript(t, e, `{
	@v = 7;
	if (@v < 5) @r$ = "low";
	else if (@v < 10) @r$ = "mid";
	else @r$ = "high";
	end;
}`)
	expectVar(t, st, "@r$", vm.Str("mid"))
}

func TestRunGoto(t *testing.T) {
	e := vm.NewEngine()
	st := runScript(t, e, `{
	goto L_Skip;
	@skipped = 1;
L_Skip:
	@reached = 1;
	end;
}`)
	expectVar(t, st, "@skipped", vm.Int(0))
	expectVar(t, st, "@reached", vm.Int(1))
}

func TestRunSwitch(t *testing.T) {
	e := vm.NewEngine()
	e.DeclareConstant("MAX_LEVEL", vm.Int(99))
	st := runScript(t, e, `{
	function Name {
		switch (getarg(0)) {
		case 1:
			return "one";
		case -2:
			return "minus two";
		case "x":
			return "ex";
		case MAX_LEVEL:
			return "max";
		default:
			return "other";
		}
	}
	@a$ = Name(1);
	@b$ = Name(-2);
	@c$ = Name("x");
	@d$ = Name(99);
	@e$ = Name(7);
	@f$ = Name("1");
	switch (3) {
	case 3:
		@fall = 1;
	case 4:
		@fall++;
		break;
	case 5:
		@fall = 100;
	}
	end;
}`)
	expectVar(t, st, "@a$", vm.Str("one"))
	expectVar(t, st, "@b$", vm.Str("minus two"))
	expectVar(t, st, "@c$", vm.Str("ex"))
	expectVar(t, st, "@d$", vm.Str("max"))
	expectVar(t, st, "@e$", vm.Str("other"))
	expectVar(t, st, "@f$", vm.Str("other"))
	expectVar(t, st, "@fall", vm.Int(2))
}

func TestRunFunctions(t *testing.T) {
	e := vm.NewEngine()
	if _, err := CompileFunction(e, "F_Double", "return getarg(0) * 2;", "F_Double.nsc"); err != nil {
		t.Fatal(err)
	}
	st := runScript(t, e, `{
	function Add;
	@a = callfunc("F_Double", 21);
	@b = callsub(L_Add, 2, 3);
	@c = Add(4, 5);
	@argc = getargcount();
	@def = callsub(L_Default);
	.@local = 7;
	@kept = callsub(L_Locals);
	@after = .@local;
	end;
L_Add:
	return getarg(0) + getarg(1);
L_Default:
	return getarg(3, 11);
L_Locals:
	.@local = 99;
	return .@local;
	function Add {
		return getarg(0) + getarg(1) + getargcount();
	}
}`)
	expectVar(t, st, "@a", vm.Int(42))
	expectVar(t, st, "@b", vm.Int(5))
	expectVar(t, st, "@c", vm.Int(11))
	expectVar(t, st, "@argc", vm.Int(0))
	expectVar(t, st, "@def", vm.Int(11))
	expectVar(t, st, "@kept", vm.Int(99))
	expectVar(t, st, "@after", vm.Int(7))
	if st.Depth() != 0 {
		t.Errorf("Depth() = %d after return", st.Depth())
	}
}

func TestRunRecursionLimit(t *testing.T) {
	e := vm.NewEngine(vm.WithLimits(vm.Limits{MaxCallDepth: 8}))
	st := runScript(t, e, `{
	function Down {
		@depth++;
		Down();
		return;
	}
	Down();
	@after = 1;
	end;
}`)
	expectVar(t, st, "@depth", vm.Int(8))
	expectVar(t, st, "@after", vm.Int(1))
	if !vm.IsKind(st.LastError(), vm.KindExhaustion) {
		t.Errorf("error = %v, want exhaustion", st.LastError())
	}
}

func TestRunNestedNativeCalls(t *testing.T) {
	e := vm.NewEngine()
	var argcs []int
	e.MustRegisterNative("probe", "v*", func(st *vm.ScriptState) error {
		argcs = append(argcs, st.NArgs())
		var sum int64
		for i := 0; i < st.NArgs(); i++ {
			sum += st.ArgInt(i)
		}
		st.Return(vm.Int(sum))
		return nil
	})
	st := runScript(t, e, `{
	@r = probe(probe(1), 2, probe(3, probe(4)));
	probe 5, 6;
	end;
}`)
	expectVar(t, st, "@r", vm.Int(10))
	if !slices.Equal(argcs, []int{1, 1, 2, 3, 2}) {
		t.Errorf("argument counts = %v", argcs)
	}
}

func TestRunArrays(t *testing.T) {
	e := vm.NewEngine()
	st := runScript(t, e, `{
	setarray .@list, 10, 20, 30;
	@size = getarraysize(.@list);
	@second = .@list[1];
	.@list[5] = 1;
	@size2 = getarraysize(.@list);
	cleararray .@list, 0, 6;
	@size3 = getarraysize(.@list);
	setarray .@names$[1], "a", "b";
	@name$ = .@names$[2];
	.@list[200] = 1;
	@after = 1;
	end;
}`)
	expectVar(t, st, "@size", vm.Int(3))
	expectVar(t, st, "@second", vm.Int(20))
	expectVar(t, st, "@size2", vm.Int(6))
	expectVar(t, st, "@size3", vm.Int(0))
	expectVar(t, st, "@name$", vm.Str("b"))
	expectVar(t, st, "@after", vm.Int(1))
	if st.LastError() == nil {
		t.Error("out-of-range index not reported")
	}
}

func TestRunTypeErrorsAreRecoverable(t *testing.T) {
	e := vm.NewEngine()
	st := runScript(t, e, `{
	@n = 3;
	@n = "abc";
	@m = "a" - 1;
	@after = 1;
	end;
}`)
	expectVar(t, st, "@n", vm.Int(3))
	expectVar(t, st, "@after", vm.Int(1))
	if !vm.IsKind(st.LastError(), vm.KindType) {
		t.Errorf("error = %v, want type error", st.LastError())
	}
}

func TestRunDialog(t *testing.T) {
	rec := &recorder{}
	e := vm.NewEngine(vm.WithMessenger(rec))
	st := runScript(t, e, `{
	mes "Hello", "World";
	mes "Level " + 5;
	close;
	mes "unreachable";
}`)
	if !slices.Equal(rec.lines, []string{"Hello", "World", "Level 5"}) {
		t.Errorf("lines = %q", rec.lines)
	}
	if rec.closed != 1 || st.State != vm.StateEnded {
		t.Errorf("closed = %d, state = %s", rec.closed, st.State)
	}
}

func TestRunConstantsAndScopes(t *testing.T) {
	e := vm.NewEngine()
	e.DeclareConstant("GREETING", vm.Str("hi"))
	e.DeclareConstant("START", vm.Int(3))
	src := `{
	.count += START;
	$world += 1;
	score += 2;
	@tmp$ = GREETING;
	end;
}`
	u := compileScript(t, e, src)
	e.RegisterUnit(u)
	e.Run(u, 0, 1, 1)
	st := e.Run(u, 0, 2, 2)

	expectVar(t, st, ".count", vm.Int(6))
	expectVar(t, st, "$world", vm.Int(2))
	expectVar(t, st, "score", vm.Int(2))
	expectVar(t, st, "@tmp$", vm.Str("hi"))
	if c, _ := e.Actor(1).Persistent.Get(vm.VarRef{ID: e.Symbols.Intern("score")}); !c.Equal(vm.Int(2)) {
		t.Errorf("actor 1 score = %s", c)
	}
}

func TestRunRunscript(t *testing.T) {
	e := vm.NewEngine()
	other := compileScript(t, e, "{ end; OnGo: @other = getargcount() + 1; end; }")
	other.Name = "Other"
	e.RegisterUnit(other)
	st := runScript(t, e, `{
	runscript "Other", "OnGo";
	@back = 1;
	end;
}`)
	expectVar(t, st, "@other", vm.Int(1))
	expectVar(t, st, "@back", vm.Int(1))
}

func TestRunLoopBudgetCountsIterations(t *testing.T) {
	e := vm.NewEngine(vm.WithLimits(vm.Limits{MaxLoopJumps: 100}))
	st := runScript(t, e, `{
	for (.@i = 0; .@i < 100; .@i++) {
		switch (.@i % 2) {
		case 0:
			@even++;
			continue;
		}
		@odd++;
	}
	end;
}`)
	if st.State != vm.StateEnded || st.LastError() != nil {
		t.Fatalf("state = %s, error = %v", st.State, st.LastError())
	}
	expectVar(t, st, "@even", vm.Int(50))
	expectVar(t, st, "@odd", vm.Int(50))

	st = runScript(t, e, `{
	for (.@i = 0; .@i < 101; .@i++)
		@n++;
	@after = 1;
	end;
}`)
	if !vm.IsKind(st.LastError(), vm.KindExhaustion) {
		t.Errorf("error = %v, want exhaustion", st.LastError())
	}
	expectVar(t, st, "@after", vm.Int(0))
}

func TestRunForLayout(t *testing.T) {
	e := vm.NewEngine()
	u := compileScript(t, e, `{
	for (.@i = 0; .@i < 3; .@i++)
		@n++;
	end;
}`)
	backward := 0
	r := vm.NewBytecodeReader(u.Code)
	for r.HasMore() {
		pc := r.Position()
		switch vm.Opcode(u.Code[pc]) {
		case vm.OpJump, vm.OpJumpTrue, vm.OpJumpFalse:
			r.ReadOpcode()
			if int(r.ReadUint32()) <= pc {
				backward++
			}
		default:
			vm.DisassembleInstruction(r, nil)
		}
	}
	if backward != 1 {
		t.Errorf("%d backward jumps, want 1:\n%s", backward, vm.Disassemble(u.Code, e.Symbols))
	}
}

func TestRunInputBounds(t *testing.T) {
	e := vm.NewEngine()
	st := runScript(t, e, `{
	@r = input(@name$, 0, 3);
	@bad = input(@other$, 0, -1) + 10;
	@worse = input(@n, 5, 1) + 20;
	end;
}`)
	if !st.Suspended() {
		t.Fatalf("state = %s, want waiting for input", st.State)
	}
	st.SetInput(vm.Str("abcdef"))
	if err := e.Resume(st.ID); err != nil {
		t.Fatal(err)
	}
	if st.State != vm.StateEnded {
		t.Fatalf("state = %s, want ENDED", st.State)
	}
	expectVar(t, st, "@name$", vm.Str("abc"))
	expectVar(t, st, "@r", vm.Int(1))
	expectVar(t, st, "@bad", vm.Int(10))
	expectVar(t, st, "@worse", vm.Int(20))
	if err := st.LastError(); err == nil || !strings.Contains(err.Error(), "invalid bounds") {
		t.Errorf("error = %v", err)
	}
}

func TestRunRandRanges(t *testing.T) {
	e := vm.NewEngine(vm.WithSeed(7))
	st := runScript(t, e, `{
	@full = rand(-9223372036854775807 - 1, 9223372036854775807);
	@same = rand(5, 5);
	@swapped = rand(9, 7);
	@small = rand(3);
	@wide = rand(-9223372036854775807 - 1, 0);
	end;
}`)
	if st.State != vm.StateEnded || st.LastError() != nil {
		t.Fatalf("state = %s, error = %v", st.State, st.LastError())
	}
	expectVar(t, st, "@same", vm.Int(5))
	if v := st.Var("@swapped", 0).Int; v < 7 || v > 9 {
		t.Errorf("@swapped = %d", v)
	}
	if v := st.Var("@small", 0).Int; v < 0 || v > 2 {
		t.Errorf("@small = %d", v)
	}
	if v := st.Var("@wide", 0).Int; v > 0 {
		t.Errorf("@wide = %d", v)
	}
}

// memVars is an in-memory persistence store.
type memVars struct {
	saved []vm.VarTuple
}

func (m *memVars) SaveVars(tuples []vm.VarTuple) error {
	m.saved = append(m.saved, tuples...)
	return nil
}

func (m *memVars) LoadVars(vm.ScopeKind, string) ([]vm.VarTuple, error) { return nil, nil }

func TestReloadKeepsScriptVariables(t *testing.T) {
	store := &memVars{}
	e := vm.NewEngine(vm.WithPersistence(store))
	u, err := CompileScript(e, "{ .counter = 7; end; }", "npc.nsc")
	if err != nil {
		t.Fatal(err)
	}
	e.Run(u, 0, 1, 1)

	reloaded, err := CompileScript(e, "{ .counter += 1; end; }", "npc.nsc")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := e.Unit("npc"); got != reloaded {
		t.Fatal("reloaded unit not registered")
	}
	if reloaded.Vars != u.Vars {
		t.Error("reload replaced the script variables")
	}
	st := e.Run(reloaded, 0, 1, 1)
	expectVar(t, st, ".counter", vm.Int(8))

	if err := e.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("flushed %+v", store.saved)
	}
	if tv := store.saved[0]; tv.Scope != vm.ScopeScript || tv.Owner != "npc" || tv.Name != ".counter" || !tv.Value.Equal(vm.Int(8)) {
		t.Errorf("flushed %+v", tv)
	}
}
