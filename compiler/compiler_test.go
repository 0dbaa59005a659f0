package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/npcscript/vm"
)

func compileScript(t *testing.T, e *vm.Engine, src string) *vm.Unit {
	t.Helper()
	u, err := Compile(e, src, "test.nsc", 1, ScriptOptions("test"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return u
}

func TestCompileExportsAndTimers(t *testing.T) {
	e := vm.NewEngine()
	u := compileScript(t, e, `{
	end;
OnInit:
	end;
OnTimer5000:
	end;
OnTimer1000:
	end;
L_Private:
	end;
}`)
	for _, name := range []string{"OnInit", "OnTimer1000", "OnTimer5000"} {
		if _, ok := u.Label(name); !ok {
			t.Errorf("%s not exported", name)
		}
	}
	if _, ok := u.Label("L_Private"); ok {
		t.Error("L_Private exported")
	}
	id, _ := e.Symbols.Lookup("L_Private")
	if _, ok := u.Labels[id]; !ok {
		t.Error("L_Private missing from the label table")
	}
	if sym, _ := e.Symbols.Get(id); sym.Kind != vm.SymLabel {
		t.Errorf("L_Private kind = %s", sym.Kind)
	}
	if len(u.Timers) != 2 || u.Timers[0].At != 1000 || u.Timers[1].At != 5000 {
		t.Errorf("Timers = %+v", u.Timers)
	}
	if got := u.ExportNames(); strings.Join(got, ",") != "OnInit,OnTimer5000,OnTimer1000" {
		t.Errorf("ExportNames() = %v", got)
	}
	if u.Name != "test" || u.File != "test.nsc" {
		t.Errorf("unit %q from %q", u.Name, u.File)
	}
}

func TestCompileFunctionOptions(t *testing.T) {
	e := vm.NewEngine()
	u, err := Compile(e, "OnSomething:\n\treturn 1;", "F_One.nsc", 1, FunctionOptions("F_One"))
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Exports) != 0 {
		t.Errorf("function unit exported %v", u.Exports)
	}
	if u.Name != "F_One" {
		t.Errorf("Name = %q", u.Name)
	}
}

func TestCompileDefaultName(t *testing.T) {
	e := vm.NewEngine()
	u, err := Compile(e, "{ end; }", "/srv/npc/guide.nsc", 1, Options{RecordLabels: true})
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "guide" {
		t.Errorf("Name = %q, want guide", u.Name)
	}
}

func TestCompileLinksBareNames(t *testing.T) {
	e := vm.NewEngine()
	u := compileScript(t, e, `{
	callsub L_Sub;
	zeny = 5;
	end;
L_Sub:
	return;
}`)
	dis := vm.Disassemble(u.Code, e.Symbols)
	if strings.Contains(dis, "PUSH_SYM") {
		t.Errorf("unlinked site left in code:\n%s", dis)
	}
	if !strings.Contains(dis, "PUSH_LABEL") || !strings.Contains(dis, "PUSH_REF zeny") {
		t.Errorf("bare names not linked:\n%s", dis)
	}
}

func TestCompileLineTable(t *testing.T) {
	e := vm.NewEngine()
	u, err := Compile(e, "{\n\tmes \"a\";\n\n\tmes \"b\";\n}", "t.nsc", 20, ScriptOptions("t"))
	if err != nil {
		t.Fatal(err)
	}
	if got := u.LineAt(0); got != 21 {
		t.Errorf("LineAt(0) = %d, want 21", got)
	}
	if got := u.LineAt(len(u.Code) - 1); got != 24 {
		t.Errorf("LineAt(end) = %d, want 24", got)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
		line int
	}{
		{"unknown label", "{\n\tgoto Nowhere;\n}", "unknown label Nowhere", 2},
		{"break outside loop", "{ break; }", "break outside loop", 1},
		{"continue in switch", "{ switch (1) { case 1: continue; } }", "continue outside loop", 1},
		{"native arity", "{\n\tmes;\n}", "mes expects at least 1 arguments, got 0", 2},
		{"native arity in parens", "{ @x = rand(); }", "rand expects 1 to 2 arguments, got 0", 1},
		{"missing open brace", "mes \"hi\";", "expected '{'", 1},
		{"missing close brace", "{ mes \"hi\";", "missing '}'", 1},
		{"trailing tokens", "{ end; } end;", "after script body", 1},
		{"assign to label", "{\nL_Here:\n\tL_Here = 1;\n}", "cannot assign to label L_Here", 3},
		{"native without parens", "{ @x = mes; }", "must be called with", 1},
		{"duplicate label", "{ A: end; A: end; }", "duplicate label A", 1},
		{"invalid label", "{ @x: end; }", "invalid label name @x", 1},
		{"declared not defined", "{ function Later; end; }", "declared but not defined", 1},
		{"nested function", "{ function A { function B { } } }", "defined inside another function", 1},
		{"case outside switch", "{ case 1: end; }", "case outside switch", 1},
		{"duplicate case", "{ switch (1) { case 1: case 1: } }", "duplicate case", 1},
		{"bad case", "{ switch (1) { case @x: } }", "case label must be", 1},
		{"assign to value", "{ 1 = 2; }", "left side of = is not a variable", 1},
		{"increment value", "{ (1)++; }", "left side of ++ is not a variable", 1},
		{"variable called", "{ @x(1); }", "is a variable, not a function", 1},
		{"index value", "{ @x = 1[0]; }", "cannot index a value", 1},
		{"lexer error", "{ @x = \"open; }", "unterminated string", 1},
		{"integer overflow", "{ @x = 99999999999999999999; }", "out of range", 1},
		{"missing semicolon", "{ @x = 1 }", "expected ;", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := vm.NewEngine()
			u, err := Compile(e, tt.src, "bad.nsc", 1, ScriptOptions("bad"))
			if err == nil {
				t.Fatalf("compiled without error: %d bytes", len(u.Code))
			}
			if u != nil {
				t.Error("unit returned with an error")
			}
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not *Error", err)
			}
			if !strings.Contains(ce.Message, tt.want) {
				t.Errorf("message = %q, want %q", ce.Message, tt.want)
			}
			if ce.Line != tt.line {
				t.Errorf("line = %d, want %d", ce.Line, tt.line)
			}
			if ce.File != "bad.nsc" {
				t.Errorf("file = %q", ce.File)
			}
		})
	}
}

func TestErrorFormat(t *testing.T) {
	err := &Error{Message: "boom", File: "a.nsc", Line: 3, Column: 7, Excerpt: "mes x;"}
	if got := err.Error(); got != "a.nsc:3:7: boom\n\tmes x;" {
		t.Errorf("Error() = %q", got)
	}
	err = &Error{Message: "boom", Line: 1, Column: 1}
	if got := err.Error(); got != "1:1: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestCompileScriptRegisters(t *testing.T) {
	e := vm.NewEngine()
	if _, err := CompileScript(e, "{ end; OnTalk: end; }", "npc/Guide.nsc"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.ResolveEvent("Guide::OnTalk"); err != nil {
		t.Errorf("ResolveEvent: %v", err)
	}
	if _, err := CompileFunction(e, "F_Id", "return getarg(0);", "F_Id.nsc"); err != nil {
		t.Fatal(err)
	}
	if fn, ok := e.Function("F_Id"); !ok || !fn.Function {
		t.Error("function not registered")
	}
	if _, err := CompileScript(e, "{ goto X; }", "npc/Broken.nsc"); err == nil {
		t.Error("broken script compiled")
	}
	if _, ok := e.Unit("Broken"); ok {
		t.Error("broken script registered")
	}
}
