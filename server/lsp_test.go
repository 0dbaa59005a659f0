package server

import (
	"errors"
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/chazu/npcscript/compiler"
	"github.com/chazu/npcscript/vm"
)

// ---------------------------------------------------------------------------
// Text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"simple word", "mes \"hi\"; getar", protocol.Position{Line: 0, Character: 16}, "getar"},
		{"at start", "cl", protocol.Position{Line: 0, Character: 2}, "cl"},
		{"empty line", "", protocol.Position{Line: 0, Character: 0}, ""},
		{"multi line", "first\nsecond\nwai", protocol.Position{Line: 2, Character: 3}, "wai"},
		{"call local sigil", "set .@cou", protocol.Position{Line: 0, Character: 9}, ".@cou"},
		{"world sigil", "$ma", protocol.Position{Line: 0, Character: 3}, "$ma"},
		{"cursor at beginning", "hello", protocol.Position{Line: 0, Character: 0}, ""},
		{"line beyond document", "single line", protocol.Position{Line: 5, Character: 0}, ""},
		{"column beyond line", "end", protocol.Position{Line: 0, Character: 40}, "end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPrefix(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractPrefix = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"middle of word", "callfunc \"F\";", protocol.Position{Line: 0, Character: 3}, "callfunc"},
		{"sigil and suffix", "@name$ = \"x\";", protocol.Position{Line: 0, Character: 2}, "@name$"},
		{"script var", "if (.count > 1)", protocol.Position{Line: 0, Character: 6}, ".count"},
		{"label", "OnInit:", protocol.Position{Line: 0, Character: 1}, "OnInit"},
		{"whitespace", "a  b", protocol.Position{Line: 0, Character: 2}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractWord(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractWord = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestURIPath(t *testing.T) {
	if got := uriPath("file:///srv/npc/guide.nsc"); got != "/srv/npc/guide.nsc" {
		t.Errorf("uriPath = %q", got)
	}
	if got := uriPath("untitled:1"); got != "untitled:1" {
		t.Errorf("uriPath = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Compiler-backed features
// ---------------------------------------------------------------------------

func TestDiagnosticFor(t *testing.T) {
	e := vm.NewEngine()
	_, err := compiler.Compile(e, "{\n\tmes \"hi\";\n\tgoto Nowhere;\n}", "guide.nsc", 1, compiler.ScriptOptions("guide"))
	if err == nil {
		t.Fatal("expected compile error")
	}
	d := diagnosticFor(err)
	if d.Range.Start.Line != 2 {
		t.Errorf("diagnostic line = %d, want 2", d.Range.Start.Line)
	}
	if !strings.Contains(d.Message, "Nowhere") {
		t.Errorf("diagnostic message = %q", d.Message)
	}
	if d.Severity == nil || *d.Severity != protocol.DiagnosticSeverityError {
		t.Error("diagnostic severity is not error")
	}
	if d.Range.End.Character < d.Range.Start.Character {
		t.Errorf("range end %d before start %d", d.Range.End.Character, d.Range.Start.Character)
	}
}

func TestDiagnosticForPlainError(t *testing.T) {
	d := diagnosticFor(errors.New("boom"))
	if d.Message != "boom" || d.Range.Start.Line != 0 {
		t.Errorf("diagnostic = %+v", d)
	}
}

func TestComplete(t *testing.T) {
	s := NewLSP(vm.NewEngine())
	items := s.complete("queue")
	if len(items) == 0 {
		t.Fatal("no completions for queue")
	}
	for i, item := range items {
		if !strings.HasPrefix(item.Label, "queue") {
			t.Errorf("unexpected completion %q", item.Label)
		}
		if i > 0 && items[i-1].Label > item.Label {
			t.Errorf("completions not sorted: %q before %q", items[i-1].Label, item.Label)
		}
	}

	items = s.complete("whi")
	if len(items) != 1 || items[0].Label != "while" {
		t.Errorf("keyword completion = %+v", items)
	}
}

func TestHover(t *testing.T) {
	e := vm.NewEngine()
	e.DeclareConstant("MAX_LEVEL", vm.Int(99))
	s := NewLSP(e)

	h := s.hover("input")
	if h == nil {
		t.Fatal("no hover for native input")
	}
	value := h.Contents.(protocol.MarkupContent).Value
	if !strings.Contains(value, "1-3 args") {
		t.Errorf("hover = %q", value)
	}

	h = s.hover("MAX_LEVEL")
	if h == nil || !strings.Contains(h.Contents.(protocol.MarkupContent).Value, "99") {
		t.Errorf("constant hover = %+v", h)
	}

	if s.hover("not_a_symbol_anywhere") != nil {
		t.Error("hover for unknown word")
	}
}

func TestDefinition(t *testing.T) {
	s := NewLSP(vm.NewEngine())
	text := "{\n\tmes \"hi\";\n\tend;\nOnTalk:\n\tmes \"talk\";\n\tend;\n}"
	loc := s.definition("file:///npc/guide.nsc", text, "OnTalk")
	if loc == nil {
		t.Fatal("no definition for OnTalk")
	}
	if loc.Range.Start.Line != 4 {
		t.Errorf("definition line = %d, want 4", loc.Range.Start.Line)
	}
	if s.definition("file:///npc/guide.nsc", text, "OnMissing") != nil {
		t.Error("definition for unknown label")
	}
}
