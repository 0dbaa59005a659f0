// Package compiler translates npcscript source into vm bytecode in a single
// pass with backpatched jumps.
package compiler

import (
	"path/filepath"
	"strings"

	"github.com/chazu/npcscript/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("npcscript.compiler")

// Options control how a source text is compiled.
type Options struct {
	// Name of the unit; defaults to the file's base name.
	Name string
	// RecordLabels exports labels starting with "On" as entry points.
	// Set for full scripts.
	RecordLabels bool
	// TolerateMissingBraces accepts a body without the outer { }.
	// Set for free-standing functions.
	TolerateMissingBraces bool
}

// ScriptOptions returns the options for a full script unit.
func ScriptOptions(name string) Options {
	return Options{Name: name, RecordLabels: true}
}

// FunctionOptions returns the options for a free-standing function.
func FunctionOptions(name string) Options {
	return Options{Name: name, TolerateMissingBraces: true}
}

// Compile translates source into a unit. line is the line number of the
// first source line, for units cut out of larger files. Symbols are interned
// into e's table; natives are checked against e's registry.
func Compile(e *vm.Engine, source, file string, line int, opts Options) (unit *vm.Unit, err error) {
	if opts.Name == "" {
		opts.Name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	var p *Parser
	defer func() {
		if r := recover(); r != nil {
			b, ok := r.(bailout)
			if !ok {
				panic(r)
			}
			log.Debugf("compile %s: %s", opts.Name, b.err.Message)
			unit, err = nil, b.err
		}
	}()
	p = NewParser(e.Symbols, source, file, line, opts)
	p.parseUnit()
	p.link()
	labels := make(map[uint32]int, len(p.labels))
	for id, l := range p.labels {
		labels[id] = l.Position()
		e.Symbols.MarkLabel(id)
	}
	code := p.b.Bytes()
	unit = vm.NewUnit(opts.Name, file, code, labels, p.exports, p.b.Lines())
	log.Debugf("compiled %s: %d bytes, %d labels", opts.Name, len(code), len(labels))
	return unit, nil
}

// CompileScript compiles a full script and registers it with e.
func CompileScript(e *vm.Engine, source, file string) (*vm.Unit, error) {
	u, err := Compile(e, source, file, 1, ScriptOptions(""))
	if err != nil {
		return nil, err
	}
	e.RegisterUnit(u)
	return u, nil
}

// CompileFunction compiles a free-standing function and registers it with
// e under name.
func CompileFunction(e *vm.Engine, name, source, file string) (*vm.Unit, error) {
	u, err := Compile(e, source, file, 1, FunctionOptions(name))
	if err != nil {
		return nil, err
	}
	e.RegisterFunction(name, u)
	return u, nil
}

// link resolves bare-name sites now that every label is known.
func (p *Parser) link() {
	for _, use := range p.gotos {
		if l := p.labels[use.id]; l == nil || !l.Resolved() {
			p.errorAt(use.pos, "unknown label %s", p.syms.Name(use.id))
		}
	}
	for id, pos := range p.declared {
		if l := p.labels[id]; l == nil || !l.Resolved() {
			p.errorAt(pos, "function %s declared but not defined", p.syms.Name(id))
		}
	}
	for _, s := range p.sites {
		l := p.labels[s.id]
		switch {
		case l != nil && l.Resolved():
			if s.assign {
				p.errorAt(s.pos, "cannot assign to label %s", p.syms.Name(s.id))
			}
			p.b.PatchOpcode(s.offset, vm.OpPushLabel)
			p.b.PatchUint32(s.offset+1, uint32(l.Position()))
		case s.call:
			p.b.PatchOpcode(s.offset, vm.OpPushName)
		default:
			p.b.PatchOpcode(s.offset, vm.OpPushRef)
		}
	}
	// drop labels created only by references
	for id, l := range p.labels {
		if !l.Resolved() {
			delete(p.labels, id)
		}
	}
}
