package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Native functions
// ---------------------------------------------------------------------------

// NativeFunc implements a native. It reads its arguments from st and may set
// a return value with st.Return. A returned error is logged and the call's
// result becomes nil; it never aborts the instance.
type NativeFunc func(st *ScriptState) error

// Native is a registered host function.
//
// Signature characters, one per parameter:
//
//	i  integer
//	s  string (integers are converted)
//	v  any value
//	r  variable reference
//	l  label
//
// A '?' starts the optional parameters; a trailing '*' accepts any number of
// extra values.
type Native struct {
	ID        uint32
	Name      string
	Signature string
	Fn        NativeFunc

	params   string
	required int
	variadic bool
}

// NewNative validates sig and builds a native.
func NewNative(name, sig string, fn NativeFunc) (*Native, error) {
	if fn == nil {
		return nil, fmt.Errorf("native %s: nil implementation", name)
	}
	n := &Native{Name: name, Signature: sig, Fn: fn, required: -1}
	for i := 0; i < len(sig); i++ {
		switch c := sig[i]; c {
		case 'i', 's', 'v', 'r', 'l':
			n.params += string(c)
		case '?':
			if n.required >= 0 {
				return nil, fmt.Errorf("native %s: signature %q has two '?'", name, sig)
			}
			n.required = len(n.params)
		case '*':
			if i != len(sig)-1 {
				return nil, fmt.Errorf("native %s: '*' must end signature %q", name, sig)
			}
			n.variadic = true
		default:
			return nil, fmt.Errorf("native %s: bad signature character %q", name, c)
		}
	}
	if n.required < 0 {
		n.required = len(n.params)
	}
	return n, nil
}

// Arity returns the accepted argument counts; max is -1 when unbounded.
func (n *Native) Arity() (min, max int) {
	if n.variadic {
		return n.required, -1
	}
	return n.required, len(n.params)
}

// CheckArgc reports whether argc arguments are acceptable.
func (n *Native) CheckArgc(argc int) error {
	min, max := n.Arity()
	if argc < min || (max >= 0 && argc > max) {
		if max < 0 {
			return fmt.Errorf("%s expects at least %d arguments, got %d", n.Name, min, argc)
		}
		if min == max {
			return fmt.Errorf("%s expects %d arguments, got %d", n.Name, min, argc)
		}
		return fmt.Errorf("%s expects %d to %d arguments, got %d", n.Name, min, max, argc)
	}
	return nil
}

// checkArgs validates the argument window of st against the signature.
func (n *Native) checkArgs(st *ScriptState) error {
	argc := st.NArgs()
	if err := n.CheckArgc(argc); err != nil {
		return typeError("%s", err)
	}
	for i := 0; i < argc && i < len(n.params); i++ {
		raw := st.rawArg(i)
		switch n.params[i] {
		case 'r':
			if raw.Type != CellRef {
				return typeError("%s: argument %d must be a variable, got %s", n.Name, i+1, raw.Type)
			}
		case 'l':
			if raw.Type != CellLabel {
				return typeError("%s: argument %d must be a label, got %s", n.Name, i+1, raw.Type)
			}
		case 'i':
			if c := st.Arg(i); c.Type != CellInt && c.Type != CellNil {
				return typeError("%s: argument %d must be an integer, got %s", n.Name, i+1, c.Type)
			}
		case 's':
			if c := st.Arg(i); c.Type != CellString && c.Type != CellInt && c.Type != CellNil {
				return typeError("%s: argument %d must be a string, got %s", n.Name, i+1, c.Type)
			}
		}
	}
	return nil
}

// RegisterNative binds a host function under name.
func (e *Engine) RegisterNative(name, signature string, fn NativeFunc) error {
	n, err := NewNative(name, signature, fn)
	if err != nil {
		return err
	}
	e.Symbols.DeclareNative(n)
	return nil
}

// MustRegisterNative is RegisterNative for built-in tables.
func (e *Engine) MustRegisterNative(name, signature string, fn NativeFunc) {
	if err := e.RegisterNative(name, signature, fn); err != nil {
		panic(err)
	}
}

// ---------------------------------------------------------------------------
// Argument access
// ---------------------------------------------------------------------------

// NArgs returns the number of arguments of the native being called.
func (st *ScriptState) NArgs() int {
	return st.argEnd - st.argStart
}

func (st *ScriptState) rawArg(i int) Cell {
	if i < 0 || st.argStart+i >= st.argEnd {
		return Nil
	}
	return st.stack[st.argStart+i]
}

// HasArg reports whether argument i was supplied.
func (st *ScriptState) HasArg(i int) bool {
	return i >= 0 && st.argStart+i < st.argEnd
}

// Arg returns argument i with variable references read through.
func (st *ScriptState) Arg(i int) Cell {
	return st.value(st.rawArg(i))
}

// ArgInt returns argument i as an integer (0 when absent or not numeric).
func (st *ScriptState) ArgInt(i int) int64 {
	v, _ := st.Arg(i).AsInt()
	return v
}

// ArgString returns argument i as a string.
func (st *ScriptState) ArgString(i int) string {
	v, _ := st.Arg(i).AsString()
	return v
}

// ArgRef returns argument i as a variable reference.
func (st *ScriptState) ArgRef(i int) (VarRef, bool) {
	c := st.rawArg(i)
	return c.Ref, c.Type == CellRef
}

// ArgLabel returns argument i as a code offset.
func (st *ScriptState) ArgLabel(i int) (int, bool) {
	c := st.rawArg(i)
	return int(c.Int), c.Type == CellLabel
}

// Return sets the value produced by the native call.
func (st *ScriptState) Return(c Cell) {
	st.ret = c
	st.hasRet = true
}

// ArgName returns the spelling of the variable passed as argument i.
func (st *ScriptState) ArgName(i int) string {
	if r, ok := st.ArgRef(i); ok {
		return st.engine.Symbols.Name(r.ID)
	}
	return ""
}

// splitEvent parses "Unit::Label".
func splitEvent(event string) (unit, label string, ok bool) {
	unit, label, ok = strings.Cut(event, "::")
	return unit, label, ok && unit != "" && label != ""
}
