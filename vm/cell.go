package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Data cells
// ---------------------------------------------------------------------------

// CellType tags the payload of a Cell.
type CellType uint8

const (
	CellNil     CellType = iota // absent value; reads as 0 or ""
	CellInt                     // 64-bit integer
	CellString                  // immutable string
	CellRef                     // variable reference (symbol + array index)
	CellLabel                   // jump target within a unit
	CellName                    // callee name (native or global function)
	CellArgMark                 // start of a call's argument window
	CellRetInfo                 // saved caller frame
)

var cellTypeNames = [...]string{"nil", "int", "string", "ref", "label", "name", "argmark", "retinfo"}

func (t CellType) String() string {
	if int(t) < len(cellTypeNames) {
		return cellTypeNames[t]
	}
	return "unknown"
}

// Cell is the unit of storage on the stack and in variable maps.
type Cell struct {
	Type CellType
	Int  int64  // CellInt value, CellLabel offset, CellName/CellRef symbol id
	Str  string // CellString value
	Ref  VarRef // CellRef target
	Ret  *RetInfo
}

// Nil is the absent value.
var Nil = Cell{}

// Int wraps an integer.
func Int(v int64) Cell { return Cell{Type: CellInt, Int: v} }

// Bool converts a Go bool to 1 or 0.
func Bool(b bool) Cell {
	if b {
		return Int(1)
	}
	return Int(0)
}

// Str wraps a string.
func Str(s string) Cell { return Cell{Type: CellString, Str: s} }

// Ref wraps a variable reference.
func Ref(r VarRef) Cell { return Cell{Type: CellRef, Ref: r} }

// LabelCell wraps a jump target.
func LabelCell(pos int) Cell { return Cell{Type: CellLabel, Int: int64(pos)} }

// Name wraps a callee symbol id.
func Name(id uint32) Cell { return Cell{Type: CellName, Int: int64(id)} }

// IsNil reports whether c is the absent value.
func (c Cell) IsNil() bool { return c.Type == CellNil }

// IsInt reports whether c carries an integer.
func (c Cell) IsInt() bool { return c.Type == CellInt }

// IsString reports whether c carries a string.
func (c Cell) IsString() bool { return c.Type == CellString }

// AsInt converts c to an integer. Nil reads as 0; numeric strings parse.
func (c Cell) AsInt() (int64, bool) {
	switch c.Type {
	case CellInt:
		return c.Int, true
	case CellNil:
		return 0, true
	case CellString:
		v, err := strconv.ParseInt(strings.TrimSpace(c.Str), 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// AsString converts c to a string. Nil reads as "".
func (c Cell) AsString() (string, bool) {
	switch c.Type {
	case CellString:
		return c.Str, true
	case CellInt:
		return strconv.FormatInt(c.Int, 10), true
	case CellNil:
		return "", true
	}
	return "", false
}

// Truthy is the condition test used by jumps: non-zero ints and non-empty
// strings are true.
func (c Cell) Truthy() bool {
	switch c.Type {
	case CellInt:
		return c.Int != 0
	case CellString:
		return c.Str != ""
	}
	return false
}

// Equal compares two value cells by tag and payload.
func (c Cell) Equal(o Cell) bool {
	if c.Type != o.Type {
		return false
	}
	switch c.Type {
	case CellString:
		return c.Str == o.Str
	case CellRef:
		return c.Ref == o.Ref
	case CellRetInfo:
		return c.Ret == o.Ret
	}
	return c.Int == o.Int
}

func (c Cell) String() string {
	switch c.Type {
	case CellNil:
		return "nil"
	case CellInt:
		return strconv.FormatInt(c.Int, 10)
	case CellString:
		return strconv.Quote(c.Str)
	case CellRef:
		return fmt.Sprintf("ref(%d[%d])", c.Ref.ID, c.Ref.Index)
	case CellLabel:
		return fmt.Sprintf("label(%04d)", c.Int)
	case CellName:
		return fmt.Sprintf("name(%d)", c.Int)
	case CellArgMark:
		return "argmark"
	case CellRetInfo:
		return "retinfo"
	}
	return "?"
}

// RetInfo is pushed by a script-function call and consumed by return.
type RetInfo struct {
	Unit   *Unit
	PC     int
	Locals *ScopeMap
	Argc   int
	Base   int // stack height to truncate to on return
	Start  int // caller's argument window
	End    int
	Defsp  int
}
