package vm

import "strings"

// unary applies a one-operand operator. Strings are a type error.
func (e *Engine) unary(st *ScriptState, op Opcode, a Cell) Cell {
	if op == OpNot && a.Type == CellString {
		return Bool(a.Str == "")
	}
	v, ok := a.AsInt()
	if !ok || a.Type == CellString {
		st.fail(typeError("%s on %s", op.Name(), a.Type))
		return Nil
	}
	switch op {
	case OpNeg:
		return Int(-v)
	case OpNot:
		return Bool(v == 0)
	case OpBitNot:
		return Int(^v)
	}
	return Nil
}

// binary applies a two-operand operator. '+' concatenates when either side
// is a string; comparisons work on two strings or two integers.
func (e *Engine) binary(st *ScriptState, op Opcode, a, b Cell) Cell {
	if a.Type == CellString || b.Type == CellString {
		return e.stringOp(st, op, a, b)
	}
	x, okA := a.AsInt()
	y, okB := b.AsInt()
	if !okA || !okB {
		st.fail(typeError("%s on %s and %s", op.Name(), a.Type, b.Type))
		return Nil
	}
	switch op {
	case OpAdd:
		return Int(x + y)
	case OpSub:
		return Int(x - y)
	case OpMul:
		return Int(x * y)
	case OpDiv, OpMod:
		if y == 0 {
			st.fail(typeError("division by zero"))
			return Nil
		}
		if op == OpDiv {
			return Int(x / y)
		}
		return Int(x % y)
	case OpBitAnd:
		return Int(x & y)
	case OpBitOr:
		return Int(x | y)
	case OpBitXor:
		return Int(x ^ y)
	case OpShl:
		if y < 0 || y > 63 {
			return Int(0)
		}
		return Int(x << uint(y))
	case OpShr:
		if y < 0 || y > 63 {
			if x < 0 {
				return Int(-1)
			}
			return Int(0)
		}
		return Int(x >> uint(y))
	case OpEq:
		return Bool(x == y)
	case OpNe:
		return Bool(x != y)
	case OpLt:
		return Bool(x < y)
	case OpLe:
		return Bool(x <= y)
	case OpGt:
		return Bool(x > y)
	case OpGe:
		return Bool(x >= y)
	}
	st.fail(typeError("unknown operator %s", op.Name()))
	return Nil
}

func (e *Engine) stringOp(st *ScriptState, op Opcode, a, b Cell) Cell {
	if op == OpAdd {
		x, okA := a.AsString()
		y, okB := b.AsString()
		if okA && okB {
			return Str(x + y)
		}
	}
	// nil compares as the empty string
	if a.Type == CellNil {
		a = Str("")
	}
	if b.Type == CellNil {
		b = Str("")
	}
	if a.Type != CellString || b.Type != CellString {
		st.fail(typeError("%s on %s and %s", op.Name(), a.Type, b.Type))
		return Nil
	}
	c := strings.Compare(a.Str, b.Str)
	switch op {
	case OpEq:
		return Bool(c == 0)
	case OpNe:
		return Bool(c != 0)
	case OpLt:
		return Bool(c < 0)
	case OpLe:
		return Bool(c <= 0)
	case OpGt:
		return Bool(c > 0)
	case OpGe:
		return Bool(c >= 0)
	}
	st.fail(typeError("%s on strings", op.Name()))
	return Nil
}
