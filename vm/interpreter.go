package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Execution loop
// ---------------------------------------------------------------------------

// execute runs st until it leaves StateRunning: it ends, closes, or
// suspends. It never reads past the end of the unit's code.
func (e *Engine) execute(st *ScriptState) {
	st.State = StateRunning
	st.Cont = Running{PC: st.PC}
	st.started = true
	st.jumps, st.exhaustions = 0, 0

	for st.State == StateRunning {
		code := st.Unit.Code
		pc := st.PC
		if pc < 0 || pc >= len(code) {
			st.State = StateEnded
			break
		}
		op := Opcode(code[pc])
		st.PC++

		switch op {
		case OpNOP:

		case OpDUP:
			st.push(st.peek())

		// Push Constants
		case OpPushInt8:
			if b, ok := st.operand(1); ok {
				st.push(Int(int64(int8(b[0]))))
			}

		case OpPushInt32:
			if b, ok := st.operand(4); ok {
				st.push(Int(int64(int32(binary.LittleEndian.Uint32(b)))))
			}

		case OpPushInt64:
			if b, ok := st.operand(8); ok {
				st.push(Int(int64(binary.LittleEndian.Uint64(b))))
			}

		case OpPushStr:
			if id, ok := st.operand32(); ok {
				st.push(Str(e.Symbols.Name(id)))
			}

		// Names and variables
		case OpPushRef, OpPushSym:
			if id, ok := st.operand32(); ok {
				st.push(Ref(VarRef{ID: id}))
			}

		case OpPushName:
			if id, ok := st.operand32(); ok {
				st.push(Name(id))
			}

		case OpPushLabel:
			if pos, ok := st.operand32(); ok {
				st.push(LabelCell(int(pos)))
			}

		case OpIndex:
			e.index(st)

		case OpAssign:
			e.assign(st)

		case OpIncDec:
			if b, ok := st.operand(1); ok {
				e.incDec(st, b[0])
			}

		// Operators
		case OpNeg, OpNot, OpBitNot:
			a := st.value(st.pop())
			st.push(e.unary(st, op, a))

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpBitAnd, OpBitOr, OpBitXor,
			OpShl, OpShr, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
			b := st.value(st.pop())
			a := st.value(st.pop())
			st.push(e.binary(st, op, a, b))

		// Control flow
		case OpJump:
			if target, ok := st.operand32(); ok {
				e.jump(st, pc, int(target))
			}

		case OpJumpTrue, OpJumpFalse:
			target, ok := st.operand32()
			if !ok {
				break
			}
			if st.value(st.pop()).Truthy() == (op == OpJumpTrue) {
				e.jump(st, pc, int(target))
			}

		case OpSwitch:
			e.dispatchSwitch(st)

		// Calls and statements
		case OpArgStart:
			st.push(Cell{Type: CellArgMark})

		case OpCall:
			e.call(st, pc)

		case OpReturn:
			if b, ok := st.operand(1); ok {
				e.ret(st, b[0] != 0)
			}

		case OpEnd:
			st.State = StateEnded

		case OpEOL:
			st.truncate(st.defsp)

		case OpWait:
			ms, _ := st.value(st.pop()).AsInt()
			if ms < 0 {
				ms = 0
			}
			if h, ok := e.host.Sleep(st, ms); ok {
				st.Suspend(WaitingOnTimer{Handle: h})
			}

		default:
			st.fail(typeError("invalid opcode 0x%02X at %04d", byte(op), pc))
			st.State = StateEnded
		}
	}
	if st.State == StateEnded || st.State == StateClosing {
		st.Cont = nil
	}
}

// operand returns the next n bytes and advances the program counter. A
// truncated instruction ends the instance.
func (st *ScriptState) operand(n int) ([]byte, bool) {
	code := st.Unit.Code
	if st.PC+n > len(code) {
		st.fail(typeError("truncated instruction at %04d", st.PC-1))
		st.State = StateEnded
		return nil, false
	}
	b := code[st.PC : st.PC+n]
	st.PC += n
	return b, true
}

func (st *ScriptState) operand32() (uint32, bool) {
	b, ok := st.operand(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// fail records and logs a runtime error. Repeated exhaustion within one
// slice closes the instance.
func (st *ScriptState) fail(err error) {
	var re *RuntimeError
	if !errors.As(err, &re) {
		re = &RuntimeError{Kind: KindType, Message: err.Error()}
	}
	if re.Unit == "" && st.Unit != nil {
		re.Unit = st.Unit.Name
		re.Line = st.Unit.LineAt(st.PC - 1)
	}
	st.lastErr = re
	log.Warningf("instance %d: %s", st.ID, re)
	if re.Kind == KindExhaustion {
		st.exhaustions++
		if st.exhaustions > st.engine.Limits.ExhaustionLimit {
			log.Errorf("instance %d: closed after %d exhaustion errors", st.ID, st.exhaustions)
			st.State = StateClosing
		}
	}
}

// jump moves to target. Backward jumps are loop iterations and count
// against MaxLoopJumps.
func (e *Engine) jump(st *ScriptState, pc, target int) {
	if target <= pc {
		st.jumps++
		if st.jumps > e.Limits.MaxLoopJumps {
			st.fail(exhaustion("runaway loop: %d backward jumps without yielding", st.jumps))
			log.Errorf("instance %d: closed for runaway loop in %s", st.ID, st.Unit.Name)
			st.State = StateClosing
			return
		}
	}
	st.PC = target
}

func (e *Engine) dispatchSwitch(st *ScriptState) {
	subject := st.value(st.pop())
	n, ok := st.operand32()
	if !ok {
		return
	}
	def, ok := st.operand32()
	if !ok {
		return
	}
	table, ok := st.operand(int(n) * switchCaseBytes)
	if !ok {
		return
	}
	target := int(def)
	for i := 0; i < int(n); i++ {
		entry := table[i*switchCaseBytes:]
		v := int64(binary.LittleEndian.Uint64(entry[1:]))
		var match bool
		switch entry[0] {
		case CaseInt:
			iv, isInt := subject.AsInt()
			match = isInt && subject.Type != CellString && iv == v
		case CaseString:
			match = subject.Type == CellString && subject.Str == e.Symbols.Name(uint32(v))
		}
		if match {
			target = int(binary.LittleEndian.Uint32(entry[9:]))
			break
		}
	}
	// case bodies precede the table; entering one is not a loop iteration
	st.PC = target
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

func (e *Engine) index(st *ScriptState) {
	idx := st.value(st.pop())
	target := st.pop()
	if target.Type != CellRef {
		st.fail(typeError("cannot index %s", target.Type))
		st.push(Nil)
		return
	}
	i, ok := idx.AsInt()
	if !ok || idx.Type == CellString {
		st.fail(typeError("array index must be an integer, got %s", idx.Type))
		st.push(Nil)
		return
	}
	if i < 0 || i >= int64(e.Limits.MaxArray) {
		st.fail(exhaustion("array index %d of %s out of range [0,%d)", i, e.Symbols.Name(target.Ref.ID), e.Limits.MaxArray))
		st.push(Nil)
		return
	}
	st.push(Ref(VarRef{ID: target.Ref.ID, Index: uint32(i)}))
}

func (e *Engine) assign(st *ScriptState) {
	v := st.value(st.pop())
	target := st.pop()
	if target.Type != CellRef {
		st.fail(typeError("cannot assign to %s", target.Type))
		st.push(Nil)
		return
	}
	slot, err := e.Resolve(st, target.Ref)
	if err != nil {
		st.fail(err)
		st.push(Nil)
		return
	}
	if err := slot.Set(v); err != nil {
		st.fail(typeError("%s: %v", e.Symbols.Name(target.Ref.ID), err))
		st.push(Nil)
		return
	}
	st.push(slot.Get())
}

func (e *Engine) incDec(st *ScriptState, flags byte) {
	target := st.pop()
	if target.Type != CellRef {
		st.fail(typeError("cannot increment %s", target.Type))
		st.push(Nil)
		return
	}
	slot, err := e.Resolve(st, target.Ref)
	if err != nil {
		st.fail(err)
		st.push(Nil)
		return
	}
	old := slot.Get()
	if old.Type != CellInt {
		st.fail(typeError("cannot increment %s variable %s", old.Type, e.Symbols.Name(target.Ref.ID)))
		st.push(Nil)
		return
	}
	delta := int64(1)
	if flags&IncDecDecrement != 0 {
		delta = -1
	}
	updated := Int(old.Int + delta)
	_ = slot.Set(updated)
	if flags&IncDecPostfix != 0 {
		st.push(old)
	} else {
		st.push(updated)
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call dispatches the callee found below the nearest argument marker.
func (e *Engine) call(st *ScriptState, pc int) {
	mark := -1
	for i := len(st.stack) - 1; i > st.defsp; i-- {
		if st.stack[i].Type == CellArgMark {
			mark = i
			break
		}
	}
	if mark < 0 {
		st.fail(typeError("call without argument marker at %04d", pc))
		st.truncate(st.defsp)
		st.push(Nil)
		return
	}
	base := mark - 1
	callee := st.stack[base]
	if argc := len(st.stack) - mark - 1; argc > e.Limits.MaxArgs {
		st.fail(exhaustion("%d arguments exceed the limit of %d", argc, e.Limits.MaxArgs))
		st.truncate(base)
		st.push(Nil)
		return
	}

	switch callee.Type {
	case CellName:
		id := uint32(callee.Int)
		if n := e.Symbols.Native(id); n != nil {
			e.callNative(st, n, mark, pc)
			return
		}
		name := e.Symbols.Name(id)
		if fn, ok := e.functions[name]; ok {
			e.callFunction(st, fn, 0, mark+1, base)
			return
		}
		st.fail(typeError("call to undefined function %s", name))
	case CellLabel:
		e.callFunction(st, st.Unit, int(callee.Int), mark+1, base)
		return
	default:
		st.fail(typeError("%s is not callable", callee.Type))
	}
	st.truncate(base)
	st.push(Nil)
}

func (e *Engine) callNative(st *ScriptState, n *Native, mark, pc int) {
	st.argStart, st.argEnd = mark+1, len(st.stack)
	st.ret, st.hasRet = Nil, false
	st.callPC = pc
	defer func() { st.argStart, st.argEnd = 0, 0 }()

	if err := n.checkArgs(st); err != nil {
		st.fail(err)
		st.truncate(mark - 1)
		st.push(Nil)
		return
	}
	if err := n.Fn(st); err != nil {
		var re *RuntimeError
		if !errors.As(err, &re) {
			err = typeError("%s: %v", n.Name, err)
		}
		st.fail(err)
	}

	switch st.State {
	case StateRerunLine:
		// leave callee, marker and arguments for the re-executed CALL
		st.PC = pc
		return
	case StateGoto:
		st.State = StateRunning
		return
	}
	ret := Nil
	if st.hasRet {
		ret = st.ret
	}
	st.truncate(mark - 1)
	st.push(ret)
}

// callFunction enters a script function at pos in u. Arguments occupy
// [argStart, top); base is where the caller's stack is cut back to.
func (e *Engine) callFunction(st *ScriptState, u *Unit, pos, argStart, base int) {
	if st.depth >= e.Limits.MaxCallDepth {
		st.fail(exhaustion("call depth limit %d reached", e.Limits.MaxCallDepth))
		st.truncate(base)
		st.push(Nil)
		return
	}
	if len(st.stack) >= e.Limits.MaxStack {
		st.fail(exhaustion("stack overflow (%d cells)", e.Limits.MaxStack))
		st.truncate(base)
		st.push(Nil)
		return
	}
	// Call-local and script-scope references mean something else inside the
	// callee, so they are passed by value.
	for i := argStart; i < len(st.stack); i++ {
		c := st.stack[i]
		if c.Type != CellRef {
			continue
		}
		if sym, ok := e.Symbols.Get(c.Ref.ID); ok && (sym.Scope == ScopeCall || (sym.Scope == ScopeScript && u != st.Unit)) {
			st.stack[i] = st.value(c)
		}
	}
	ri := &RetInfo{
		Unit:   st.Unit,
		PC:     st.PC,
		Locals: st.locals,
		Argc:   len(st.stack) - argStart,
		Base:   base,
		Start:  st.start,
		End:    st.end,
		Defsp:  st.defsp,
	}
	st.stack = append(st.stack, Cell{Type: CellRetInfo, Ret: ri})
	st.start = argStart
	st.end = len(st.stack) - 1
	st.defsp = len(st.stack)
	st.locals = NewScopeMap(ScopeCall, "")
	st.depth++
	st.Unit = u
	st.PC = pos
}

// CallSub enters a script function from a native. The native's own
// arguments after skip become the callee's arguments.
func (st *ScriptState) CallSub(u *Unit, pos, skip int) {
	mark := st.argStart - 1
	st.engine.callFunction(st, u, pos, st.argStart+skip, mark-1)
	if st.State == StateRunning {
		st.State = StateGoto
	}
}

func (e *Engine) ret(st *ScriptState, hasValue bool) {
	v := Nil
	if hasValue {
		v = st.value(st.pop())
	}
	if st.depth == 0 {
		st.State = StateEnded
		return
	}
	st.State = StateReturnFromFunc
	if st.end < 0 || st.end >= len(st.stack) || st.stack[st.end].Type != CellRetInfo {
		st.fail(typeError("return without a call frame"))
		st.State = StateEnded
		return
	}
	ri := st.stack[st.end].Ret
	st.truncate(ri.Base)
	st.Unit, st.PC, st.locals = ri.Unit, ri.PC, ri.Locals
	st.start, st.end, st.defsp = ri.Start, ri.End, ri.Defsp
	st.depth--
	st.push(v)
	st.State = StateRunning
}

// FrameArgs returns the arguments of the current script-function frame.
func (st *ScriptState) FrameArgs() []Cell {
	if st.end <= st.start {
		return nil
	}
	return st.stack[st.start:st.end]
}

func (st *ScriptState) describe() string {
	return fmt.Sprintf("%s:%d", st.Unit.Name, st.Unit.LineAt(st.PC))
}
