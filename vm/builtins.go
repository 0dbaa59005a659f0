package vm

import (
	"fmt"
	"math"
	"strings"
)

// registerBuiltins installs the natives every engine provides.
func registerBuiltins(e *Engine) {
	// Variables and calls
	e.MustRegisterNative("set", "rv", nativeSet)
	e.MustRegisterNative("getarg", "i?v", nativeGetArg)
	e.MustRegisterNative("getargcount", "", nativeGetArgCount)
	e.MustRegisterNative("callfunc", "s*", nativeCallFunc)
	e.MustRegisterNative("callsub", "l*", nativeCallSub)
	e.MustRegisterNative("getarraysize", "r", nativeGetArraySize)
	e.MustRegisterNative("setarray", "rv*", nativeSetArray)
	e.MustRegisterNative("cleararray", "rvi", nativeClearArray)

	// Dialog and input
	e.MustRegisterNative("mes", "s*", nativeMes)
	e.MustRegisterNative("close", "", nativeClose)
	e.MustRegisterNative("wait_for_input", "", nativeWaitForInput)
	e.MustRegisterNative("input_value", "", nativeInputValue)
	e.MustRegisterNative("input", "r?ii", nativeInput)

	// Misc
	e.MustRegisterNative("rand", "i?i", nativeRand)
	e.MustRegisterNative("getstrlen", "s", func(st *ScriptState) error {
		st.Return(Int(int64(len([]rune(st.ArgString(0))))))
		return nil
	})
	e.MustRegisterNative("gettick", "", func(st *ScriptState) error {
		st.Return(Int(st.engine.host.Now()))
		return nil
	})
	e.MustRegisterNative("actorid", "", func(st *ScriptState) error {
		st.Return(Int(int64(st.ActorID)))
		return nil
	})
	e.MustRegisterNative("originid", "", func(st *ScriptState) error {
		st.Return(Int(int64(st.OriginID)))
		return nil
	})

	// Scheduling
	e.MustRegisterNative("attach", "i", nativeAttach)
	e.MustRegisterNative("detach", "", nativeDetach)
	e.MustRegisterNative("runscript", "ss", nativeRunScript)
	e.MustRegisterNative("setcleanup", "s", func(st *ScriptState) error {
		st.SetCleanup(st.ArgString(0))
		return nil
	})
	e.MustRegisterNative("timer_init", "", timerNative(TimerInit))
	e.MustRegisterNative("timer_start", "", timerNative(TimerStart))
	e.MustRegisterNative("timer_stop", "", timerNative(TimerStop))
	e.MustRegisterNative("timer_get", "", timerNative(TimerGet))
	e.MustRegisterNative("timer_set", "i", timerNative(TimerSet))

	// Queues
	e.MustRegisterNative("queue", "", nativeQueue)
	e.MustRegisterNative("queueadd", "ii", nativeQueueAdd)
	e.MustRegisterNative("queueremove", "ii", nativeQueueRemove)
	e.MustRegisterNative("queueopt", "ii?s", nativeQueueOpt)
	e.MustRegisterNative("queuedel", "i", nativeQueueDel)
	e.MustRegisterNative("queuesize", "i", nativeQueueSize)
	e.MustRegisterNative("queueiterator", "i", nativeQueueIterator)
	e.MustRegisterNative("qicheck", "i", nativeQICheck)
	e.MustRegisterNative("qiget", "i", nativeQIGet)
	e.MustRegisterNative("qiclear", "i", nativeQIClear)

	for ev := QueueEvent(0); ev < queueEventCount; ev++ {
		e.DeclareConstant(ev.String(), Int(int64(ev)))
	}
}

// ---------------------------------------------------------------------------
// Variables and calls
// ---------------------------------------------------------------------------

func nativeSet(st *ScriptState) error {
	ref, _ := st.ArgRef(0)
	slot, err := st.engine.Resolve(st, ref)
	if err != nil {
		return err
	}
	if err := slot.Set(st.Arg(1)); err != nil {
		return typeError("set %s: %v", st.ArgName(0), err)
	}
	st.Return(slot.Get())
	return nil
}

func nativeGetArg(st *ScriptState) error {
	idx := int(st.ArgInt(0))
	args := st.FrameArgs()
	if idx >= 0 && idx < len(args) {
		st.Return(args[idx])
		return nil
	}
	if st.HasArg(1) {
		st.Return(st.Arg(1))
		return nil
	}
	return typeError("getarg(%d): only %d arguments", idx, len(args))
}

func nativeGetArgCount(st *ScriptState) error {
	st.Return(Int(int64(len(st.FrameArgs()))))
	return nil
}

func nativeCallFunc(st *ScriptState) error {
	name := st.ArgString(0)
	fn, ok := st.engine.Function(name)
	if !ok {
		return typeError("callfunc: undefined function %q", name)
	}
	st.CallSub(fn, 0, 1)
	return nil
}

func nativeCallSub(st *ScriptState) error {
	pos, _ := st.ArgLabel(0)
	st.CallSub(st.Unit, pos, 1)
	return nil
}

func nativeGetArraySize(st *ScriptState) error {
	ref, _ := st.ArgRef(0)
	slot, err := st.engine.Resolve(st, VarRef{ID: ref.ID})
	if err != nil {
		return err
	}
	st.Return(Int(int64(slot.Scope().ArraySize(ref.ID))))
	return nil
}

func nativeSetArray(st *ScriptState) error {
	ref, _ := st.ArgRef(0)
	for i := 1; i < st.NArgs(); i++ {
		slot, err := st.engine.Resolve(st, VarRef{ID: ref.ID, Index: ref.Index + uint32(i-1)})
		if err != nil {
			return err
		}
		if err := slot.Set(st.Arg(i)); err != nil {
			return typeError("setarray %s: %v", st.ArgName(0), err)
		}
	}
	return nil
}

func nativeClearArray(st *ScriptState) error {
	ref, _ := st.ArgRef(0)
	v := st.Arg(1)
	n := int(st.ArgInt(2))
	for i := 0; i < n; i++ {
		slot, err := st.engine.Resolve(st, VarRef{ID: ref.ID, Index: ref.Index + uint32(i)})
		if err != nil {
			return err
		}
		if err := slot.Set(v); err != nil {
			return typeError("cleararray %s: %v", st.ArgName(0), err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Dialog and input
// ---------------------------------------------------------------------------

func nativeMes(st *ScriptState) error {
	for i := 0; i < st.NArgs(); i++ {
		st.engine.messenger.Message(st.ActorID, st.ArgString(i))
	}
	return nil
}

func nativeClose(st *ScriptState) error {
	st.engine.messenger.Close(st.ActorID)
	st.End()
	return nil
}

func nativeWaitForInput(st *ScriptState) error {
	st.ConsumeInput()
	st.engine.host.AwaitInput(st)
	st.Suspend(WaitingOnInput{})
	return nil
}

func nativeInputValue(st *ScriptState) error {
	if c, ok := st.Input(); ok {
		st.Return(c)
	}
	return nil
}

// nativeInput stores the actor's answer into a variable. Without a pending
// answer it parks the instance and runs again once one is supplied. It
// returns 1 when the answer was above max, -1 when below min, else 0.
func nativeInput(st *ScriptState) error {
	ref, _ := st.ArgRef(0)
	sym, _ := st.engine.Symbols.Get(ref.ID)
	min, max := int64(0), int64(1<<31-1)
	if st.HasArg(1) {
		min = st.ArgInt(1)
	}
	if st.HasArg(2) {
		max = st.ArgInt(2)
	}
	if min > max || (sym.IsString && max < 0) {
		return typeError("input %s: invalid bounds %d..%d", sym.Name, min, max)
	}

	c, ok := st.ConsumeInput()
	if !ok {
		st.engine.host.AwaitInput(st)
		st.Rerun(WaitingOnInput{})
		return nil
	}
	slot, err := st.engine.Resolve(st, ref)
	if err != nil {
		return err
	}
	result := int64(0)
	if sym.IsString {
		s, _ := c.AsString()
		n := int64(len([]rune(s)))
		switch {
		case n > max:
			result = 1
			s = string([]rune(s)[:max])
		case n < min:
			result = -1
		}
		c = Str(s)
	} else {
		v, ok := c.AsInt()
		if !ok {
			return typeError("input %s: %q is not a number", sym.Name, c.Str)
		}
		switch {
		case v > max:
			result, v = 1, max
		case v < min:
			result, v = -1, min
		}
		c = Int(v)
	}
	if err := slot.Set(c); err != nil {
		return typeError("input %s: %v", sym.Name, err)
	}
	st.Return(Int(result))
	return nil
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

func nativeRand(st *ScriptState) error {
	lo, hi := int64(0), st.ArgInt(0)-1
	if st.HasArg(1) {
		lo, hi = st.ArgInt(0), st.ArgInt(1)
		if lo > hi {
			lo, hi = hi, lo
		}
	}
	if hi < lo {
		st.Return(Int(lo))
		return nil
	}
	span := uint64(hi) - uint64(lo)
	if span == math.MaxUint64 {
		st.Return(Int(int64(st.engine.rand.Uint64())))
		return nil
	}
	st.Return(Int(lo + int64(st.engine.rand.Uint64N(span+1))))
	return nil
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

func nativeAttach(st *ScriptState) error {
	id := int(st.ArgInt(0))
	if err := st.engine.host.Attach(st, id); err != nil {
		st.Return(Int(0))
		return violation("attach %d: %v", id, err)
	}
	st.Return(Int(1))
	return nil
}

func nativeDetach(st *ScriptState) error {
	st.engine.host.Detach(st)
	return nil
}

// nativeRunScript starts "Unit","Label" as a child instance; the caller
// waits until the child ends.
func nativeRunScript(st *ScriptState) error {
	u, ok := st.engine.Unit(st.ArgString(0))
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, st.ArgString(0))
	}
	pos, ok := u.Label(st.ArgString(1))
	if !ok {
		return fmt.Errorf("%w: %s::%s", ErrUnknownLabel, u.Name, st.ArgString(1))
	}
	if st.depth+1 >= st.engine.Limits.MaxCallDepth || chainLen(st) >= st.engine.Limits.MaxCallDepth {
		return exhaustion("runscript nesting limit %d reached", st.engine.Limits.MaxCallDepth)
	}
	child := st.engine.newState(u, pos, st.ActorID, st.OriginID)
	child.Parent = st
	st.child = child
	st.Suspend(WaitingOnChild{Child: child.ID})
	return nil
}

func chainLen(st *ScriptState) int {
	n := 0
	for ; st != nil; st = st.Parent {
		n++
	}
	return n
}

func timerNative(op TimerOp) NativeFunc {
	return func(st *ScriptState) error {
		var arg int64
		if st.HasArg(0) {
			arg = st.ArgInt(0)
		}
		v, err := st.engine.host.UnitTimer(st, op, arg)
		if err != nil {
			return err
		}
		st.Return(Int(v))
		return nil
	}
}

// ---------------------------------------------------------------------------
// Queues
// ---------------------------------------------------------------------------

func nativeQueue(st *ScriptState) error {
	st.Return(Int(int64(st.engine.queues.Create())))
	return nil
}

func nativeQueueAdd(st *ScriptState) error {
	st.Return(Bool(st.engine.queues.Add(int(st.ArgInt(0)), int(st.ArgInt(1)))))
	return nil
}

func nativeQueueRemove(st *ScriptState) error {
	st.Return(Bool(st.engine.queues.Remove(int(st.ArgInt(0)), int(st.ArgInt(1)))))
	return nil
}

func nativeQueueOpt(st *ScriptState) error {
	event := ""
	if st.HasArg(2) {
		event = st.ArgString(2)
		if _, _, ok := splitEvent(event); !ok && event != "" {
			st.Return(Int(0))
			return typeError("queueopt: event %q is not Unit::Label", event)
		}
	}
	st.Return(Bool(st.engine.queues.SetCallback(int(st.ArgInt(0)), QueueEvent(st.ArgInt(1)), event)))
	return nil
}

func nativeQueueDel(st *ScriptState) error {
	st.Return(Bool(st.engine.queues.Delete(int(st.ArgInt(0)))))
	return nil
}

func nativeQueueSize(st *ScriptState) error {
	q, ok := st.engine.queues.Get(int(st.ArgInt(0)))
	if !ok {
		st.Return(Int(-1))
		return nil
	}
	st.Return(Int(int64(q.Size())))
	return nil
}

func nativeQueueIterator(st *ScriptState) error {
	it, ok := st.engine.queues.Iterate(int(st.ArgInt(0)))
	if !ok {
		st.Return(Int(-1))
		return nil
	}
	st.Return(Int(int64(it.ID)))
	return nil
}

func nativeQICheck(st *ScriptState) error {
	it, ok := st.engine.queues.Iterator(int(st.ArgInt(0)))
	st.Return(Bool(ok && it.More()))
	return nil
}

func nativeQIGet(st *ScriptState) error {
	it, ok := st.engine.queues.Iterator(int(st.ArgInt(0)))
	if !ok {
		return typeError("qiget: no iterator %d", st.ArgInt(0))
	}
	v, _ := it.Next()
	st.Return(Int(int64(v)))
	return nil
}

func nativeQIClear(st *ScriptState) error {
	st.Return(Bool(st.engine.queues.FreeIterator(int(st.ArgInt(0)))))
	return nil
}

// EventName formats a unit and label as an event string.
func EventName(unit, label string) string {
	return strings.Join([]string{unit, label}, "::")
}
