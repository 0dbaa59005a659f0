package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Variable scopes
// ---------------------------------------------------------------------------

// ScopeKind identifies where a variable lives, selected by its sigil.
type ScopeKind uint8

const (
	ScopeActor     ScopeKind = iota // name     actor-persistent
	ScopeActorTemp                  // @name    actor session, cleared on disconnect
	ScopeScript                     // .name    per unit, shared by all invocations
	ScopeWorld                      // $name    engine-wide
	ScopeCall                       // .@name   current call frame
)

var scopeNames = [...]string{"actor", "actor-temp", "script", "world", "call"}

func (k ScopeKind) String() string {
	if int(k) < len(scopeNames) {
		return scopeNames[k]
	}
	return "unknown"
}

// Durable reports whether writes to the scope are tracked for persistence.
func (k ScopeKind) Durable() bool {
	return k == ScopeActor || k == ScopeScript || k == ScopeWorld
}

// VarRef names one variable slot: a symbol and an array index.
type VarRef struct {
	ID    uint32
	Index uint32
}

// Key packs the reference into a single map key.
func (r VarRef) Key() uint64 {
	return uint64(r.ID) | uint64(r.Index)<<32
}

// RefFromKey unpacks a key produced by Key.
func RefFromKey(k uint64) VarRef {
	return VarRef{ID: uint32(k), Index: uint32(k >> 32)}
}

// ScopeMap stores the variables of one scope owner.
type ScopeMap struct {
	kind  ScopeKind
	owner string
	vars  map[uint64]Cell
	dirty map[uint64]struct{}
}

// NewScopeMap creates an empty map. owner identifies it to persistence.
func NewScopeMap(kind ScopeKind, owner string) *ScopeMap {
	return &ScopeMap{kind: kind, owner: owner, vars: make(map[uint64]Cell)}
}

// Kind returns the scope of the map.
func (m *ScopeMap) Kind() ScopeKind { return m.kind }

// Owner returns the persistence owner key.
func (m *ScopeMap) Owner() string { return m.owner }

// Get returns the stored cell, if present.
func (m *ScopeMap) Get(r VarRef) (Cell, bool) {
	c, ok := m.vars[r.Key()]
	return c, ok
}

// Set stores c; nil deletes the slot.
func (m *ScopeMap) Set(r VarRef, c Cell) {
	k := r.Key()
	if c.IsNil() {
		delete(m.vars, k)
	} else {
		m.vars[k] = c
	}
	if m.kind.Durable() {
		if m.dirty == nil {
			m.dirty = make(map[uint64]struct{})
		}
		m.dirty[k] = struct{}{}
	}
}

// load stores without marking dirty.
func (m *ScopeMap) load(r VarRef, c Cell) {
	if !c.IsNil() {
		m.vars[r.Key()] = c
	}
}

// Len returns the number of stored slots.
func (m *ScopeMap) Len() int { return len(m.vars) }

// Clear drops every slot.
func (m *ScopeMap) Clear() {
	for k := range m.vars {
		if m.kind.Durable() {
			if m.dirty == nil {
				m.dirty = make(map[uint64]struct{})
			}
			m.dirty[k] = struct{}{}
		}
		delete(m.vars, k)
	}
}

// ArraySize returns one past the highest stored index of id, or 0.
func (m *ScopeMap) ArraySize(id uint32) int {
	n := 0
	for k := range m.vars {
		r := RefFromKey(k)
		if r.ID == id && int(r.Index)+1 > n {
			n = int(r.Index) + 1
		}
	}
	return n
}

// takeDirty returns dirty keys in ascending order and clears the dirty set.
func (m *ScopeMap) takeDirty() []uint64 {
	if len(m.dirty) == 0 {
		return nil
	}
	keys := make([]uint64, 0, len(m.dirty))
	for k := range m.dirty {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	m.dirty = nil
	return keys
}

// Dirty reports whether unflushed writes exist.
func (m *ScopeMap) Dirty() bool { return len(m.dirty) > 0 }

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// Slot is a resolved, mutable variable location.
type Slot struct {
	m     *ScopeMap
	ref   VarRef
	isStr bool
}

// Get returns the stored value, or the zero default when unset.
func (s Slot) Get() Cell {
	if c, ok := s.m.Get(s.ref); ok {
		return c
	}
	if s.isStr {
		return Str("")
	}
	return Int(0)
}

// Set stores c after coercing it to the variable's type. A string stored into
// a numeric variable is a type error and leaves the slot unchanged.
func (s Slot) Set(c Cell) error {
	if c.IsNil() {
		s.m.Set(s.ref, Nil)
		return nil
	}
	if s.isStr {
		v, ok := c.AsString()
		if !ok {
			return fmt.Errorf("cannot store %s in string variable", c.Type)
		}
		if v == "" {
			s.m.Set(s.ref, Nil)
		} else {
			s.m.Set(s.ref, Str(v))
		}
		return nil
	}
	if c.Type != CellInt {
		return fmt.Errorf("cannot store %s in numeric variable", c.Type)
	}
	if c.Int == 0 {
		s.m.Set(s.ref, Nil)
	} else {
		s.m.Set(s.ref, c)
	}
	return nil
}

// Ref returns the resolved reference.
func (s Slot) Ref() VarRef { return s.ref }

// Scope returns the owning map.
func (s Slot) Scope() *ScopeMap { return s.m }

// Resolve maps a reference to storage for the instance st.
func (e *Engine) Resolve(st *ScriptState, ref VarRef) (Slot, error) {
	sym, ok := e.Symbols.Get(ref.ID)
	if !ok {
		return Slot{}, fmt.Errorf("unknown variable id %d", ref.ID)
	}
	if int(ref.Index) >= e.Limits.MaxArray {
		return Slot{}, &RuntimeError{Kind: KindExhaustion,
			Message: fmt.Sprintf("array index %d of %s out of range [0,%d)", ref.Index, sym.Name, e.Limits.MaxArray)}
	}
	var m *ScopeMap
	switch sym.Scope {
	case ScopeCall:
		m = st.locals
	case ScopeScript:
		m = st.Unit.Vars
	case ScopeWorld:
		m = e.world
	case ScopeActor, ScopeActorTemp:
		if st.ActorID == 0 {
			return Slot{}, &RuntimeError{Kind: KindType,
				Message: fmt.Sprintf("%s needs an attached actor", sym.Name)}
		}
		a := e.Actor(st.ActorID)
		if sym.Scope == ScopeActor {
			m = a.Persistent
		} else {
			m = a.Temp
		}
	}
	return Slot{m: m, ref: ref, isStr: sym.IsString}, nil
}
