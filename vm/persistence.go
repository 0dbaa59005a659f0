package vm

import (
	"errors"
	"fmt"
)

// VarTuple is one durable variable slot as handed to persistence. A nil
// Value means the slot was cleared.
type VarTuple struct {
	Scope ScopeKind
	Owner string
	Name  string
	Index uint32
	Value Cell
}

// Persistence stores durable variables. The engine calls SaveVars from
// Flush and LoadVars when a scope owner is first seen.
type Persistence interface {
	SaveVars(tuples []VarTuple) error
	LoadVars(scope ScopeKind, owner string) ([]VarTuple, error)
}

// Flush hands every dirty durable slot to the persistence collaborator.
// On failure the slots stay dirty and are retried by the next flush.
func (e *Engine) Flush() error {
	if e.persistence == nil {
		return nil
	}
	var maps []*ScopeMap
	maps = append(maps, e.world)
	for _, u := range e.units {
		maps = append(maps, u.Vars)
	}
	for _, a := range e.actors {
		maps = append(maps, a.Persistent)
	}

	var tuples []VarTuple
	taken := make(map[*ScopeMap][]uint64)
	for _, m := range maps {
		keys := m.takeDirty()
		if len(keys) == 0 {
			continue
		}
		taken[m] = keys
		for _, k := range keys {
			ref := RefFromKey(k)
			c, _ := m.Get(ref)
			tuples = append(tuples, VarTuple{
				Scope: m.kind,
				Owner: m.owner,
				Name:  e.Symbols.Name(ref.ID),
				Index: ref.Index,
				Value: c,
			})
		}
	}
	if len(tuples) == 0 {
		return nil
	}
	if err := e.persistence.SaveVars(tuples); err != nil {
		for m, keys := range taken {
			if m.dirty == nil {
				m.dirty = make(map[uint64]struct{})
			}
			for _, k := range keys {
				m.dirty[k] = struct{}{}
			}
		}
		return fmt.Errorf("flush %d variables: %w", len(tuples), err)
	}
	log.Debugf("flushed %d variables", len(tuples))
	return nil
}

func (e *Engine) loadScope(m *ScopeMap) {
	tuples, err := e.persistence.LoadVars(m.kind, m.owner)
	if err != nil {
		log.Errorf("load %s variables of %q: %s", m.kind, m.owner, err)
		return
	}
	for _, t := range tuples {
		if t.Value.Type != CellInt && t.Value.Type != CellString {
			continue
		}
		m.load(VarRef{ID: e.Symbols.Intern(t.Name), Index: t.Index}, t.Value)
	}
}

// ErrNoPersistence is returned by operations that need a store.
var ErrNoPersistence = errors.New("no persistence configured")

// Persistence returns the installed store.
func (e *Engine) Persistence() (Persistence, error) {
	if e.persistence == nil {
		return nil, ErrNoPersistence
	}
	return e.persistence, nil
}
