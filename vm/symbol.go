package vm

import (
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// SymbolTable: Interned names and string literals
// ---------------------------------------------------------------------------

// SymbolKind classifies what a symbol currently denotes.
type SymbolKind uint8

const (
	SymIdentifier SymbolKind = iota // variable or not-yet-bound name
	SymString                       // string literal
	SymNative                       // bound to a native function
	SymConstant                     // named constant
	SymLabel                        // used as a label somewhere
)

var symbolKindNames = [...]string{"identifier", "string", "native", "constant", "label"}

func (k SymbolKind) String() string {
	if int(k) < len(symbolKindNames) {
		return symbolKindNames[k]
	}
	return "unknown"
}

// Symbol is one interned spelling.
type Symbol struct {
	Name     string
	Kind     SymbolKind
	Native   *Native   // set when Kind == SymNative
	Value    Cell      // set when Kind == SymConstant
	Scope    ScopeKind // decoded from the sigil
	IsString bool      // trailing '$'
}

// SymbolTable interns identifiers and string literals to dense uint32 ids.
// Ids are stable for the lifetime of the process and strings are never freed.
type SymbolTable struct {
	mu     sync.RWMutex
	byName map[string]uint32 // name -> ID
	byID   []Symbol          // ID -> entry
}

// NewSymbolTable creates a new empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: make(map[string]uint32),
		byID:   make([]Symbol, 0, 256),
	}
}

// Intern returns the ID for a name, creating a new one if needed.
func (st *SymbolTable) Intern(name string) uint32 {
	return st.intern(name, SymIdentifier)
}

// InternString interns a string literal. A spelling already known as an
// identifier keeps its kind; only the id is shared.
func (st *SymbolTable) InternString(s string) uint32 {
	return st.intern(s, SymString)
}

func (st *SymbolTable) intern(name string, kind SymbolKind) uint32 {
	// Fast path: read-only lookup
	st.mu.RLock()
	if id, ok := st.byName[name]; ok {
		st.mu.RUnlock()
		return id
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if id, ok := st.byName[name]; ok {
		return id
	}
	return st.add(name, kind)
}

// add appends a new entry. Caller holds the write lock.
func (st *SymbolTable) add(name string, kind SymbolKind) uint32 {
	id := uint32(len(st.byID))
	scope, isStr := ParseSigil(name)
	st.byName[name] = id
	st.byID = append(st.byID, Symbol{Name: name, Kind: kind, Scope: scope, IsString: isStr})
	return id
}

// Lookup returns the ID for a name, or 0 and false if not found.
func (st *SymbolTable) Lookup(name string) (uint32, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byName[name]
	return id, ok
}

// Name returns the spelling for an ID, or "" if invalid.
func (st *SymbolTable) Name(id uint32) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(id) >= len(st.byID) {
		return ""
	}
	return st.byID[id].Name
}

// Get returns a copy of the entry for id.
func (st *SymbolTable) Get(id uint32) (Symbol, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(id) >= len(st.byID) {
		return Symbol{}, false
	}
	return st.byID[id], true
}

// Native returns the native bound to id, if any.
func (st *SymbolTable) Native(id uint32) *Native {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(id) >= len(st.byID) || st.byID[id].Kind != SymNative {
		return nil
	}
	return st.byID[id].Native
}

// DeclareConstant binds name to a constant value.
func (st *SymbolTable) DeclareConstant(name string, value Cell) uint32 {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.byName[name]
	if !ok {
		id = st.add(name, SymConstant)
	}
	st.byID[id].Kind = SymConstant
	st.byID[id].Value = value
	return id
}

// DeclareNative binds name to a native. Redeclaring replaces the previous
// binding, which is how content reloads swap implementations.
func (st *SymbolTable) DeclareNative(n *Native) uint32 {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.byName[n.Name]
	if !ok {
		id = st.add(n.Name, SymNative)
	} else if st.byID[id].Kind == SymNative {
		log.Warningf("native %q redeclared; previous binding replaced", n.Name)
	}
	n.ID = id
	st.byID[id].Kind = SymNative
	st.byID[id].Native = n
	return id
}

// MarkLabel records that id names a label in some unit. Natives and
// constants keep their kind.
func (st *SymbolTable) MarkLabel(id uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if int(id) < len(st.byID) && st.byID[id].Kind == SymIdentifier {
		st.byID[id].Kind = SymLabel
	}
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}

// Natives returns the names of all bound natives in ID order.
func (st *SymbolTable) Natives() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []string
	for _, s := range st.byID {
		if s.Kind == SymNative {
			out = append(out, s.Name)
		}
	}
	return out
}

// ParseSigil decodes the scope prefix and string suffix of a variable name.
func ParseSigil(name string) (ScopeKind, bool) {
	isStr := len(name) > 1 && strings.HasSuffix(name, "$")
	switch {
	case strings.HasPrefix(name, ".@"):
		return ScopeCall, isStr
	case strings.HasPrefix(name, "@"):
		return ScopeActorTemp, isStr
	case strings.HasPrefix(name, "$"):
		return ScopeWorld, isStr
	case strings.HasPrefix(name, "."):
		return ScopeScript, isStr
	default:
		return ScopeActor, isStr
	}
}
