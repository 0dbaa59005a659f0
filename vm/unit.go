package vm

import (
	"sort"
	"strconv"
	"strings"
)

// TimerLabelPrefix marks exported labels fired by a unit timer; the suffix
// is the elapsed milliseconds at which the label runs.
const TimerLabelPrefix = "OnTimer"

// ExportPrefix marks labels that may be used as entry points.
const ExportPrefix = "On"

// TimerEvent is one OnTimer<ms> label of a unit.
type TimerEvent struct {
	At     int64 // elapsed milliseconds
	Offset int
}

// Unit is a compiled script: immutable bytecode plus its labels and the
// script-instance variables shared by every invocation.
type Unit struct {
	Name    string
	File    string
	Code    []byte
	Labels  map[uint32]int // every label and local function, by symbol id
	Exports map[string]int // On* entry points
	Timers  []TimerEvent
	Lines   []LineEntry
	Vars    *ScopeMap

	// Function is set for free-standing function units.
	Function bool
}

// NewUnit assembles a unit from compiled parts and derives its timer table.
func NewUnit(name, file string, code []byte, labels map[uint32]int, exports map[string]int, lines []LineEntry) *Unit {
	u := &Unit{
		Name:    name,
		File:    file,
		Code:    code,
		Labels:  labels,
		Exports: exports,
		Lines:   lines,
		Vars:    NewScopeMap(ScopeScript, name),
	}
	if u.Labels == nil {
		u.Labels = make(map[uint32]int)
	}
	if u.Exports == nil {
		u.Exports = make(map[string]int)
	}
	for label, off := range u.Exports {
		if !strings.HasPrefix(label, TimerLabelPrefix) {
			continue
		}
		ms, err := strconv.ParseInt(label[len(TimerLabelPrefix):], 10, 64)
		if err != nil || ms < 0 {
			continue
		}
		u.Timers = append(u.Timers, TimerEvent{At: ms, Offset: off})
	}
	sort.Slice(u.Timers, func(i, j int) bool { return u.Timers[i].At < u.Timers[j].At })
	return u
}

// Label returns the entry offset of an exported label.
func (u *Unit) Label(name string) (int, bool) {
	off, ok := u.Exports[name]
	return off, ok
}

// LineAt returns the source line for a code offset, or 0.
func (u *Unit) LineAt(pc int) int {
	i := sort.Search(len(u.Lines), func(i int) bool { return u.Lines[i].Offset > pc })
	if i == 0 {
		return 0
	}
	return u.Lines[i-1].Line
}

// ExportNames returns the exported labels in offset order.
func (u *Unit) ExportNames() []string {
	names := make([]string, 0, len(u.Exports))
	for n := range u.Exports {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := u.Exports[names[i]], u.Exports[names[j]]
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})
	return names
}
