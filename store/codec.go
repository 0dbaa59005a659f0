package store

import (
	"fmt"

	"github.com/chazu/npcscript/vm"
	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical options so equal values encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// storedValue is the on-disk form of a variable value.
type storedValue struct {
	Str  bool   `cbor:"1,keyasint,omitempty"`
	Int  int64  `cbor:"2,keyasint,omitempty"`
	Text string `cbor:"3,keyasint,omitempty"`
}

// EncodeValue serializes an integer or string cell.
func EncodeValue(c vm.Cell) ([]byte, error) {
	switch c.Type {
	case vm.CellInt:
		return cborEncMode.Marshal(storedValue{Int: c.Int})
	case vm.CellString:
		return cborEncMode.Marshal(storedValue{Str: true, Text: c.Str})
	}
	return nil, fmt.Errorf("store: cannot persist %s value", c.Type)
}

// DecodeValue deserializes a value written by EncodeValue.
func DecodeValue(data []byte) (vm.Cell, error) {
	var v storedValue
	if err := cbor.Unmarshal(data, &v); err != nil {
		return vm.Nil, fmt.Errorf("store: unmarshal value: %w", err)
	}
	if v.Str {
		return vm.Str(v.Text), nil
	}
	return vm.Int(v.Int), nil
}

// SnapshotVar is one row of an exported snapshot.
type SnapshotVar struct {
	Scope uint8  `cbor:"scope"`
	Owner string `cbor:"owner"`
	Name  string `cbor:"name"`
	Index uint32 `cbor:"idx"`
	Value []byte `cbor:"value"`
}

// Snapshot is a portable copy of every stored variable.
type Snapshot struct {
	Version int           `cbor:"version"`
	Vars    []SnapshotVar `cbor:"vars"`
}

const snapshotVersion = 1

// MarshalSnapshot serializes a Snapshot to CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("store: snapshot version %d, want %d", s.Version, snapshotVersion)
	}
	return &s, nil
}
