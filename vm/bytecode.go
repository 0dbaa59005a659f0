package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushInt8  Opcode = 0x11 // push 8-bit signed integer
	OpPushInt32 Opcode = 0x12 // push 32-bit signed integer
	OpPushInt64 Opcode = 0x13 // push 64-bit signed integer
	OpPushStr   Opcode = 0x14 // push interned string (32-bit symbol)
)

// Names and variables
const (
	OpPushRef   Opcode = 0x20 // push variable reference (32-bit symbol)
	OpPushSym   Opcode = 0x21 // unlinked bare name (rewritten at link time)
	OpPushName  Opcode = 0x22 // push callee name (32-bit symbol)
	OpPushLabel Opcode = 0x23 // push jump target (32-bit offset)
	OpIndex     Opcode = 0x24 // pop index and ref, push indexed ref
	OpAssign    Opcode = 0x25 // pop value and ref, store, push value
	OpIncDec    Opcode = 0x26 // pop ref, add +/-1, push old or new value (8-bit flags)
)

// Operators
const (
	OpAdd    Opcode = 0x30
	OpSub    Opcode = 0x31
	OpMul    Opcode = 0x32
	OpDiv    Opcode = 0x33
	OpMod    Opcode = 0x34
	OpNeg    Opcode = 0x35
	OpNot    Opcode = 0x36
	OpBitNot Opcode = 0x37
	OpBitAnd Opcode = 0x38
	OpBitOr  Opcode = 0x39
	OpBitXor Opcode = 0x3A
	OpShl    Opcode = 0x3B
	OpShr    Opcode = 0x3C
	OpEq     Opcode = 0x3D
	OpNe     Opcode = 0x3E
	OpLt     Opcode = 0x3F
	OpLe     Opcode = 0x40
	OpGt     Opcode = 0x41
	OpGe     Opcode = 0x42
)

// Control Flow
const (
	OpJump      Opcode = 0x60 // unconditional jump (32-bit absolute)
	OpJumpTrue  Opcode = 0x61 // pop, jump if truthy
	OpJumpFalse Opcode = 0x62 // pop, jump if not truthy
	OpSwitch    Opcode = 0x63 // pop, jump through case table
)

// Calls and statements
const (
	OpArgStart Opcode = 0x70 // push argument marker
	OpCall     Opcode = 0x71 // call callee below the nearest marker
	OpReturn   Opcode = 0x72 // return from function (8-bit: has value)
	OpEnd      Opcode = 0x73 // end the instance
	OpEOL      Opcode = 0x74 // end of statement: reset stack to baseline
	OpWait     Opcode = 0x75 // pop milliseconds, suspend on a timer
)

// IncDec flags
const (
	IncDecDecrement byte = 1 << 0
	IncDecPostfix   byte = 1 << 1
)

// Switch case kinds
const (
	CaseInt    byte = 0
	CaseString byte = 1
)

// switchCaseBytes is the size of one case entry: kind, value, target.
const switchCaseBytes = 1 + 8 + 4

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes (-1 = variable)
	StackEffect  int    // net effect on stack (-99 = variable)
}

const variable = -99

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", 0, 0},
	OpDUP: {"DUP", 0, 1},

	OpPushInt8:  {"PUSH_INT8", 1, 1},
	OpPushInt32: {"PUSH_INT32", 4, 1},
	OpPushInt64: {"PUSH_INT64", 8, 1},
	OpPushStr:   {"PUSH_STR", 4, 1},

	OpPushRef:   {"PUSH_REF", 4, 1},
	OpPushSym:   {"PUSH_SYM", 4, 1},
	OpPushName:  {"PUSH_NAME", 4, 1},
	OpPushLabel: {"PUSH_LABEL", 4, 1},
	OpIndex:     {"INDEX", 0, -1},
	OpAssign:    {"ASSIGN", 0, -1},
	OpIncDec:    {"INCDEC", 1, 0},

	OpAdd:    {"ADD", 0, -1},
	OpSub:    {"SUB", 0, -1},
	OpMul:    {"MUL", 0, -1},
	OpDiv:    {"DIV", 0, -1},
	OpMod:    {"MOD", 0, -1},
	OpNeg:    {"NEG", 0, 0},
	OpNot:    {"NOT", 0, 0},
	OpBitNot: {"BITNOT", 0, 0},
	OpBitAnd: {"BITAND", 0, -1},
	OpBitOr:  {"BITOR", 0, -1},
	OpBitXor: {"BITXOR", 0, -1},
	OpShl:    {"SHL", 0, -1},
	OpShr:    {"SHR", 0, -1},
	OpEq:     {"EQ", 0, -1},
	OpNe:     {"NE", 0, -1},
	OpLt:     {"LT", 0, -1},
	OpLe:     {"LE", 0, -1},
	OpGt:     {"GT", 0, -1},
	OpGe:     {"GE", 0, -1},

	OpJump:      {"JUMP", 4, 0},
	OpJumpTrue:  {"JUMP_TRUE", 4, -1},
	OpJumpFalse: {"JUMP_FALSE", 4, -1},
	OpSwitch:    {"SWITCH", -1, -1},

	OpArgStart: {"ARG_START", 0, 1},
	OpCall:     {"CALL", 0, variable},
	OpReturn:   {"RETURN", 1, variable},
	OpEnd:      {"END", 0, 0},
	OpEOL:      {"EOL", 0, variable},
	OpWait:     {"WAIT", 0, -1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// LineEntry maps a code offset to the source line that produced it.
type LineEntry struct {
	Offset int
	Line   int
}

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
	lines []LineEntry
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Lines returns the offset-to-line table.
func (b *BytecodeBuilder) Lines() []LineEntry {
	return b.lines
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// SetLine attributes code emitted from here on to line.
func (b *BytecodeBuilder) SetLine(line int) {
	if n := len(b.lines); n > 0 {
		last := &b.lines[n-1]
		if last.Line == line {
			return
		}
		if last.Offset == len(b.bytes) {
			last.Line = line
			return
		}
	}
	b.lines = append(b.lines, LineEntry{Offset: len(b.bytes), Line: line})
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitRaw appends a raw byte to the bytecode.
func (b *BytecodeBuilder) EmitRaw(data byte) {
	b.bytes = append(b.bytes, data)
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitUint32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint32(op Opcode, operand uint32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, operand)
}

// EmitInt emits the shortest push for v.
func (b *BytecodeBuilder) EmitInt(v int64) {
	switch {
	case v >= -128 && v <= 127:
		b.bytes = append(b.bytes, byte(OpPushInt8), byte(int8(v)))
	case v >= -1<<31 && v <= 1<<31-1:
		b.EmitUint32(OpPushInt32, uint32(int32(v)))
	default:
		b.bytes = append(b.bytes, byte(OpPushInt64))
		b.bytes = binary.LittleEndian.AppendUint64(b.bytes, uint64(v))
	}
}

// PatchUint32 overwrites the 32-bit value at pos.
func (b *BytecodeBuilder) PatchUint32(pos int, v uint32) {
	binary.LittleEndian.PutUint32(b.bytes[pos:], v)
}

// PatchOpcode overwrites the opcode byte at pos.
func (b *BytecodeBuilder) PatchOpcode(pos int, op Opcode) {
	b.bytes[pos] = byte(op)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a jump target that may be referenced before it is placed.
type Label struct {
	resolved bool
	position int   // target once resolved
	refs     []int // operand positions waiting for the target
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Resolved reports whether the label has been marked.
func (l *Label) Resolved() bool { return l.resolved }

// Position returns the marked offset.
func (l *Label) Position() int { return l.position }

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Patch all forward references
	for _, ref := range label.refs {
		b.PatchUint32(ref, uint32(label.position))
	}
	label.refs = nil
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	b.EmitLabelRef(label)
}

// EmitLabelRef appends a bare 32-bit reference to label.
func (b *BytecodeBuilder) EmitLabelRef(label *Label) {
	if label.resolved {
		b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(label.position))
		return
	}
	label.refs = append(label.refs, len(b.bytes))
	b.bytes = append(b.bytes, 0, 0, 0, 0) // placeholder
}

// EmitSwitch appends a SWITCH header; n case entries must follow.
func (b *BytecodeBuilder) EmitSwitch(n int, def *Label) {
	b.EmitUint32(OpSwitch, uint32(n))
	b.EmitLabelRef(def)
}

// EmitSwitchCase appends one case entry of a SWITCH table.
func (b *BytecodeBuilder) EmitSwitchCase(kind byte, value int64, target *Label) {
	b.bytes = append(b.bytes, kind)
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, uint64(value))
	b.EmitLabelRef(target)
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for interpretation or disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc, pos: 0}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// Remaining returns the number of unread bytes.
func (r *BytecodeReader) Remaining() int {
	return len(r.bytes) - r.pos
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	return Opcode(r.ReadByte())
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadUint32 reads a 32-bit operand (little-endian).
func (r *BytecodeReader) ReadUint32() uint32 {
	if r.pos+4 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint32(r.bytes[r.pos:])
	r.pos += 4
	return v
}

// ReadInt64 reads a 64-bit operand (little-endian).
func (r *BytecodeReader) ReadInt64() int64 {
	if r.pos+8 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint64(r.bytes[r.pos:])
	r.pos += 8
	return int64(v)
}

// Seek sets the read position.
func (r *BytecodeReader) Seek(pos int) {
	r.pos = pos
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's position.
// names resolves symbol ids and may be nil.
func DisassembleInstruction(r *BytecodeReader, names *SymbolTable) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()
	name := func(id uint32) string {
		if names == nil {
			return fmt.Sprintf("#%d", id)
		}
		return names.Name(id)
	}

	switch op {
	case OpPushInt8:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, int8(r.ReadByte()))
	case OpPushInt32:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, int32(r.ReadUint32()))
	case OpPushInt64:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadInt64())
	case OpPushStr:
		return fmt.Sprintf("%04d  %s %q", pos, info.Name, name(r.ReadUint32()))
	case OpPushRef, OpPushSym, OpPushName:
		return fmt.Sprintf("%04d  %s %s", pos, info.Name, name(r.ReadUint32()))
	case OpPushLabel, OpJump, OpJumpTrue, OpJumpFalse:
		return fmt.Sprintf("%04d  %s -> %04d", pos, info.Name, r.ReadUint32())
	case OpIncDec, OpReturn:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadByte())
	case OpSwitch:
		n := int(r.ReadUint32())
		def := r.ReadUint32()
		var sb strings.Builder
		fmt.Fprintf(&sb, "%04d  %s default -> %04d", pos, info.Name, def)
		for i := 0; i < n; i++ {
			kind := r.ReadByte()
			v := r.ReadInt64()
			target := r.ReadUint32()
			if kind == CaseString {
				fmt.Fprintf(&sb, "\n        case %q -> %04d", name(uint32(v)), target)
			} else {
				fmt.Fprintf(&sb, "\n        case %d -> %04d", v, target)
			}
		}
		return sb.String()
	default:
		if info.OperandBytes > 0 {
			r.Seek(r.Position() + info.OperandBytes)
		}
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte, names *SymbolTable) string {
	r := NewBytecodeReader(bc)
	var lines []string
	for r.HasMore() {
		lines = append(lines, DisassembleInstruction(r, names))
	}
	return strings.Join(lines, "\n")
}
