// Package vm implements the npcscript virtual machine.
//
// This package contains:
//   - Symbol table shared by compiler and interpreter
//   - Bytecode units and the instruction set
//   - Stack cells and the five variable scopes
//   - Instance states and the execution loop
//   - Native function registry and built-ins
//   - Queue registry and persistence flush
package vm
