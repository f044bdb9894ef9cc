// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compile

import (
	"encoding/binary"
	"testing"

	"github.com/Zeex/amxjit/amx"
)

// TestDispatchExhaustive pins the assumption that every opcode the amx
// package knows about either has a dispatch case in Compiler.emit, or
// is one of the explicitly-excluded cases (obsolete debug opcodes,
// rejected upfront by the decoder, and OP_NONE, never legitimately
// present in compiled output). It works by compiling a tiny program
// built from each single opcode in turn and checking the failure mode
// matches what's expected, rather than inspecting the switch's AST.
func TestDispatchExhaustive(t *testing.T) {
	excluded := map[amx.Opcode]bool{
		amx.OpNone:    true,
		amx.OpFile:    true,
		amx.OpLine:    true,
		amx.OpSymbol:  true,
		amx.OpSrange:  true,
		amx.OpSymtag:  true,
		amx.OpCasetbl: true, // variable-length payload, covered by TestCompileSwitch
	}

	c := NewCompiler("386", 32)
	for op := amx.Opcode(0); op < amx.NumOpcodes; op++ {
		if excluded[op] {
			continue
		}
		n, ok := amx.OperandCells(op)
		if !ok {
			continue // obsolete, already excluded, or unknown
		}
		code := cellsFor(op, n)
		if op == amx.OpJrel {
			// JREL is relative to the end of the instruction: offset 0
			// would target ip 8, past the only instruction.
			rel := int32(-8)
			binary.LittleEndian.PutUint32(code[4:], uint32(rel))
		}
		p := buildProgram(t, code)
		_, err := c.Compile(p)
		if err != nil {
			t.Errorf("opcode %s: unexpected compile error: %v", op, err)
		}
	}
}

func cellsFor(op amx.Opcode, operands int8) []byte {
	cells := make([]int32, 1+int(operands))
	cells[0] = int32(op)
	buf := make([]byte, 4*len(cells))
	for i, c := range cells {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(c))
	}
	return buf
}

// buildProgram wraps raw code cells into a minimal valid AMX image: a
// header plus the code section, with a data section just large enough
// that CONST/LOAD-style literal addresses used by the fixture land
// inside it.
func buildProgram(t *testing.T, code []byte) *amx.Program {
	t.Helper()
	const dataSize = 64
	hdrSize := 12 + 11*4
	raw := make([]byte, hdrSize+len(code)+dataSize)
	le := binary.LittleEndian
	le.PutUint32(raw[0:4], uint32(len(raw)))
	le.PutUint16(raw[4:6], 0xf1e0)
	raw[6], raw[7] = 11, 11
	le.PutUint32(raw[12:16], uint32(hdrSize))          // Cod
	le.PutUint32(raw[16:20], uint32(hdrSize+len(code))) // Dat
	le.PutUint32(raw[20:24], 0)                         // Hea
	le.PutUint32(raw[24:28], dataSize)                  // Stp
	le.PutUint32(raw[28:32], 0xffffffff)                // Cip: no main
	copy(raw[hdrSize:], code)

	p, err := amx.NewProgram(raw, nil)
	if err != nil {
		t.Fatalf("buildProgram: %v", err)
	}
	return p
}

// TestCompileArithmeticChain exercises a straight-line sequence with
// no branches: CONST.pri 4; PUSH.pri; CONST.pri 6; POP.alt; ADD;
// HALT 0 should leave PRI = 10 in a real execution; here we only check
// that it compiles to a non-empty instruction stream with every ip
// addressable.
func TestCompileArithmeticChain(t *testing.T) {
	var code []byte
	code = appendCells(code, int32(amx.OpConstPri), 4)
	code = appendCells(code, int32(amx.OpPushPri))
	code = appendCells(code, int32(amx.OpConstPri), 6)
	code = appendCells(code, int32(amx.OpPopAlt))
	code = appendCells(code, int32(amx.OpAdd))
	code = appendCells(code, int32(amx.OpHalt), 0)

	p := buildProgram(t, code)
	c := NewCompiler("386", 32)
	cp, err := c.Compile(p)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(cp.Code) == 0 {
		t.Fatal("Compile produced no native code")
	}
	if _, ok := cp.NativeOffset(0); !ok {
		t.Error("entry ip=0 has no native offset recorded")
	}
}

// TestCompileBranchRoundTrip exercises JUMP forward over gaps of
// varying size, including ones golang-asm's branch encoder has to
// widen past the 1-byte rel8 range.
func TestCompileBranchRoundTrip(t *testing.T) {
	for _, gap := range []int{0, 16, 256, 4096} {
		var code []byte
		code = appendCells(code, int32(amx.OpJump), int32(8+4*gap))
		for i := 0; i < gap; i++ {
			code = appendCells(code, int32(amx.OpNop))
		}
		code = appendCells(code, int32(amx.OpHalt), 0)

		p := buildProgram(t, code)
		c := NewCompiler("386", 32)
		if _, err := c.Compile(p); err != nil {
			t.Errorf("gap=%d: Compile: %v", gap, err)
		}
	}
}

// TestCompileRecursiveFunction compiles a CALL/PROC/RETN sequence (the
// shape a recursive function lowers to) and checks it compiles clean;
// this is the structural property scenario 2 depends on.
func TestCompileRecursiveFunction(t *testing.T) {
	var code []byte
	code = appendCells(code, int32(amx.OpProc))
	code = appendCells(code, int32(amx.OpPushPri))
	code = appendCells(code, int32(amx.OpCall), 0) // self-recursive
	code = appendCells(code, int32(amx.OpPopAlt))
	code = appendCells(code, int32(amx.OpRetn))

	p := buildProgram(t, code)
	c := NewCompiler("386", 32)
	if _, err := c.Compile(p); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

func appendCells(code []byte, cells ...int32) []byte {
	buf := make([]byte, 4*len(cells))
	for i, c := range cells {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(c))
	}
	return append(code, buf...)
}

// TestCompileSwitch exercises OP_SWITCH together with its out-of-line
// OP_CASETBL payload: two cases and a default, all compiled to a
// compare-and-branch chain against statically known values.
func TestCompileSwitch(t *testing.T) {
	// Layout: [0] SWITCH tableAddr; [8] CASETBL 2, (1,0), (2,36), default=36; [36] HALT 0.
	// Every case target names an ip the main decode loop actually
	// visits (0 and 36), so each gets its entry label bound normally.
	tableIP := int32(8)
	var code []byte
	code = appendCells(code, int32(amx.OpSwitch), tableIP)
	code = appendCells(code, int32(amx.OpCasetbl), 2, 1, 0, 2, 36, 36)
	code = appendCells(code, int32(amx.OpHalt), 0)

	p := buildProgram(t, code)
	c := NewCompiler("386", 32)
	if _, err := c.Compile(p); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

// TestCompileUnsupportedOpcode checks that a raw value outside the
// known enumeration is reported as UnsupportedInstructionError rather
// than panicking or silently miscompiling.
func TestCompileUnsupportedOpcode(t *testing.T) {
	code := appendCells(nil, 0x7fffffff)
	p := buildProgram(t, code)
	c := NewCompiler("386", 32)
	_, err := c.Compile(p)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if _, ok := err.(*UnsupportedInstructionError); !ok {
		t.Errorf("got %T, want *UnsupportedInstructionError", err)
	}
}
