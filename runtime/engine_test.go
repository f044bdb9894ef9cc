// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build !appengine,386

package runtime

import (
	"encoding/binary"
	"testing"

	"github.com/Zeex/amxjit/amx"
)

// fixture assembles a minimal, self-contained AMX image: a header
// (sized to match every field ParseHeader actually reads, unlike the
// shorter, code-only fixtures compile's own tests use), a code
// section, a data/stack/heap region, and, if natives is non-empty, a
// native function table plus the name table it points into.
//
// Every native's table entry carries no useful address (this engine
// never calls through it); only its name matters, for SYSREQ.C's
// inline-override and "sleep" lookups.
func fixture(t *testing.T, code []byte, dataSize int32, natives []string) *amx.Program {
	t.Helper()
	const hdrSize = 56 // Size+Magic+FileVersn+AmxVersn+Flags+Defsize (12) + 11 int32 fields (44)

	var natTable, nameTable []byte
	for _, name := range natives {
		off := uint32(len(nameTable))
		entry := make([]byte, 8)
		binary.LittleEndian.PutUint32(entry[0:4], 0) // address: unused
		binary.LittleEndian.PutUint32(entry[4:8], off)
		natTable = append(natTable, entry...)
		nameTable = append(nameTable, append([]byte(name), 0)...)
	}

	codeOff := int32(hdrSize)
	datOff := codeOff + int32(len(code))
	natOff := datOff + dataSize
	nameOff := natOff + int32(len(natTable))
	total := nameOff + int32(len(nameTable))

	raw := make([]byte, total)
	le := binary.LittleEndian
	le.PutUint32(raw[0:4], uint32(total))
	le.PutUint16(raw[4:6], 0xf1e0)
	raw[6], raw[7] = 11, 11
	le.PutUint32(raw[12:16], uint32(codeOff))  // Cod
	le.PutUint32(raw[16:20], uint32(datOff))   // Dat
	le.PutUint32(raw[20:24], 0)                // Hea
	le.PutUint32(raw[24:28], uint32(dataSize)) // Stp
	le.PutUint32(raw[28:32], 0)                // Cip: main at ip 0
	le.PutUint32(raw[32:36], 0)                // Publics: none
	if len(natives) > 0 {
		le.PutUint32(raw[36:40], uint32(natOff))  // Natives
		le.PutUint32(raw[40:44], uint32(nameOff)) // Libraries: bounds the natives table
	}
	le.PutUint32(raw[52:56], uint32(nameOff)) // Nametable
	copy(raw[codeOff:], code)
	copy(raw[natOff:], natTable)
	copy(raw[nameOff:], nameTable)

	p, err := amx.NewProgram(raw, nil)
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	return p
}

func appendCells(code []byte, cells ...int32) []byte {
	buf := make([]byte, 4*len(cells))
	for i, c := range cells {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(c))
	}
	return append(code, buf...)
}

// TestEngineArithmeticChain runs a straight-line CONST/PUSH/POP/ADD/HALT
// sequence end to end and checks PRI comes back as 10.
func TestEngineArithmeticChain(t *testing.T) {
	var code []byte
	code = appendCells(code, int32(amx.OpConstPri), 4)
	code = appendCells(code, int32(amx.OpPushPri))
	code = appendCells(code, int32(amx.OpConstPri), 6)
	code = appendCells(code, int32(amx.OpPopAlt))
	code = appendCells(code, int32(amx.OpAdd))
	code = appendCells(code, int32(amx.OpHalt), 0)

	p := fixture(t, code, 64, nil)
	e := NewEngine("386", 32)
	defer e.Close()

	status, pri, err := e.Exec(p, -1, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if status != ErrNone {
		t.Fatalf("status = %s, want %s", status, ErrNone)
	}
	if pri != 10 {
		t.Errorf("PRI = %d, want 10", pri)
	}
}

// TestEngineCallReturnsToCallSite exercises the CALL/PROC/RETN shape a
// recursive function lowers to (the compile package already covers
// its structural compilability in TestCompileRecursiveFunction): here
// the generated code actually runs, so a real CALL must return
// control to the right native address and leave the VM stack exactly
// where RETN's argument-count cleanup expects it, or the HALT
// afterward would never run, or PRI would come back wrong.
func TestEngineCallReturnsToCallSite(t *testing.T) {
	// main:  CONST.pri 5; PUSH.pri; PUSH.C 4 (argument byte count);
	//        CALL double; HALT 0
	// double (ip = after main): PROC; LOAD.S.pri 12 (the pushed arg,
	//        above the saved FRM, the CALL's return address, and the
	//        argument-count cell RETN consumes); PUSH.pri; POP.alt;
	//        ADD; RETN (pops the argument-count cell and adjusts STK
	//        past the caller's pushed argument).
	var main []byte
	main = appendCells(main, int32(amx.OpConstPri), 5)
	main = appendCells(main, int32(amx.OpPushPri))
	main = appendCells(main, int32(amx.OpPushC), 4)
	callSite := len(main)
	main = appendCells(main, int32(amx.OpCall), 0) // patched below
	main = appendCells(main, int32(amx.OpHalt), 0)

	doubleIP := int32(len(main))
	var double []byte
	double = appendCells(double, int32(amx.OpProc))
	double = appendCells(double, int32(amx.OpLoadSPri), 12)
	double = appendCells(double, int32(amx.OpPushPri))
	double = appendCells(double, int32(amx.OpPopAlt))
	double = appendCells(double, int32(amx.OpAdd))
	double = appendCells(double, int32(amx.OpRetn))

	code := append(main, double...)
	binary.LittleEndian.PutUint32(code[callSite+4:callSite+8], uint32(doubleIP))

	p := fixture(t, code, 64, nil)
	e := NewEngine("386", 32)
	defer e.Close()

	status, pri, err := e.Exec(p, -1, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if status != ErrNone {
		t.Fatalf("status = %s, want %s", status, ErrNone)
	}
	if pri != 10 {
		t.Errorf("PRI = %d, want 10 (5 doubled)", pri)
	}
}

// TestEngineFloatAddOverride exercises a SYSREQ.C call to
// "floatadd", recognized by name and compiled to an inline SSE
// sequence rather than the (unwired) generic host trampoline, leaves
// the float32 bit pattern of 1.5+2.25 in PRI.
func TestEngineFloatAddOverride(t *testing.T) {
	const bits1_5 = 0x3fc00000
	const bits2_25 = 0x40100000
	const bits3_75 = 0x40700000

	var code []byte
	code = appendCells(code, int32(amx.OpConstPri), bits1_5)
	code = appendCells(code, int32(amx.OpPushPri))
	code = appendCells(code, int32(amx.OpConstPri), bits2_25)
	code = appendCells(code, int32(amx.OpPushPri))
	code = appendCells(code, int32(amx.OpSysreqC), 0) // native #0: floatadd
	code = appendCells(code, int32(amx.OpHalt), 0)

	p := fixture(t, code, 64, []string{"floatadd"})
	e := NewEngine("386", 32)
	defer e.Close()

	status, pri, err := e.Exec(p, -1, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if status != ErrNone {
		t.Fatalf("status = %s, want %s", status, ErrNone)
	}
	if uint32(pri) != bits3_75 {
		t.Errorf("PRI = %#x, want %#x", uint32(pri), uint32(bits3_75))
	}
}

// TestEngineSleepResume exercises a SYSREQ.C call to "sleep", which
// suspends the program with AMX_ERR_SLEEP instead of running it to
// completion; SleepArgs recovers the (sec, usec) it recorded, and
// Resume continues execution from the instruction right after the
// call by restoring the VM's own suspended state rather than
// re-running Exec from the top.
func TestEngineSleepResume(t *testing.T) {
	var code []byte
	code = appendCells(code, int32(amx.OpConstPri), 1) // sec
	code = appendCells(code, int32(amx.OpPushPri))
	code = appendCells(code, int32(amx.OpConstPri), 0) // usec
	code = appendCells(code, int32(amx.OpPushPri))
	code = appendCells(code, int32(amx.OpSysreqC), 0) // native #0: sleep
	code = appendCells(code, int32(amx.OpConstPri), 0xc0ffee)
	code = appendCells(code, int32(amx.OpHalt), 0)

	p := fixture(t, code, 64, []string{"sleep"})
	e := NewEngine("386", 32)
	defer e.Close()

	status, _, err := e.Exec(p, -1, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if status != ErrSleep {
		t.Fatalf("status = %s, want %s", status, ErrSleep)
	}

	sec, usec := e.SleepArgs(p)
	if sec != 1 || usec != 0 {
		t.Errorf("SleepArgs = (%d, %d), want (1, 0)", sec, usec)
	}

	status, pri, err := e.Resume(p)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status != ErrNone {
		t.Fatalf("status after Resume = %s, want %s", status, ErrNone)
	}
	if pri != 0xc0ffee {
		t.Errorf("PRI after Resume = %#x, want %#x", pri, 0xc0ffee)
	}
}

// TestEngineBoundsFault checks that an out-of-range index reaching
// OP_BOUNDS aborts with AMX_ERR_BOUNDS instead of letting a
// subsequent LIDX read outside the array.
func TestEngineBoundsFault(t *testing.T) {
	var code []byte
	code = appendCells(code, int32(amx.OpConstPri), 10)
	code = appendCells(code, int32(amx.OpBounds), 5)
	code = appendCells(code, int32(amx.OpHalt), 0)

	p := fixture(t, code, 64, nil)
	e := NewEngine("386", 32)
	defer e.Close()

	status, _, err := e.Exec(p, -1, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if status != ErrBounds {
		t.Errorf("status = %s, want %s", status, ErrBounds)
	}
}

// TestEngineDestroy checks that Destroy frees a compiled program's
// memory and forgets it, so a later Resume reports it was never run
// rather than reusing stale generated code.
func TestEngineDestroy(t *testing.T) {
	var code []byte
	code = appendCells(code, int32(amx.OpConstPri), 1)
	code = appendCells(code, int32(amx.OpHalt), 0)

	p := fixture(t, code, 64, nil)
	e := NewEngine("386", 32)
	defer e.Close()

	if _, _, err := e.Exec(p, -1, nil); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := e.Destroy(p); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, _, err := e.Resume(p); err == nil {
		t.Error("Resume after Destroy: expected an error, got nil")
	}
}
