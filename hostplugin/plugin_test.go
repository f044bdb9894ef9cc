// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build !appengine,386

package hostplugin

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/Zeex/amxjit/amx"
	"github.com/Zeex/amxjit/runtime"
)

// fixture builds the same minimal self-contained AMX image
// runtime.engine_test.go's helper does; duplicated here (rather than
// exported from runtime) since it's test-only scaffolding, not part of
// that package's public surface.
func fixture(t *testing.T, code []byte, dataSize int32, natives []string) *amx.Program {
	t.Helper()
	const hdrSize = 56

	var natTable, nameTable []byte
	for _, name := range natives {
		off := uint32(len(nameTable))
		entry := make([]byte, 8)
		binary.LittleEndian.PutUint32(entry[0:4], 0)
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
	le.PutUint32(raw[12:16], uint32(codeOff))
	le.PutUint32(raw[16:20], uint32(datOff))
	le.PutUint32(raw[20:24], 0)
	le.PutUint32(raw[24:28], uint32(dataSize))
	le.PutUint32(raw[28:32], 0)
	le.PutUint32(raw[32:36], 0)
	if len(natives) > 0 {
		le.PutUint32(raw[36:40], uint32(natOff))
		le.PutUint32(raw[40:44], uint32(nameOff))
	}
	le.PutUint32(raw[52:56], uint32(nameOff))
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

// TestStateExecRequiresInstall checks Exec refuses a program that was
// never handed to Install, the same way the reference plugin's hooked
// amx_Exec has nothing to call into before AmxLoad has run for that
// AMX instance.
func TestStateExecRequiresInstall(t *testing.T) {
	var code []byte
	code = appendCells(code, int32(amx.OpConstPri), 1)
	code = appendCells(code, int32(amx.OpHalt), 0)
	p := fixture(t, code, 64, nil)

	e := runtime.NewEngine("386", 32)
	defer e.Close()
	s := NewState(e)

	if _, _, err := s.Exec(p, -1, nil); err == nil {
		t.Error("Exec before Install: expected an error, got nil")
	}
}

// TestStateInstallTeardown runs a program end to end through Install,
// Exec, and Teardown, checking Teardown forgets the instance: a
// subsequent Exec fails because the program is no longer Installed.
func TestStateInstallTeardown(t *testing.T) {
	var code []byte
	code = appendCells(code, int32(amx.OpConstPri), 4)
	code = appendCells(code, int32(amx.OpPushPri))
	code = appendCells(code, int32(amx.OpConstPri), 6)
	code = appendCells(code, int32(amx.OpPopAlt))
	code = appendCells(code, int32(amx.OpAdd))
	code = appendCells(code, int32(amx.OpHalt), 0)
	p := fixture(t, code, 64, nil)

	e := runtime.NewEngine("386", 32)
	defer e.Close()
	s := NewState(e)

	if err := s.Install(p); err != nil {
		t.Fatalf("Install: %v", err)
	}

	status, pri, err := s.Exec(p, -1, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if status != runtime.ErrNone {
		t.Fatalf("status = %s, want %s", status, runtime.ErrNone)
	}
	if pri != 10 {
		t.Errorf("PRI = %d, want 10", pri)
	}

	if err := s.Teardown(p); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, _, err := s.Exec(p, -1, nil); err == nil {
		t.Error("Exec after Teardown: expected an error, got nil")
	}
}

// TestStateProcessTickResumes exercises the poll-based resumption path:
// a SYSREQ.C "sleep" call suspends the program, and ProcessTick, once
// the recorded deadline has passed, resumes it on its own without the
// caller ever calling Resume directly.
func TestStateProcessTickResumes(t *testing.T) {
	var code []byte
	code = appendCells(code, int32(amx.OpConstPri), 0) // sec
	code = appendCells(code, int32(amx.OpPushPri))
	code = appendCells(code, int32(amx.OpConstPri), 1000) // usec: ~1ms
	code = appendCells(code, int32(amx.OpPushPri))
	code = appendCells(code, int32(amx.OpSysreqC), 0) // native #0: sleep
	code = appendCells(code, int32(amx.OpConstPri), 0x1234)
	code = appendCells(code, int32(amx.OpHalt), 0)
	p := fixture(t, code, 64, []string{"sleep"})

	e := runtime.NewEngine("386", 32)
	defer e.Close()
	s := NewState(e)

	if err := s.Install(p); err != nil {
		t.Fatalf("Install: %v", err)
	}

	status, _, err := s.Exec(p, -1, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if status != runtime.ErrSleep {
		t.Fatalf("status = %s, want %s", status, runtime.ErrSleep)
	}

	s.mu.Lock()
	stillSleeping := s.instances[p].sleeping
	s.mu.Unlock()
	if !stillSleeping {
		t.Fatal("program not marked sleeping immediately after ErrSleep")
	}

	time.Sleep(5 * time.Millisecond)
	s.ProcessTick()

	s.mu.Lock()
	inst := s.instances[p]
	s.mu.Unlock()
	if inst.sleeping {
		t.Error("ProcessTick: program still sleeping after its deadline elapsed")
	}
}
