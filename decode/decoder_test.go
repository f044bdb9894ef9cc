// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package decode

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Zeex/amxjit/amx"
)

func cells(vals ...int32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return buf
}

func TestDecoderLinearScan(t *testing.T) {
	code := cells(
		int32(amx.OpConstPri), 1,
		int32(amx.OpAdd),
		int32(amx.OpRetn),
	)
	d := NewDecoder(code, nil, 0, int32(len(code)))

	var ops []amx.Opcode
	for !d.Done() {
		in, err := d.Next()
		if err != nil {
			t.Fatal(err)
		}
		ops = append(ops, in.Op)
	}
	want := []amx.Opcode{amx.OpConstPri, amx.OpAdd, amx.OpRetn}
	if len(ops) != len(want) {
		t.Fatalf("decoded %d instructions, want %d", len(ops), len(want))
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %v, want %v", i, ops[i], want[i])
		}
	}
}

func TestDecoderOperand(t *testing.T) {
	code := cells(int32(amx.OpConstPri), 42)
	d := NewDecoder(code, nil, 0, int32(len(code)))
	in, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := in.Operand(0), int32(42); got != want {
		t.Errorf("Operand(0) = %d, want %d", got, want)
	}
	if got, want := in.End(), int32(8); got != want {
		t.Errorf("End() = %d, want %d", got, want)
	}
}

func TestDecoderUnsupportedOpcode(t *testing.T) {
	code := cells(999999)
	d := NewDecoder(code, nil, 0, int32(len(code)))
	_, err := d.Next()
	var uerr *UnsupportedOpcodeError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want *UnsupportedOpcodeError", err)
	}
	if !errors.Is(err, ErrUnsupportedOpcode) {
		t.Errorf("errors.Is(err, ErrUnsupportedOpcode) = false")
	}
}

func TestDecoderObsoleteOpcode(t *testing.T) {
	code := cells(int32(amx.OpSymtag), 0)
	d := NewDecoder(code, nil, 0, int32(len(code)))
	_, err := d.Next()
	var oerr *ObsoleteOpcodeError
	if !errors.As(err, &oerr) {
		t.Fatalf("err = %v, want *ObsoleteOpcodeError", err)
	}
}

func TestDecoderCasetbl(t *testing.T) {
	// CASETBL, n=2, (val0,addr0), (val1,addr1), default
	code := cells(int32(amx.OpCasetbl), 2, 10, 100, 20, 200, 999)
	d := NewDecoder(code, nil, 0, int32(len(code)))
	in, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := in.CaseTableSize(), int32(2); got != want {
		t.Errorf("CaseTableSize() = %d, want %d", got, want)
	}
	v, a := in.CaseTableEntry(0)
	if v != 10 || a != 100 {
		t.Errorf("CaseTableEntry(0) = (%d,%d), want (10,100)", v, a)
	}
	v, a = in.CaseTableEntry(1)
	if v != 20 || a != 200 {
		t.Errorf("CaseTableEntry(1) = (%d,%d), want (20,200)", v, a)
	}
	if got, want := in.CaseTableDefault(), int32(999); got != want {
		t.Errorf("CaseTableDefault() = %d, want %d", got, want)
	}
	if !d.Done() {
		t.Errorf("decoder should be exhausted after one CASETBL instruction")
	}
}

func TestDecoderRelocation(t *testing.T) {
	rel := amx.Relocation{7: amx.OpAdd}
	code := cells(7)
	d := NewDecoder(code, rel, 0, int32(len(code)))
	in, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if in.Op != amx.OpAdd {
		t.Errorf("Op = %v, want OpAdd", in.Op)
	}
}
