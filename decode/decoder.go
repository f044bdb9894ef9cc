// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package decode turns a program's raw code section into a lazy
// sequence of decoded instructions, validating each opcode against
// the supported repertoire as it goes.
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Zeex/amxjit/amx"
)

const cellSize = 4

// Instruction is one decoded AMX instruction: its opcode, the byte
// offset it was read from, and its operand cells (empty for
// zero-operand opcodes, one entry for the common case, 2n+2 entries
// for OpCasetbl: n, the n (value, address) pairs, then the default
// address).
type Instruction struct {
	Op       amx.Opcode
	IP       int32
	Operands []int32
}

// Operand returns the instruction's i'th operand cell.
func (in Instruction) Operand(i int) int32 {
	return in.Operands[i]
}

// End returns the byte offset immediately following the instruction.
func (in Instruction) End() int32 {
	return in.IP + cellSize*(1+int32(len(in.Operands)))
}

// Errors returned by Next. The caller (typically the compiler) is
// expected to translate these into its own failure conditions per
// opcode kind.
var (
	ErrUnsupportedOpcode = errors.New("decode: unsupported opcode")
	ErrObsoleteOpcode    = errors.New("decode: obsolete opcode")
	ErrTruncated         = errors.New("decode: instruction runs past end of range")
)

// UnsupportedOpcodeError identifies the specific instruction that
// could not be decoded.
type UnsupportedOpcodeError struct {
	IP  int32
	Raw int32
}

func (e *UnsupportedOpcodeError) Error() string {
	return fmt.Sprintf("decode: unsupported opcode 0x%x at ip=%d", e.Raw, e.IP)
}

func (e *UnsupportedOpcodeError) Unwrap() error { return ErrUnsupportedOpcode }

// ObsoleteOpcodeError identifies an instruction using an opcode that
// was retired by the reference interpreter.
type ObsoleteOpcodeError struct {
	IP int32
	Op amx.Opcode
}

func (e *ObsoleteOpcodeError) Error() string {
	return fmt.Sprintf("decode: obsolete opcode %s at ip=%d", e.Op, e.IP)
}

func (e *ObsoleteOpcodeError) Unwrap() error { return ErrObsoleteOpcode }

// Decoder performs a linear scan of a code section over a half-open
// byte range [Start, End), producing one Instruction per call to
// Next.
type Decoder struct {
	code       []byte
	relocation amx.Relocation
	start, end int32
	ip         int32
}

// NewDecoder returns a Decoder scanning code[start:end].
func NewDecoder(code []byte, relocation amx.Relocation, start, end int32) *Decoder {
	return &Decoder{code: code, relocation: relocation, start: start, end: end, ip: start}
}

// NewProgramDecoder returns a Decoder scanning the whole code section
// of p, applying p's opcode relocation table.
func NewProgramDecoder(p *amx.Program) *Decoder {
	return NewDecoder(p.Code(), p.Relocation(), 0, int32(p.CodeSize()))
}

// IP returns the byte offset Next will read from next.
func (d *Decoder) IP() int32 { return d.ip }

// Done reports whether the decoder has reached the end of its range.
func (d *Decoder) Done() bool { return d.ip >= d.end }

func (d *Decoder) cell(ip int32) (int32, bool) {
	if ip < 0 || int64(ip)+cellSize > int64(len(d.code)) {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(d.code[ip : ip+cellSize])), true
}

// Next decodes and returns the instruction at the current ip, then
// advances past it. It returns ErrTruncated at end of range (a
// sentinel, not a fault: callers loop "for !d.Done()").
func (d *Decoder) Next() (Instruction, error) {
	if d.Done() {
		return Instruction{}, ErrTruncated
	}
	ip := d.ip
	raw, ok := d.cell(ip)
	if !ok {
		return Instruction{}, ErrTruncated
	}
	op := d.relocation.Resolve(raw)

	if op == amx.OpCasetbl {
		return d.decodeCasetbl(ip)
	}

	if op == amx.OpUnknown {
		return Instruction{}, &UnsupportedOpcodeError{IP: ip, Raw: raw}
	}
	if amx.IsObsolete(op) {
		return Instruction{}, &ObsoleteOpcodeError{IP: ip, Op: op}
	}
	n, ok := amx.OperandCells(op)
	if !ok {
		return Instruction{}, &UnsupportedOpcodeError{IP: ip, Raw: raw}
	}

	operands := make([]int32, n)
	for i := 0; i < int(n); i++ {
		v, ok := d.cell(ip + cellSize*int32(1+i))
		if !ok {
			return Instruction{}, ErrTruncated
		}
		operands[i] = v
	}
	d.ip = ip + cellSize*(1+int32(n))
	return Instruction{Op: op, IP: ip, Operands: operands}, nil
}

// decodeCasetbl handles OP_CASETBL's variable-length payload: one
// cell n (the number of cases), followed by 2n+1 cells (n
// (value, address) pairs plus a trailing default address). n itself is
// kept as the first operand.
func (d *Decoder) decodeCasetbl(ip int32) (Instruction, error) {
	n, ok := d.cell(ip + cellSize)
	if !ok {
		return Instruction{}, ErrTruncated
	}
	if n < 0 {
		return Instruction{}, &UnsupportedOpcodeError{IP: ip, Raw: int32(amx.OpCasetbl)}
	}
	payload := 1 + 2*int32(n)
	operands := make([]int32, 1+payload)
	operands[0] = n
	for i := int32(0); i < payload; i++ {
		v, ok := d.cell(ip + cellSize*(2+i))
		if !ok {
			return Instruction{}, ErrTruncated
		}
		operands[1+i] = v
	}
	d.ip = ip + cellSize*(2+payload)
	return Instruction{Op: amx.OpCasetbl, IP: ip, Operands: operands}, nil
}

// CaseTableSize returns the case count n encoded in a decoded
// OpCasetbl instruction's first operand.
func (in Instruction) CaseTableSize() int32 {
	return in.Operands[0]
}

// CaseTableEntry returns the (value, address) pair for case i of a
// decoded OpCasetbl instruction.
func (in Instruction) CaseTableEntry(i int32) (value, address int32) {
	return in.Operands[1+2*i], in.Operands[2+2*i]
}

// CaseTableDefault returns the default-case jump address of a decoded
// OpCasetbl instruction.
func (in Instruction) CaseTableDefault() int32 {
	return in.Operands[len(in.Operands)-1]
}
