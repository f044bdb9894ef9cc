// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compile

import (
	"errors"
	"fmt"

	"github.com/Zeex/amxjit/decode"
)

// Sentinel errors distinguishing the buffer-level failure kinds from
// CodeBuffer.Finalise.
var (
	ErrUnboundLabel     = errors.New("compile: label never bound")
	ErrAlreadyFinalised = errors.New("compile: buffer already finalised")
)

// UnsupportedInstructionError means the decoder encountered an opcode
// this compiler has no template for. Exec falls back to the host
// interpreter (ERR_INIT_JIT) when this aborts compilation.
type UnsupportedInstructionError struct {
	IP int32
	Op string
}

func (e *UnsupportedInstructionError) Error() string {
	return fmt.Sprintf("compile: no native template for %s at ip=%d", e.Op, e.IP)
}

// InvalidInstructionError means the decoder could not even identify
// the opcode. Exec reports ERR_INVINSTR when this aborts compilation.
// classifyDecodeError does not produce it: an opcode outside the
// known set surfaces as UnsupportedInstructionError.
type InvalidInstructionError struct {
	IP  int32
	Raw int32
}

func (e *InvalidInstructionError) Error() string {
	return fmt.Sprintf("compile: invalid opcode 0x%x at ip=%d", e.Raw, e.IP)
}

// ObsoleteInstructionError means the decoder found a retired
// debug-info opcode. Treated identically to InvalidInstructionError.
type ObsoleteInstructionError struct {
	IP int32
	Op string
}

func (e *ObsoleteInstructionError) Error() string {
	return fmt.Sprintf("compile: obsolete opcode %s at ip=%d", e.Op, e.IP)
}

// BufferOverflowError means the emitter could not finalise the code
// buffer (unbound label, or the underlying assembler rejected the
// instruction stream).
type BufferOverflowError struct {
	Cause error
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("compile: code buffer overflow: %v", e.Cause)
}

func (e *BufferOverflowError) Unwrap() error { return e.Cause }

// classifyDecodeError turns a decode.Decoder failure into the
// matching compile-time error type.
func classifyDecodeError(err error) error {
	var uerr *decode.UnsupportedOpcodeError
	if errors.As(err, &uerr) {
		return &UnsupportedInstructionError{IP: uerr.IP, Op: fmt.Sprintf("0x%x", uerr.Raw)}
	}
	var oerr *decode.ObsoleteOpcodeError
	if errors.As(err, &oerr) {
		return &ObsoleteInstructionError{IP: oerr.IP, Op: oerr.Op.String()}
	}
	return err
}
