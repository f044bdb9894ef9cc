// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compile

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// NativeOverride emits an inline native-code template as an
// alternative to the generic SYSREQ trampoline. Overrides receive the
// buffer mid-compilation and are expected to consume the VM stack
// arguments already pushed by the call site and leave their result in
// PRI, exactly like the function they're replacing would on return.
type NativeOverride func(buf *CodeBuffer)

// defaultNativeOverrides builds the frozen name -> emitter table
// consulted when compiling SYSREQ.C: if the resolved native name has an
// entry here, its override is emitted inline (SSE sequences) instead
// of the generic external-call trampoline. Registered once in
// NewCompiler and never mutated afterward, per Design Notes §9 ("avoid
// a class-member pointer per override").
func defaultNativeOverrides() map[string]NativeOverride {
	return map[string]NativeOverride{
		"float":       nativeFloat,
		"floatabs":    nativeFloatAbs,
		"floatadd":    nativeFloatBinary(x86.AADDSS),
		"floatsub":    nativeFloatBinary(x86.ASUBSS),
		"floatmul":    nativeFloatBinary(x86.AMULSS),
		"floatdiv":    nativeFloatBinary(x86.ADIVSS),
		"floatsqroot": nativeFloatSqrt,
	}
}

func movRegReg(buf *CodeBuffer, as obj.As, from, to int16) {
	prog := buf.NewProg()
	prog.As = as
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = from
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = to
	buf.Emit(prog)
}

// nativeFloat converts PRI, interpreted as a cell-width integer, to
// its float32 bit pattern in PRI: CVTSI2SS through XMM0, then MOVD
// back out.
func nativeFloat(buf *CodeBuffer) {
	emitStackPop(buf, regPri)
	movRegReg(buf, x86.ACVTSL2SS, regPri, x86.REG_X0)
	movRegReg(buf, x86.AMOVL, x86.REG_X0, regPri)
}

// nativeFloatAbs clears the sign bit of PRI's float32 bit pattern.
func nativeFloatAbs(buf *CodeBuffer) {
	emitStackPop(buf, regPri)
	prog := buf.NewProg()
	prog.As = x86.AANDL
	prog.From.Type = obj.TYPE_CONST
	prog.From.Offset = 0x7fffffff
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = regPri
	buf.Emit(prog)
}

// nativeFloatBinary returns an override that pops two stack
// arguments, performs op (a scalar-single-precision SSE instruction
// such as ADDSS/SUBSS/MULSS/DIVSS) between them via XMM0/XMM1, and
// leaves the float32 bit pattern of the result in PRI.
func nativeFloatBinary(op obj.As) NativeOverride {
	return func(buf *CodeBuffer) {
		emitStackPop(buf, regAlt) // second argument, pushed last
		emitStackPop(buf, regPri) // first argument

		movRegReg(buf, x86.AMOVL, regPri, x86.REG_X0)
		movRegReg(buf, x86.AMOVL, regAlt, x86.REG_X1)

		prog := buf.NewProg()
		prog.As = op
		prog.From.Type = obj.TYPE_REG
		prog.From.Reg = x86.REG_X1
		prog.To.Type = obj.TYPE_REG
		prog.To.Reg = x86.REG_X0
		buf.Emit(prog)

		movRegReg(buf, x86.AMOVL, x86.REG_X0, regPri)
	}
}

// nativeFloatSqrt replaces PRI's float32 bit pattern with its square
// root, via SQRTSS.
func nativeFloatSqrt(buf *CodeBuffer) {
	emitStackPop(buf, regPri)
	movRegReg(buf, x86.AMOVL, regPri, x86.REG_X0)

	prog := buf.NewProg()
	prog.As = x86.ASQRTSS
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = x86.REG_X0
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_X0
	buf.Emit(prog)

	movRegReg(buf, x86.AMOVL, x86.REG_X0, regPri)
}
