// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compile

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/Zeex/amxjit/amx"
	"github.com/Zeex/amxjit/decode"
)

// Address convention used throughout this file: a value held in a
// register is always an absolute pointer into the mapped data region.
// FRM and STK live in native EBP/ESP, which the entry trampoline seeds
// with real pointers into that region, so ADDR.pri/alt (EBP+offset)
// and indirect loads/stores through PRI/ALT need no further
// translation. The one place an absolute address has to be
// synthesized from scratch is an instruction whose address operand is
// a literal cell offset baked into the bytecode (LOAD/STOR by
// constant address, ZERO, INC/DEC by constant address): those add
// regData, the data section's base address, which the trampoline
// seeds once per execution and never changes.

func regAddr(r int16) obj.Addr { return obj.Addr{Type: obj.TYPE_REG, Reg: r} }
func constAddr(v int64) obj.Addr { return obj.Addr{Type: obj.TYPE_CONST, Offset: v} }
func memAddr(base int16, offset int32) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Offset: int64(offset)}
}
func sibAddr(base, index int16, scale int16) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Index: index, Scale: scale}
}

func emit2(buf *CodeBuffer, as obj.As, from, to obj.Addr) *obj.Prog {
	prog := buf.NewProg()
	prog.As = as
	prog.From = from
	prog.To = to
	buf.Emit(prog)
	return prog
}

func emit1(buf *CodeBuffer, as obj.As, to obj.Addr) *obj.Prog {
	prog := buf.NewProg()
	prog.As = as
	prog.To = to
	buf.Emit(prog)
	return prog
}

func emit0(buf *CodeBuffer, as obj.As) *obj.Prog {
	prog := buf.NewProg()
	prog.As = as
	buf.Emit(prog)
	return prog
}

func emitLoadImm(buf *CodeBuffer, reg int16, imm int32) {
	emit2(buf, x86.AMOVL, constAddr(int64(imm)), regAddr(reg))
}

// emitArithBinary emits "dst op= src" (e.g. ADD: PRI += ALT is
// emitArithBinary(buf, x86.AADDL, regAlt, regPri)).
func emitArithBinary(buf *CodeBuffer, as obj.As, src, dst int16) {
	emit2(buf, as, regAddr(src), regAddr(dst))
}

func emitArithImm(buf *CodeBuffer, as obj.As, reg int16, imm int32) {
	emit2(buf, as, constAddr(int64(imm)), regAddr(reg))
}

func emitUnary(buf *CodeBuffer, as obj.As, reg int16) {
	emit1(buf, as, regAddr(reg))
}

// emitShift emits "reg <<= CL"-style shifts; countReg is always
// regAlt, whose low byte doubles as CL without any extra move.
func emitShift(buf *CodeBuffer, as obj.As, countReg, reg int16) {
	emit2(buf, as, regAddr(countReg), regAddr(reg))
}

func emitShiftImm(buf *CodeBuffer, as obj.As, reg int16, imm int32) {
	emit2(buf, as, constAddr(int64(imm)), regAddr(reg))
}

func emitStackPush(buf *CodeBuffer, reg int16) {
	emit1(buf, x86.APUSHL, regAddr(reg))
}

func emitStackPop(buf *CodeBuffer, reg int16) {
	emit1(buf, x86.APOPL, regAddr(reg))
}

func emitPushImm(buf *CodeBuffer, imm int32) {
	emit1(buf, x86.APUSHL, constAddr(int64(imm)))
}

// emitCallHost emits a call through the function pointer stored at
// ctxOffset within the ExecContext reached via regCtx.
func emitCallHost(buf *CodeBuffer, ctxOffset int32) {
	emit1(buf, obj.ACALL, memAddr(regCtx, ctxOffset))
}

// emitGuardedHostCall is emitCallHost guarded against a host that
// never installed the trampoline at ctxOffset (DispatchFn, MemmoveFn,
// MemcmpFn, FillFn all start out zero until a host wires them):
// rather than CALL through a null pointer, an unset trampoline routes
// through the halt path with a JIT-specific error distinct from any
// AMX_ERR_* the compiled program could otherwise produce.
func (st *compileState) emitGuardedHostCall(ctxOffset int32) {
	buf := st.buf
	emit2(buf, x86.ACMPL, memAddr(regCtx, ctxOffset), constAddr(0))
	buf.Branch(x86.AJEQ, st.unsupportedLabel())
	emitCallHost(buf, ctxOffset)
}

func emitAdjustNativeSP(buf *CodeBuffer, delta int32) {
	emit2(buf, x86.AADDL, constAddr(int64(delta)), regAddr(x86.REG_SP))
}

// --- load / store by literal address ---------------------------------------

func (st *compileState) emitLoad(dst int16, addr int32) {
	emit2(st.buf, x86.AMOVL, memAddr(regData, addr), regAddr(dst))
}

func (st *compileState) emitLoadS(dst int16, offset int32) {
	emit2(st.buf, x86.AMOVL, memAddr(x86.REG_BP, offset), regAddr(dst))
}

func (st *compileState) emitStore(src int16, addr int32) {
	emit2(st.buf, x86.AMOVL, regAddr(src), memAddr(regData, addr))
}

func (st *compileState) emitStoreS(src int16, offset int32) {
	emit2(st.buf, x86.AMOVL, regAddr(src), memAddr(x86.REG_BP, offset))
}

// emitAddr computes FRM+offset, already absolute via native EBP.
func (st *compileState) emitAddr(dst int16, offset int32) {
	emit2(st.buf, x86.ALEAL, memAddr(x86.REG_BP, offset), regAddr(dst))
}

// --- indirection (LREF/SREF, LOAD.I/STOR.I) ---------------------------------

// emitIndirectRef handles the eight LREF/SREF variants: a pointer cell
// (absolute, per the file's convention) is read from one of the
// literal-address or FRM-relative forms, then PRI/ALT is loaded from
// or stored to the address it names.
func (st *compileState) emitIndirectRef(in decode.Instruction) {
	buf := st.buf
	operand := in.Operand(0)

	var ptrSrc obj.Addr
	switch in.Op {
	case amx.OpLrefPri, amx.OpLrefAlt, amx.OpSrefPri, amx.OpSrefAlt:
		ptrSrc = memAddr(regData, operand)
	case amx.OpLrefSPri, amx.OpLrefSAlt, amx.OpSrefSPri, amx.OpSrefSAlt:
		ptrSrc = memAddr(x86.REG_BP, operand)
	}
	emit2(buf, x86.AMOVL, ptrSrc, regAddr(regTmp))

	switch in.Op {
	case amx.OpLrefPri, amx.OpLrefSPri:
		emit2(buf, x86.AMOVL, memAddr(regTmp, 0), regAddr(regPri))
	case amx.OpLrefAlt, amx.OpLrefSAlt:
		emit2(buf, x86.AMOVL, memAddr(regTmp, 0), regAddr(regAlt))
	case amx.OpSrefPri, amx.OpSrefSPri:
		emit2(buf, x86.AMOVL, regAddr(regPri), memAddr(regTmp, 0))
	case amx.OpSrefAlt, amx.OpSrefSAlt:
		emit2(buf, x86.AMOVL, regAddr(regAlt), memAddr(regTmp, 0))
	}
}

func (st *compileState) emitIndirectLoad(dst, addrReg int16) {
	emit2(st.buf, x86.AMOVL, memAddr(addrReg, 0), regAddr(dst))
}

func (st *compileState) emitIndirectStore(valueReg, addrReg int16) {
	emit2(st.buf, x86.AMOVL, regAddr(valueReg), memAddr(addrReg, 0))
}

// emitLodbI/emitStrbI move a 1/2/4-byte quantity through the address
// in PRI, per the width operand (in bytes).
func (st *compileState) emitLodbI(width int32) {
	buf := st.buf
	switch width {
	case 1:
		emit2(buf, x86.AMOVBLZX, memAddr(regPri, 0), regAddr(regPri))
	case 2:
		emit2(buf, x86.AMOVWLZX, memAddr(regPri, 0), regAddr(regPri))
	default:
		emit2(buf, x86.AMOVL, memAddr(regPri, 0), regAddr(regPri))
	}
}

func (st *compileState) emitStrbI(width int32) {
	buf := st.buf
	switch width {
	case 1:
		emit2(buf, x86.AMOVB, regAddr(regAlt), memAddr(regPri, 0))
	case 2:
		emit2(buf, x86.AMOVW, regAddr(regAlt), memAddr(regPri, 0))
	default:
		emit2(buf, x86.AMOVL, regAddr(regAlt), memAddr(regPri, 0))
	}
}

// --- register moves ----------------------------------------------------------

func (st *compileState) emitXchg() {
	emit2(st.buf, x86.AXCHGL, regAddr(regAlt), regAddr(regPri))
}

func (st *compileState) emitSwap(reg int16) {
	buf := st.buf
	emit2(buf, x86.AMOVL, memAddr(x86.REG_SP, 0), regAddr(regTmp))
	emit2(buf, x86.AMOVL, regAddr(reg), memAddr(x86.REG_SP, 0))
	emit2(buf, x86.AMOVL, regAddr(regTmp), regAddr(reg))
}

func (st *compileState) emitZeroAddr(addr int32) {
	emit2(st.buf, x86.AMOVL, constAddr(0), memAddr(regData, addr))
}

func (st *compileState) emitZeroStack(offset int32) {
	emit2(st.buf, x86.AMOVL, constAddr(0), memAddr(x86.REG_BP, offset))
}

func (st *compileState) emitSignExtendByte(reg int16) {
	emit2(st.buf, x86.AMOVBLSX, regAddr(reg), regAddr(reg))
}

// --- stack pushes -------------------------------------------------------------

func (st *compileState) emitPushConst(imm int32) {
	emitPushImm(st.buf, imm)
}

func (st *compileState) emitPushAddr(addr int32) {
	buf := st.buf
	emit2(buf, x86.AMOVL, memAddr(regData, addr), regAddr(regTmp))
	emitStackPush(buf, regTmp)
}

func (st *compileState) emitPushStack(offset int32) {
	buf := st.buf
	emit2(buf, x86.AMOVL, memAddr(x86.REG_BP, offset), regAddr(regTmp))
	emitStackPush(buf, regTmp)
}

func (st *compileState) emitPushFrameAddr(offset int32) {
	buf := st.buf
	emit2(buf, x86.ALEAL, memAddr(x86.REG_BP, offset), regAddr(regTmp))
	emitStackPush(buf, regTmp)
}

// --- stack/heap/frame management -----------------------------------------------

func (st *compileState) emitAdjustStack(delta int32) {
	emitAdjustNativeSP(st.buf, delta)
}

// emitAdjustHeap grows or shrinks HEA, then faults with AMX_ERR_HEAPLOW
// if that left HEA past the live stack pointer: the heap and stack
// share one region growing toward each other, so HEA overtaking STK is
// the overflow condition, the same check the reference interpreter
// makes on every OP_HEAP.
func (st *compileState) emitAdjustHeap(delta int32) {
	buf := st.buf
	emit2(buf, x86.AADDL, constAddr(int64(delta)), regAddr(regHea))
	emit2(buf, x86.ACMPL, regAddr(x86.REG_SP), regAddr(regHea))
	buf.Branch(x86.AJCS, st.heapFaultLabel())
}

// emitProc is exactly a native function prologue: PUSH FRM; FRM := STK.
// It then checks the stack hasn't collided with the heap, the same
// overflow condition emitAdjustHeap checks from the other side: PROC
// runs once per AMX function call, the natural point recursion would
// first drive STK into HEA.
func (st *compileState) emitProc() {
	buf := st.buf
	emit1(buf, x86.APUSHL, regAddr(x86.REG_BP))
	emit2(buf, x86.ACMPL, regAddr(x86.REG_SP), regAddr(regHea))
	buf.Branch(x86.AJLS, st.stackFaultLabel())
	emit2(buf, x86.AMOVL, regAddr(x86.REG_SP), regAddr(x86.REG_BP))
}

// emitRet restores STK/FRM and returns. withArgs additionally pops and
// discards the argument-count cell the AMX calling convention leaves
// just above the return address, adjusting STK by that many bytes.
func (st *compileState) emitRet(withArgs bool) {
	buf := st.buf
	emit2(buf, x86.AMOVL, regAddr(x86.REG_BP), regAddr(x86.REG_SP))
	emitStackPop(buf, x86.REG_BP)
	if !withArgs {
		emit0(buf, obj.ARET)
		return
	}
	emitStackPop(buf, regTmp) // return address
	emitStackPop(buf, regAlt) // argument byte count; ALT is caller-saved across RET
	emit2(buf, x86.AADDL, regAddr(regAlt), regAddr(x86.REG_SP))
	emit1(buf, obj.AJMP, regAddr(regTmp))
}

// --- control flow ---------------------------------------------------------------

var condJump = map[amx.Opcode]obj.As{
	amx.OpJzer:   x86.AJEQ,
	amx.OpJnz:    x86.AJNE,
	amx.OpJeq:    x86.AJEQ,
	amx.OpJneq:   x86.AJNE,
	amx.OpJless:  x86.AJCS,
	amx.OpJleq:   x86.AJLS,
	amx.OpJgrtr:  x86.AJHI,
	amx.OpJgeq:   x86.AJCC,
	amx.OpJsless: x86.AJLT,
	amx.OpJsleq:  x86.AJLE,
	amx.OpJsgrtr: x86.AJGT,
	amx.OpJsgeq:  x86.AJGE,
}

func (st *compileState) emitConditionalJump(in decode.Instruction) {
	buf := st.buf
	switch in.Op {
	case amx.OpJzer, amx.OpJnz:
		emit2(buf, x86.ACMPL, constAddr(0), regAddr(regPri))
	default:
		emit2(buf, x86.ACMPL, regAddr(regPri), regAddr(regAlt))
	}
	buf.Branch(condJump[in.Op], st.labels.Entry(in.Operand(0)))
}

func (st *compileState) emitDynamicJump() {
	buf := st.buf
	emitStackPush(buf, regPri)
	st.emitGuardedHostCall(ctxDispatchFn)
	emitAdjustNativeSP(buf, 4)
	emit1(buf, obj.AJMP, regAddr(regPri))
}

func (st *compileState) emitCall(label int) {
	st.buf.Branch(obj.ACALL, label)
}

// emitCallPri calls the function whose AMX address is held in PRI:
// resolve it to a native address via the host dispatch trampoline
// (the CodeMap isn't reachable from generated code), then issue a real
// CALL so the return address lands on the VM stack exactly as a
// direct CALL would.
func (st *compileState) emitCallPri() {
	buf := st.buf
	emitStackPush(buf, regPri)
	st.emitGuardedHostCall(ctxDispatchFn)
	emitAdjustNativeSP(buf, 4)
	emit1(buf, obj.ACALL, regAddr(regPri))
}

// emitSwitch decodes the CASETBL instruction at in's operand out of
// band (it is also reached in the normal decode sequence as a no-op,
// since control never falls through a SWITCH into its table) and
// expands it into a compile-time compare-and-branch chain: all case
// values are known statically, so no runtime jump table is needed.
func (st *compileState) emitSwitch(in decode.Instruction) {
	buf := st.buf
	tableIP := in.Operand(0)
	d := decode.NewDecoder(st.prog.Code(), st.prog.Relocation(), tableIP, int32(st.prog.CodeSize()))
	table, err := d.Next()
	if err != nil || table.Op != amx.OpCasetbl {
		return
	}
	n := table.CaseTableSize()
	for i := int32(0); i < n; i++ {
		value, target := table.CaseTableEntry(i)
		emit2(buf, x86.ACMPL, regAddr(regPri), constAddr(int64(value)))
		buf.Branch(x86.AJEQ, st.labels.Entry(target))
	}
	buf.Branch(obj.AJMP, st.labels.Entry(table.CaseTableDefault()))
}

// --- arithmetic ----------------------------------------------------------------

func (st *compileState) emitSubAlt() {
	buf := st.buf
	emit2(buf, x86.AMOVL, regAddr(regAlt), regAddr(regTmp))
	emit2(buf, x86.ASUBL, regAddr(regPri), regAddr(regTmp))
	emit2(buf, x86.AMOVL, regAddr(regTmp), regAddr(regPri))
}

func (st *compileState) emitBoolNot(reg int16) {
	buf := st.buf
	emit2(buf, x86.ACMPL, regAddr(reg), constAddr(0))
	emit1(buf, x86.ASETEQ, regAddr(regTmp))
	emit2(buf, x86.AANDL, constAddr(0xff), regAddr(regTmp))
	emit2(buf, x86.AMOVL, regAddr(regTmp), regAddr(reg))
}

func (st *compileState) emitSmulC(imm int32) {
	emit2(st.buf, x86.AIMULL, constAddr(int64(imm)), regAddr(regPri))
}

func (st *compileState) emitSmul() {
	emitArithBinary(st.buf, x86.AIMULL, regAlt, regPri)
}

// emitUmul spills HEA (it shares EDX with the implicit MUL result)
// across the instruction, using the VM stack (== native stack) as
// scratch space; net stack effect is zero.
func (st *compileState) emitUmul() {
	buf := st.buf
	emitStackPush(buf, regHea)
	emit1(buf, x86.AMULL, regAddr(regAlt))
	emitStackPop(buf, regHea)
}

// emitDiv computes signed/unsigned division. Plain SDIV/UDIV divide
// PRI by ALT; the ".alt" forms divide ALT by PRI. Either way the
// quotient ends up in PRI and the remainder in ALT. The divisor is
// checked for zero before IDIVL/DIVL ever runs: a real #DE fault would
// kill the host process instead of routing through the halt path like
// every other detectable runtime error.
func (st *compileState) emitDiv(signed, useAlt bool) {
	buf := st.buf

	divisorReg := regAlt
	if useAlt {
		divisorReg = regPri
	}
	emit2(buf, x86.ACMPL, regAddr(divisorReg), constAddr(0))
	buf.Branch(x86.AJEQ, st.divideFaultLabel())

	emitStackPush(buf, regHea)

	if useAlt {
		emit2(buf, x86.AMOVL, regAddr(regPri), regAddr(regTmp))
		emit2(buf, x86.AMOVL, regAddr(regAlt), regAddr(regPri))
	}
	if signed {
		emit0(buf, x86.ACDQ)
	} else {
		emit2(buf, x86.AXORL, regAddr(regHea), regAddr(regHea))
	}

	divisor := regAlt
	if useAlt {
		divisor = regTmp
	}
	if signed {
		emit1(buf, x86.AIDIVL, regAddr(divisor))
	} else {
		emit1(buf, x86.ADIVL, regAddr(divisor))
	}

	emit2(buf, x86.AMOVL, regAddr(regHea), regAddr(regAlt))
	emitStackPop(buf, regHea)
}

func (st *compileState) emitIncAddr(addr, delta int32) {
	emit2(st.buf, x86.AADDL, constAddr(int64(delta)), memAddr(regData, addr))
}

func (st *compileState) emitIncStack(offset, delta int32) {
	emit2(st.buf, x86.AADDL, constAddr(int64(delta)), memAddr(x86.REG_BP, offset))
}

func (st *compileState) emitIncIndirect(delta int32) {
	emit2(st.buf, x86.AADDL, constAddr(int64(delta)), memAddr(regPri, 0))
}

// --- comparisons -----------------------------------------------------------------

var cmpSetcc = map[amx.Opcode]obj.As{
	amx.OpEq:     x86.ASETEQ,
	amx.OpNeq:    x86.ASETNE,
	amx.OpLess:   x86.ASETCS,
	amx.OpLeq:    x86.ASETLS,
	amx.OpGrtr:   x86.ASETHI,
	amx.OpGeq:    x86.ASETCC,
	amx.OpSless:  x86.ASETLT,
	amx.OpSleq:   x86.ASETLE,
	amx.OpSgrtr:  x86.ASETGT,
	amx.OpSgeq:   x86.ASETGE,
}

func (st *compileState) emitCompare(setcc obj.As) {
	buf := st.buf
	emit2(buf, x86.ACMPL, regAddr(regPri), regAddr(regAlt))
	emit1(buf, setcc, regAddr(regTmp))
	emit2(buf, x86.AANDL, constAddr(0xff), regAddr(regTmp))
	emit2(buf, x86.AMOVL, regAddr(regTmp), regAddr(regPri))
}

func (st *compileState) emitCompareImm(setcc obj.As, reg int16, imm int32) {
	buf := st.buf
	emit2(buf, x86.ACMPL, regAddr(reg), constAddr(int64(imm)))
	emit1(buf, setcc, regAddr(regTmp))
	emit2(buf, x86.AANDL, constAddr(0xff), regAddr(regTmp))
	emit2(buf, x86.AMOVL, regAddr(regTmp), regAddr(reg))
}

// --- indexed array access ---------------------------------------------------------

func scaleFor(shift int32) int16 {
	switch shift {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	case 3:
		return 8
	}
	return 1
}

// emitIndexedLoad handles LIDX (cell arrays, shift fixed at 2) and
// LIDX.B n (packed arrays, shift given by the operand).
func (st *compileState) emitIndexedLoad(byteMode bool, shift int32) {
	if !byteMode {
		shift = 2
	}
	emit2(st.buf, x86.AMOVL, sibAddr(regAlt, regPri, scaleFor(shift)), regAddr(regPri))
}

func (st *compileState) emitIndexedAddr(byteMode bool, shift int32) {
	if !byteMode {
		shift = 2
	}
	emit2(st.buf, x86.ALEAL, sibAddr(regAlt, regPri, scaleFor(shift)), regAddr(regPri))
}

// --- block memory operations (routed through host trampolines) --------------------

func (st *compileState) emitBlockOp(ctxOffset int32, n int32) {
	buf := st.buf
	emitPushImm(buf, n)
	emitStackPush(buf, regAlt)
	emitStackPush(buf, regPri)
	st.emitGuardedHostCall(ctxOffset)
	emitAdjustNativeSP(buf, 12)
}

func (st *compileState) emitMovs(n int32) {
	st.emitBlockOp(ctxMemmoveFn, n)
}

func (st *compileState) emitCmps(n int32) {
	st.emitBlockOp(ctxMemcmpFn, n)
}

func (st *compileState) emitFill(n int32) {
	st.emitBlockOp(ctxFillFn, n)
}

// emitBoundsLimit implements OP_BOUNDS: if PRI (an array index) is
// greater than the given limit, a BOUNDS fault aborts the program
// instead of letting a subsequent LIDX read out of range.
func (st *compileState) emitBoundsLimit(limit int32) {
	buf := st.buf
	emit2(buf, x86.ACMPL, regAddr(regPri), constAddr(int64(limit)))
	buf.Branch(x86.AJHI, st.faultLabel())
}

// --- VM control registers, halt, native calls --------------------------------------

// LCTRL/SCTRL index meanings, matching the reference interpreter.
const (
	ctrlCod = 0
	ctrlDat = 1
	ctrlHea = 2
	ctrlStp = 3
	ctrlStk = 4
	ctrlFrm = 5
	ctrlCip = 6
)

func (st *compileState) emitLctrl(index int32) {
	buf := st.buf
	switch index {
	case ctrlDat:
		emit2(buf, x86.AMOVL, regAddr(regData), regAddr(regPri))
	case ctrlHea:
		emit2(buf, x86.AMOVL, regAddr(regHea), regAddr(regPri))
	case ctrlStk:
		emit2(buf, x86.AMOVL, regAddr(x86.REG_SP), regAddr(regPri))
	case ctrlFrm:
		emit2(buf, x86.AMOVL, regAddr(x86.REG_BP), regAddr(regPri))
	default:
		emit2(buf, x86.AMOVL, memAddr(regCtx, ctxCodeBase), regAddr(regPri))
	}
}

func (st *compileState) emitSctrl(index int32) {
	buf := st.buf
	switch index {
	case ctrlHea:
		emit2(buf, x86.AMOVL, regAddr(regPri), regAddr(regHea))
	case ctrlStk:
		emit2(buf, x86.AMOVL, regAddr(regPri), regAddr(x86.REG_SP))
	case ctrlFrm:
		emit2(buf, x86.AMOVL, regAddr(regPri), regAddr(x86.REG_BP))
	case ctrlCip:
		emit1(buf, obj.AJMP, regAddr(regPri))
	}
}

// emitHalt records code as the exit status and transfers to the
// shared epilogue, which restores the caller's native stack and
// returns to the host.
func (st *compileState) emitHalt(code int32) {
	buf := st.buf
	emit2(buf, x86.AMOVL, constAddr(int64(code)), memAddr(regCtx, ctxErrorCode))
	buf.Branch(obj.AJMP, st.epilogueLabel())
}

// emitSysreqPri calls the native function whose table index is held
// in PRI. The override table is keyed by name, not index, and indices
// aren't known until runtime for this form, so it always takes the
// generic host dispatch path.
func (st *compileState) emitSysreqPri() {
	buf := st.buf
	emitStackPush(buf, regPri)
	st.emitGuardedHostCall(ctxDispatchFn)
	emitAdjustNativeSP(buf, 4)
	emit1(buf, obj.ACALL, regAddr(regPri))
}

// emitSysreqC compiles a call to the native function at the given
// table index: an inline override if one is registered for that
// native's name, otherwise the generic host trampoline.
//
// "sleep" is special-cased rather than routed through the override
// table: unlike the floatXxx overrides, it doesn't return to its call
// site at all. It records resumeIP (the ip immediately following this
// instruction) and AMX_ERR_SLEEP, then exits through the shared
// epilogue exactly like HALT; a later resume re-enters through the
// shared prologue, whose dispatch chain lands on resumeIP.
func (st *compileState) emitSysreqC(index int32, resumeIP int32) {
	if name, ok := st.nativeName(index); ok {
		if name == "sleep" {
			st.emitSleep(resumeIP)
			return
		}
		if override, ok := st.c.overrides[name]; ok {
			override(st.buf)
			return
		}
	}
	st.emitSysreqPri()
}

// emitSleep suspends the program with AMX_ERR_SLEEP: it pops the
// native's two stack arguments (sec, usec) into the context for the
// host to turn into a delay, captures the live VM STK/FRM (the native
// SP/BP, under the stack-switch convention) and resumeIP, the ip
// immediately following this call, then exits through the shared
// epilogue exactly like HALT. A later Resume sets ctx.TargetIP/
// Resuming from these and re-enters through the shared prologue, which
// restores SuspendedSPNative/BPNative instead of initializing a fresh
// VM stack.
func (st *compileState) emitSleep(resumeIP int32) {
	buf := st.buf
	emitStackPop(buf, regAlt) // usec, pushed last
	emitStackPop(buf, regPri) // sec, pushed first
	emit2(buf, x86.AMOVL, regAddr(regPri), memAddr(regCtx, ctxSleepSec))
	emit2(buf, x86.AMOVL, regAddr(regAlt), memAddr(regCtx, ctxSleepUsec))

	emit2(buf, x86.AMOVL, regAddr(x86.REG_SP), memAddr(regCtx, ctxSuspendedSPNative))
	emit2(buf, x86.AMOVL, regAddr(x86.REG_BP), memAddr(regCtx, ctxSuspendedBPNative))
	emit2(buf, x86.AMOVL, constAddr(int64(errSleep)), memAddr(regCtx, ctxErrorCode))
	emit2(buf, x86.AMOVL, constAddr(int64(resumeIP)), memAddr(regCtx, ctxTargetIP))
	buf.Branch(obj.AJMP, st.epilogueLabel())
	st.resumePoints = append(st.resumePoints, resumeIP)
}

// emitSysreqD compiles a call to a native function given directly by
// its (already relocated) native address, bypassing the index table
// entirely. Always uses the generic host path, since no name is
// available to look up an override by.
func (st *compileState) emitSysreqD(addr int32) {
	buf := st.buf
	emitPushImm(buf, addr)
	st.emitGuardedHostCall(ctxDispatchFn)
	emitAdjustNativeSP(buf, 4)
	emit1(buf, obj.ACALL, regAddr(regPri))
}

func (st *compileState) nativeName(index int32) (string, bool) {
	if index < 0 || int(index) >= st.prog.NumNatives() {
		return "", false
	}
	e := st.prog.Natives(int(index))
	name := st.prog.Name(e.NameOffset)
	return name, name != ""
}

// --- shared trampolines -------------------------------------------------------------

func (st *compileState) faultLabel() int {
	if !st.hasFault {
		st.fault = st.labels.buf.Label("fault")
		st.hasFault = true
	}
	return st.fault
}

// divideFaultLabel, heapFaultLabel, and stackFaultLabel are faultLabel's
// siblings for the runtime checks emitDiv/emitAdjustHeap/emitProc emit:
// each needs its own AMX_ERR_* code, so each gets its own trampoline
// rather than sharing faultLabel's hardcoded AMX_ERR_BOUNDS.
func (st *compileState) divideFaultLabel() int {
	if !st.hasDivideFault {
		st.divideFault = st.labels.buf.Label("divide_fault")
		st.hasDivideFault = true
	}
	return st.divideFault
}

func (st *compileState) heapFaultLabel() int {
	if !st.hasHeapFault {
		st.heapFault = st.labels.buf.Label("heap_fault")
		st.hasHeapFault = true
	}
	return st.heapFault
}

func (st *compileState) stackFaultLabel() int {
	if !st.hasStackFault {
		st.stackFault = st.labels.buf.Label("stack_fault")
		st.hasStackFault = true
	}
	return st.stackFault
}

// unsupportedLabel is where emitGuardedHostCall sends a program that
// reaches JUMP.pri/CALL.pri/MOVS/CMPS/FILL/SYSREQ without the host
// having wired the matching ExecContext trampoline. Its error code
// isn't part of the reference AMX_ERR_* enumeration (there is no
// "opcode not supported by this JIT configuration" status in the
// original interpreter); it exists so a host can tell this case apart
// from every real AMX_ERR_* the compiled program could produce on its
// own.
func (st *compileState) unsupportedLabel() int {
	if !st.hasUnsupported {
		st.unsupported = st.labels.buf.Label("unsupported_fault")
		st.hasUnsupported = true
	}
	return st.unsupported
}

func (st *compileState) epilogueLabel() int {
	if !st.hasEpilogue {
		st.epilogue = st.labels.buf.Label("epilogue")
		st.hasEpilogue = true
	}
	return st.epilogue
}

// dispatchMissLabel is where the shared prologue's static dispatch
// chain (entryIPs, known before decoding) falls through when
// TargetIP names neither the program's main entry nor a public
// function. emitTrampolines binds it to the start of the resume
// chain, built from the ips emitSleep actually saw.
func (st *compileState) dispatchMissLabel() int {
	if !st.hasDispatchMiss {
		st.dispatchMiss = st.labels.buf.Label("dispatch_miss")
		st.hasDispatchMiss = true
	}
	return st.dispatchMiss
}

// emitPrologue is the generated code's one true entry point: every
// invocation, fresh or resumed, starts here. It loads the incoming
// ExecContext pointer (the function's sole, stack-passed argument, per
// the host's cdecl-style calling convention) into regCtx, saves the
// host's native SP/BP so the epilogue can restore them, then either
// initializes a fresh VM stack or restores the one a prior sleep
// suspended, and finally dispatches to TargetIP via a compile-time
// CMP/branch chain over entryIPs — the same "targets are known
// statically" idiom OP_SWITCH uses for its CASETBL.
func (st *compileState) emitPrologue(entryIPs []int32) {
	buf := st.buf
	emit2(buf, x86.AMOVL, memAddr(x86.REG_SP, 4), regAddr(regCtx))
	emit2(buf, x86.AMOVL, regAddr(x86.REG_SP), memAddr(regCtx, ctxSavedSPNative))
	emit2(buf, x86.AMOVL, regAddr(x86.REG_BP), memAddr(regCtx, ctxSavedBPNative))
	emit2(buf, x86.AMOVL, memAddr(regCtx, ctxDataBase), regAddr(regData))
	emit2(buf, x86.AMOVL, memAddr(regCtx, ctxSavedHea), regAddr(regHea))

	fresh := buf.Label("prologue_fresh")
	ready := buf.Label("prologue_ready")
	emit2(buf, x86.ACMPL, memAddr(regCtx, ctxResuming), constAddr(0))
	buf.Branch(x86.AJEQ, fresh)

	emit2(buf, x86.AMOVL, memAddr(regCtx, ctxSuspendedSPNative), regAddr(x86.REG_SP))
	emit2(buf, x86.AMOVL, memAddr(regCtx, ctxSuspendedBPNative), regAddr(x86.REG_BP))
	buf.Branch(obj.AJMP, ready)

	buf.Bind(fresh)
	emit2(buf, x86.AMOVL, memAddr(regCtx, ctxSavedStk), regAddr(regTmp))
	emit2(buf, x86.AADDL, regAddr(regData), regAddr(regTmp))
	emit2(buf, x86.AMOVL, regAddr(regTmp), regAddr(x86.REG_SP))
	emit2(buf, x86.AMOVL, regAddr(x86.REG_SP), regAddr(x86.REG_BP))

	buf.Bind(ready)
	for _, ip := range entryIPs {
		emit2(buf, x86.ACMPL, memAddr(regCtx, ctxTargetIP), constAddr(int64(ip)))
		buf.Branch(x86.AJEQ, st.labels.Entry(ip))
	}
	buf.Branch(obj.AJMP, st.dispatchMissLabel())
}

// emitTrampolines binds and emits the resume dispatch chain, every
// fault handler, and the shared epilogue, after every instruction in
// the program has been compiled (resumePoints isn't known until
// then). It is always safe to call even if none of them was ever
// referenced: an unreferenced label that's never bound would fail
// Finalise, so all of them are bound unconditionally, each setting its
// own ctx.ErrorCode before jumping into the shared epilogue.
func (st *compileState) emitTrampolines() {
	buf := st.buf
	buf.Bind(st.dispatchMissLabel())
	for _, ip := range st.resumePoints {
		emit2(buf, x86.ACMPL, memAddr(regCtx, ctxTargetIP), constAddr(int64(ip)))
		buf.Branch(x86.AJEQ, st.labels.Entry(ip))
	}

	if !st.hasEpilogue {
		st.epilogueLabel()
	}

	if !st.hasFault {
		st.faultLabel()
	}
	buf.Bind(st.fault)
	emit2(buf, x86.AMOVL, constAddr(errBounds), memAddr(regCtx, ctxErrorCode))
	buf.Branch(obj.AJMP, st.epilogue)

	if !st.hasDivideFault {
		st.divideFaultLabel()
	}
	buf.Bind(st.divideFault)
	emit2(buf, x86.AMOVL, constAddr(errDivide), memAddr(regCtx, ctxErrorCode))
	buf.Branch(obj.AJMP, st.epilogue)

	if !st.hasHeapFault {
		st.heapFaultLabel()
	}
	buf.Bind(st.heapFault)
	emit2(buf, x86.AMOVL, constAddr(errHeapLow), memAddr(regCtx, ctxErrorCode))
	buf.Branch(obj.AJMP, st.epilogue)

	if !st.hasStackFault {
		st.stackFaultLabel()
	}
	buf.Bind(st.stackFault)
	emit2(buf, x86.AMOVL, constAddr(errStackErr), memAddr(regCtx, ctxErrorCode))
	buf.Branch(obj.AJMP, st.epilogue)

	if !st.hasUnsupported {
		st.unsupportedLabel()
	}
	buf.Bind(st.unsupported)
	emit2(buf, x86.AMOVL, constAddr(errUnsupported), memAddr(regCtx, ctxErrorCode))
	buf.Branch(obj.AJMP, st.epilogue)

	buf.Bind(st.epilogue)
	emit2(buf, x86.AMOVL, regAddr(regPri), memAddr(regCtx, ctxResultPri))
	emit2(buf, x86.AMOVL, regAddr(x86.REG_BP), regAddr(regTmp))
	emit2(buf, x86.ASUBL, regAddr(regData), regAddr(regTmp))
	emit2(buf, x86.AMOVL, regAddr(regTmp), memAddr(regCtx, ctxSavedFrm))
	emit2(buf, x86.AMOVL, memAddr(regCtx, ctxSavedSPNative), regAddr(x86.REG_SP))
	emit2(buf, x86.AMOVL, memAddr(regCtx, ctxSavedBPNative), regAddr(x86.REG_BP))
	emit0(buf, obj.ARET)
}

// errBounds, errSleep, errDivide, errHeapLow, and errStackErr are
// AMX_ERR_BOUNDS/SLEEP/DIVIDE/HEAPLOW/STACKERR from the reference
// interpreter's error enumeration, duplicated here (rather than
// imported from the runtime package, which depends on compile) so
// generated code can reference them as plain constants. errUnsupported
// isn't part of that enumeration; it's runtime.ErrJitUnsupported's
// value, for opcodes whose host trampoline was never wired.
const (
	errBounds      = 4
	errStackErr    = 3
	errHeapLow     = 8
	errDivide      = 11
	errSleep       = 12
	errUnsupported = 778
)
