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

// Register convention (Design Notes / Component Design §4.E): PRI and
// ALT are pinned to EAX and ECX for the lifetime of a compiled
// program, the ExecContext is reached through a third pinned register
// (EDI), the VM data-section base lives in a fourth (EBX), and HEA is
// kept live in EDX.
// Native RSP/RBP double as the VM's STK/FRM registers for the
// lifetime of a compiled program (the "stack switch" of Component
// Design §4.E): PUSH/POP/CALL/RET/PROC compile to their native x86
// counterparts directly, rather than software-simulated stack
// operations against a slice, because the data section is sized and
// mapped so the native stack pointer can live inside it.
const (
	regPri  = x86.REG_AX // VM PRI
	regAlt  = x86.REG_CX // VM ALT
	regData = x86.REG_BX // VM data-section base pointer
	regCtx  = x86.REG_DI // *ExecContext
	regHea  = x86.REG_DX // VM HEA, tracked live in a register like STK/FRM
	regTmp  = x86.REG_SI // scratch, never live across instruction boundaries
)

// State is a compiled program's position in its lifecycle:
// Uncompiled -> Compiling -> Ready -> (Executing <-> Ready) -> Destroyed.
type State int

const (
	Uncompiled State = iota
	Compiling
	Ready
	Executing
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uncompiled:
		return "Uncompiled"
	case Compiling:
		return "Compiling"
	case Ready:
		return "Ready"
	case Executing:
		return "Executing"
	case Destroyed:
		return "Destroyed"
	}
	return "Invalid"
}

// CodeMap maps an AMX code-section byte offset to the corresponding
// offset within the compiled native code. Populated during
// compilation; read-only afterwards (used for OP_JUMP_PRI, debugger
// lookups, and exception unwinding).
type CodeMap map[int32]int

// CompiledProgram is the output of a successful Compile call: the
// assembled machine code and the maps needed to address into it.
// Ownership: the byte slice is handed to VirtualMemoryManager-backed
// memory at publish time; CompiledProgram itself is a non-owning view
// over the result, matching Design Notes §9.
type CompiledProgram struct {
	Code    []byte
	CodeMap CodeMap
	Entry   int32 // AMX ip of the program's main entry point
}

// NativeOffset returns the native code offset corresponding to AMX ip,
// or false if ip was never reached by a linear decode of the code
// section (so no label was ever bound for it).
func (cp *CompiledProgram) NativeOffset(ip int32) (int, bool) {
	off, ok := cp.CodeMap[ip]
	return off, ok
}

// Compiler translates one AMX program's bytecode into native machine
// code: a single-pass walk over decode.Decoder's instruction stream,
// emitting a fixed template per opcode into a CodeBuffer, resolving
// intra-program jumps via a TaggedAddress label map, and recording
// each instruction's native offset into a CodeMap as it goes.
//
// A Compiler is reusable across programs; it holds no per-program
// state outside of Compile's local variables, only the frozen native
// override table.
type Compiler struct {
	overrides map[string]NativeOverride
	arch      string
	ptrWidth  int
}

// NewCompiler returns a Compiler targeting arch ("amd64" or "386") at
// ptrWidth bits (64 or 32).
func NewCompiler(arch string, ptrWidth int) *Compiler {
	return &Compiler{
		overrides: defaultNativeOverrides(),
		arch:      arch,
		ptrWidth:  ptrWidth,
	}
}

// compileState threads the per-compilation data a single Compile call
// needs between the dispatch switch's cases: the buffer, the label
// map, the program being compiled, and the CodeMap under
// construction.
type compileState struct {
	c       *Compiler
	buf     *CodeBuffer
	labels  *labelMap
	prog    *amx.Program
	dec     *decode.Decoder
	codeMap CodeMap

	// resumePoints collects every ip a SYSREQ-to-"sleep" call site can
	// resume at, discovered as emitSleep is called during the main
	// decode loop. emitTrampolines turns this into a second CMP/branch
	// chain appended after the static one emitPrologue builds from
	// entry/public addresses, since it isn't known until decoding
	// finishes.
	resumePoints []int32

	fault, epilogue, dispatchMiss                                 int
	divideFault, heapFault, stackFault, unsupported               int
	hasFault, hasEpilogue, hasDispatchMiss                        bool
	hasDivideFault, hasHeapFault, hasStackFault, hasUnsupported    bool
}

// Compile translates p's entire code section into native code. On any
// decode or emission failure it returns the classified error
// (UnsupportedInstructionError / InvalidInstructionError /
// ObsoleteInstructionError / BufferOverflowError) and the caller must
// treat the program as still Uncompiled — per spec.md §4.E's failure
// semantics, there is no partial-compilation state to clean up since
// nothing has been published yet.
func (c *Compiler) Compile(p *amx.Program) (*CompiledProgram, error) {
	buf, err := NewCodeBuffer(c.arch, c.ptrWidth)
	if err != nil {
		return nil, &BufferOverflowError{Cause: err}
	}
	st := &compileState{
		c:       c,
		buf:     buf,
		labels:  newLabelMap(buf),
		prog:    p,
		dec:     decode.NewProgramDecoder(p),
		codeMap: make(CodeMap),
	}

	// The set of ips a caller may ever ask to land on directly (as
	// opposed to resume ips, only known once decoding finishes): the
	// main entry point, if the program has one, plus every public
	// function. Known upfront, so the shared prologue's dispatch chain
	// can be emitted before the loop that will bind their labels.
	var entryIPs []int32
	if main, ok := p.MainAddress(); ok {
		entryIPs = append(entryIPs, main)
	}
	for i := 0; i < p.NumPublics(); i++ {
		entryIPs = append(entryIPs, p.PublicAddress(i))
	}
	st.emitPrologue(entryIPs)

	for !st.dec.Done() {
		ip := st.dec.IP()
		in, err := st.dec.Next()
		if err != nil {
			return nil, classifyDecodeError(err)
		}

		// Bind this ip's entry label before emitting its template, so
		// any earlier forward jump targeting it resolves correctly.
		st.buf.Bind(st.labels.Entry(ip))

		if err := st.emit(in); err != nil {
			return nil, err
		}
		st.codeMap[ip] = 0 // placeholder; real offset filled in below
	}
	st.emitTrampolines()

	code, err := buf.Finalise()
	if err != nil {
		return nil, &BufferOverflowError{Cause: err}
	}

	// golang-asm resolves Prog offsets as part of Assemble(); recover
	// them into the CodeMap by re-reading each bound label's pc.
	for addr, id := range st.labels.labels {
		if addr.Tag != EntryTag {
			continue
		}
		if _, ok := st.codeMap[addr.IP]; ok {
			st.codeMap[addr.IP] = int(buf.labels[id].prog.Pc)
		}
	}

	entry, _ := p.MainAddress()
	return &CompiledProgram{Code: code, CodeMap: st.codeMap, Entry: entry}, nil
}

// emit dispatches one decoded instruction to its native-code
// template. Every named opcode in the amx enumeration has a case here
// (possibly sharing a helper with other opcodes in its family); the
// default case can only be reached by a relocation-table entry
// resolving to a value between 0 and amx.NumOpcodes that this switch
// hasn't been updated for, which compiler_test.go guards against.
func (st *compileState) emit(in decode.Instruction) error {
	buf := st.buf

	switch in.Op {
	// --- data movement -------------------------------------------------
	case amx.OpLoadPri:
		st.emitLoad(regPri, in.Operand(0))
	case amx.OpLoadAlt:
		st.emitLoad(regAlt, in.Operand(0))
	case amx.OpLoadSPri:
		st.emitLoadS(regPri, in.Operand(0))
	case amx.OpLoadSAlt:
		st.emitLoadS(regAlt, in.Operand(0))
	case amx.OpConstPri:
		emitLoadImm(buf, regPri, in.Operand(0))
	case amx.OpConstAlt:
		emitLoadImm(buf, regAlt, in.Operand(0))
	case amx.OpAddrPri:
		st.emitAddr(regPri, in.Operand(0))
	case amx.OpAddrAlt:
		st.emitAddr(regAlt, in.Operand(0))
	case amx.OpStorPri:
		st.emitStore(regPri, in.Operand(0))
	case amx.OpStorAlt:
		st.emitStore(regAlt, in.Operand(0))
	case amx.OpStorSPri:
		st.emitStoreS(regPri, in.Operand(0))
	case amx.OpStorSAlt:
		st.emitStoreS(regAlt, in.Operand(0))
	case amx.OpLrefPri, amx.OpLrefAlt, amx.OpLrefSPri, amx.OpLrefSAlt,
		amx.OpSrefPri, amx.OpSrefAlt, amx.OpSrefSPri, amx.OpSrefSAlt:
		st.emitIndirectRef(in)
	case amx.OpLoadI:
		st.emitIndirectLoad(regPri, regPri)
	case amx.OpStorI:
		st.emitIndirectStore(regAlt, regPri)
	case amx.OpLodbI:
		st.emitLodbI(in.Operand(0))
	case amx.OpStrbI:
		st.emitStrbI(in.Operand(0))
	case amx.OpMovePri:
		movRegReg(buf, x86.AMOVL, regAlt, regPri)
	case amx.OpMoveAlt:
		movRegReg(buf, x86.AMOVL, regPri, regAlt)
	case amx.OpXchg:
		st.emitXchg()
	case amx.OpSwapPri:
		st.emitSwap(regPri)
	case amx.OpSwapAlt:
		st.emitSwap(regAlt)
	case amx.OpZeroPri:
		emitLoadImm(buf, regPri, 0)
	case amx.OpZeroAlt:
		emitLoadImm(buf, regAlt, 0)
	case amx.OpZero:
		st.emitZeroAddr(in.Operand(0))
	case amx.OpZeroS:
		st.emitZeroStack(in.Operand(0))
	case amx.OpSignPri:
		st.emitSignExtendByte(regPri)
	case amx.OpSignAlt:
		st.emitSignExtendByte(regAlt)
	case amx.OpAlignPri, amx.OpAlignAlt:
		// Little-endian hosts: byte alignment of sub-cell reads is a
		// no-op, as in the reference interpreter.

	// --- stack / heap / frame -------------------------------------------
	case amx.OpPushPri:
		emitStackPush(buf, regPri)
	case amx.OpPushAlt:
		emitStackPush(buf, regAlt)
	case amx.OpPushC:
		st.emitPushConst(in.Operand(0))
	case amx.OpPushR:
		st.emitPushConst(in.Operand(0)) // pushes the operand once; no repeat count is applied
	case amx.OpPush:
		st.emitPushAddr(in.Operand(0))
	case amx.OpPushS:
		st.emitPushStack(in.Operand(0))
	case amx.OpPushAdr:
		st.emitPushFrameAddr(in.Operand(0))
	case amx.OpPopPri:
		emitStackPop(buf, regPri)
	case amx.OpPopAlt:
		emitStackPop(buf, regAlt)
	case amx.OpStack:
		st.emitAdjustStack(in.Operand(0))
	case amx.OpHeap:
		st.emitAdjustHeap(in.Operand(0))
	case amx.OpProc:
		st.emitProc()
	case amx.OpRet:
		st.emitRet(false)
	case amx.OpRetn:
		st.emitRet(true)

	// --- control flow ----------------------------------------------------
	case amx.OpJump:
		buf.Branch(obj.AJMP, st.labels.Entry(in.Operand(0)))
	case amx.OpJrel:
		buf.Branch(obj.AJMP, st.labels.Entry(in.End()+in.Operand(0)))
	case amx.OpJzer, amx.OpJnz, amx.OpJeq, amx.OpJneq, amx.OpJless, amx.OpJleq,
		amx.OpJgrtr, amx.OpJgeq, amx.OpJsless, amx.OpJsleq, amx.OpJsgrtr, amx.OpJsgeq:
		st.emitConditionalJump(in)
	case amx.OpJumpPri:
		st.emitDynamicJump()
	case amx.OpCall:
		st.emitCall(st.labels.Entry(in.Operand(0)))
	case amx.OpCallPri:
		st.emitCallPri()
	case amx.OpSwitch:
		st.emitSwitch(in)
	case amx.OpCasetbl:
		// Reached only as a jump target's payload; carries no
		// executable semantics of its own.

	// --- arithmetic / logic ----------------------------------------------
	case amx.OpAdd:
		emitArithBinary(buf, x86.AADDL, regAlt, regPri)
	case amx.OpSub:
		emitArithBinary(buf, x86.ASUBL, regAlt, regPri)
	case amx.OpSubAlt:
		st.emitSubAlt()
	case amx.OpAnd:
		emitArithBinary(buf, x86.AANDL, regAlt, regPri)
	case amx.OpOr:
		emitArithBinary(buf, x86.AORL, regAlt, regPri)
	case amx.OpXor:
		emitArithBinary(buf, x86.AXORL, regAlt, regPri)
	case amx.OpNot:
		st.emitBoolNot(regPri)
	case amx.OpNeg:
		emitUnary(buf, x86.ANEGL, regPri)
	case amx.OpInvert:
		emitUnary(buf, x86.ANOTL, regPri)
	case amx.OpAddC:
		emitArithImm(buf, x86.AADDL, regPri, in.Operand(0))
	case amx.OpSmulC:
		st.emitSmulC(in.Operand(0))
	case amx.OpSmul:
		st.emitSmul()
	case amx.OpUmul:
		st.emitUmul()
	case amx.OpSdiv:
		st.emitDiv(true, false)
	case amx.OpSdivAlt:
		st.emitDiv(true, true)
	case amx.OpUdiv:
		st.emitDiv(false, false)
	case amx.OpUdivAlt:
		st.emitDiv(false, true)
	case amx.OpShl:
		emitShift(buf, x86.ASHLL, regAlt, regPri)
	case amx.OpShr:
		emitShift(buf, x86.ASHRL, regAlt, regPri)
	case amx.OpSshr:
		emitShift(buf, x86.ASARL, regAlt, regPri)
	case amx.OpShlCPri:
		emitShiftImm(buf, x86.ASHLL, regPri, in.Operand(0))
	case amx.OpShlCAlt:
		emitShiftImm(buf, x86.ASHLL, regAlt, in.Operand(0))
	case amx.OpShrCPri:
		emitShiftImm(buf, x86.ASHRL, regPri, in.Operand(0))
	case amx.OpShrCAlt:
		emitShiftImm(buf, x86.ASHRL, regAlt, in.Operand(0))
	case amx.OpIncPri:
		emitUnary(buf, x86.AINCL, regPri)
	case amx.OpIncAlt:
		emitUnary(buf, x86.AINCL, regAlt)
	case amx.OpInc:
		st.emitIncAddr(in.Operand(0), 1)
	case amx.OpIncS:
		st.emitIncStack(in.Operand(0), 1)
	case amx.OpIncI:
		st.emitIncIndirect(1)
	case amx.OpDecPri:
		emitUnary(buf, x86.ADECL, regPri)
	case amx.OpDecAlt:
		emitUnary(buf, x86.ADECL, regAlt)
	case amx.OpDec:
		st.emitIncAddr(in.Operand(0), -1)
	case amx.OpDecS:
		st.emitIncStack(in.Operand(0), -1)
	case amx.OpDecI:
		st.emitIncIndirect(-1)

	// --- comparisons -------------------------------------------------------
	case amx.OpEq:
		st.emitCompare(x86.ASETEQ)
	case amx.OpNeq:
		st.emitCompare(x86.ASETNE)
	case amx.OpLess:
		st.emitCompare(x86.ASETCS)
	case amx.OpLeq:
		st.emitCompare(x86.ASETLS)
	case amx.OpGrtr:
		st.emitCompare(x86.ASETHI)
	case amx.OpGeq:
		st.emitCompare(x86.ASETCC)
	case amx.OpSless:
		st.emitCompare(x86.ASETLT)
	case amx.OpSleq:
		st.emitCompare(x86.ASETLE)
	case amx.OpSgrtr:
		st.emitCompare(x86.ASETGT)
	case amx.OpSgeq:
		st.emitCompare(x86.ASETGE)
	case amx.OpEqCPri:
		st.emitCompareImm(x86.ASETEQ, regPri, in.Operand(0))
	case amx.OpEqCAlt:
		st.emitCompareImm(x86.ASETEQ, regAlt, in.Operand(0))

	// --- memory block ops ---------------------------------------------------
	case amx.OpLidx:
		st.emitIndexedLoad(false, 0)
	case amx.OpLidxB:
		st.emitIndexedLoad(true, in.Operand(0))
	case amx.OpIdxaddr:
		st.emitIndexedAddr(false, 0)
	case amx.OpIdxaddrB:
		st.emitIndexedAddr(true, in.Operand(0))
	case amx.OpMovs:
		st.emitMovs(in.Operand(0))
	case amx.OpCmps:
		st.emitCmps(in.Operand(0))
	case amx.OpFill:
		st.emitFill(in.Operand(0))
	case amx.OpBounds:
		st.emitBoundsLimit(in.Operand(0))

	// --- VM control / host interaction ---------------------------------------
	case amx.OpLctrl:
		st.emitLctrl(in.Operand(0))
	case amx.OpSctrl:
		st.emitSctrl(in.Operand(0))
	case amx.OpHalt:
		st.emitHalt(in.Operand(0))
	case amx.OpSysreqPri:
		st.emitSysreqPri()
	case amx.OpSysreqC:
		st.emitSysreqC(in.Operand(0), in.End())
	case amx.OpSysreqD:
		st.emitSysreqD(in.Operand(0))
	case amx.OpNop, amx.OpBreak:
		// No code is emitted; the bound entry label alone makes the
		// position addressable.

	default:
		return &UnsupportedInstructionError{IP: in.IP, Op: in.Op.String()}
	}
	return nil
}
