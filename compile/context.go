// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compile

// ExecContext is the VM-side register snapshot taken at JIT entry and
// restored at JIT exit: {saved_frm, saved_stk, saved_hea,
// saved_sp_native, saved_bp_native, error_code} from the data model.
// One exists per active JIT execution; nested executions (a native
// override calling back into the VM) each get their own, allocated by
// their caller rather than pooled.
//
// Field order and types are part of the generated code's contract:
// prologue/epilogue templates address these fields by byte offset, so
// this struct must never be reordered without re-deriving the offset
// constants below (see context_test.go, which pins the assumption the
// same way wdamron-wagon's TestSliceMemoryLayoutAMD64 pins its slice
// layout assumption).
type ExecContext struct {
	SavedFrm      int32   // VM frame pointer relative to data base, captured by the shared epilogue on exit
	SavedStk      int32   // VM stack pointer, relative to data base, reset before a fresh call
	SavedHea      int32   // VM heap pointer, relative to data base, reset before a fresh call
	SavedSPNative uintptr // host's native RSP/ESP, restored by the epilogue on every return
	SavedBPNative uintptr // host's native RBP/EBP, restored by the epilogue on every return
	ErrorCode     int32   // set by the halt/sleep path before returning
	TargetIP      int32   // AMX ip the shared prologue's dispatch chain lands on this call
	Resuming      int32   // 0: initialize a fresh VM stack from SavedStk/SavedHea; nonzero: restore SuspendedSPNative/BPNative instead
	DataBase      uintptr // address of the VM's data section
	CodeBase      uintptr // address of the VM's code section
	MemSize       uint32  // total size in bytes of the data+stack+heap region, for bounds checks

	// Host trampolines: operations that generated code can't perform
	// inline without breaking the register convention (computed
	// control transfer needs the CodeMap; block memory ops need
	// ESI/EDI/ECX that the register convention has already committed
	// elsewhere) are routed through these function pointers, installed
	// once by the runtime package at JIT entry. Each follows a plain
	// stack-based (cdecl-style) calling convention: arguments pushed
	// right to left, callee leaves any result in PRI, caller cleans the
	// stack.
	DispatchFn uintptr // func(ip int32) (nativeAddr uintptr), for JUMP.pri/CALL.pri
	MemmoveFn  uintptr // func(dst, src uintptr, n int32), for MOVS
	MemcmpFn   uintptr // func(a, b uintptr, n int32) int32, for CMPS
	FillFn     uintptr // func(dst uintptr, value int32, n int32), for FILL

	// SuspendedSPNative/BPNative are the VM's own native SP/BP (its
	// STK/FRM, under the stack-switch convention) at the moment a
	// sleep suspended execution. The shared prologue restores them
	// instead of initializing a fresh VM stack when Resuming != 0.
	SuspendedSPNative uintptr
	SuspendedBPNative uintptr

	// SleepSec/Usec are the two arguments popped off the VM stack by
	// the sleep path, for the host to convert into a delay (see
	// runtime.SleepDuration) before calling Resume.
	SleepSec  int32
	SleepUsec int32

	// ResultPri is the VM PRI register, captured by the shared epilogue
	// on every exit (halt, sleep, or fault): the reference interpreter's
	// calling convention leaves a public function's return value here.
	ResultPri int32
}

// Context field byte offsets, derived once in context_test.go via
// unsafe.Offsetof and duplicated here as compile-time constants so
// template emitters can reference them without importing "unsafe"
// into every file that builds an instruction stream.
const (
	ctxSavedFrm      = 0
	ctxSavedStk      = 4
	ctxSavedHea      = 8
	ctxSavedSPNative = 16 // aligned to 8 after the three int32 fields + padding
	ctxSavedBPNative = 24
	ctxErrorCode     = 32
	ctxTargetIP      = 36
	ctxResuming      = 40
	ctxDataBase      = 48 // aligned to 8 after TargetIP/Resuming
	ctxCodeBase      = 56
	ctxMemSize       = 64 // followed by 4 bytes padding to restore 8-byte alignment
	ctxDispatchFn    = 72
	ctxMemmoveFn     = 80
	ctxMemcmpFn      = 88
	ctxFillFn        = 96

	ctxSuspendedSPNative = 104
	ctxSuspendedBPNative = 112

	ctxSleepSec  = 120
	ctxSleepUsec = 124

	ctxResultPri = 128
)
