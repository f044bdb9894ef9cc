// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build 386

package runtime

import (
	"unsafe"

	"github.com/Zeex/amxjit/compile"
)

// codeBlock invokes a published machine-code buffer as if it were a
// Go function, without an assembly trampoline: a Go func value is
// itself just a pointer to a pointer to code, so manufacturing one by
// hand over mem's address lets the runtime call straight into
// generated code. The same trick the teacher's asmBlock.Invoke uses.
//
// This works on 386 for two reasons, not one: Go's stack-based calling
// convention on 386 matches the prologue's [SP+4] read of its
// ExecContext argument (see emitPrologue), and 386 runs in real 32-bit
// protected mode, where PUSH/POP/CALL operand width is hardwired to 4
// bytes — matching the reference compiler's own fixed 4-byte-per-cell
// AMX stack layout, which the "stack switch" design (native
// CALL/PUSH/POP doubling as AMX PROC/CALL/RETN, see compiler.go's
// register-convention comment) depends on at every saved-FRM push and
// every return address. invoke_other.go and Engine.compileAndPublish
// cover why neither holds on amd64.
type codeBlock struct {
	mem unsafe.Pointer
}

// invoke calls into the block with ctx as its sole argument, matching
// the entry-point signature Compiler generates: every compiled
// program's native code, on entry, reads this pointer from its stack
// argument slot at [SP+4] into regCtx, and returns having set
// ctx.ErrorCode before its epilogue's RET.
func (b *codeBlock) invoke(ctx *compile.ExecContext) {
	f := uintptr(unsafe.Pointer(&b.mem))
	fp := **(**func(*compile.ExecContext))(unsafe.Pointer(&f))
	fp(ctx)
}
