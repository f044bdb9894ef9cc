// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package runtime

import (
	"fmt"
	goruntime "runtime"
)

// UnsupportedArchError means the host process isn't running in 32-bit
// protected mode. The "stack switch" design (compiler.go's register
// convention: native RSP/RBP double as the VM's STK/FRM for the
// lifetime of a compiled program) compiles AMX PROC/CALL/RETN straight
// to native PUSH/CALL/RET, and those instructions' operand width is
// fixed by the CPU's current mode, not by anything this package
// emits: 4 bytes in 32-bit mode, 8 in 64-bit long mode. The reference
// compiler that produced the AMX bytecode this engine runs hardcodes
// its own LOAD.S/argument-count-cell offsets assuming every native
// stack slot — including a saved frame pointer and a return address —
// is 4 bytes. Running the generated code from a 64-bit process would
// silently misalign that layout the first time a compiled program
// calls one of its own functions, rather than producing a detectable
// fault, so Engine refuses instead of risking it.
type UnsupportedArchError struct {
	GOARCH string
}

func (e *UnsupportedArchError) Error() string {
	return fmt.Sprintf("runtime: JIT execution requires a GOARCH=386 build (native PUSH/CALL must be 4 bytes wide to match the AMX stack layout); running as %s", e.GOARCH)
}

// requireStackSwitchSafeArch is compileAndPublish's one gate against
// ever calling into generated code from a process where the stack
// switch design's native-instruction-width assumption doesn't hold.
// It checks goruntime.GOARCH (how this binary was actually built), not
// the arch string passed to NewCompiler/NewEngine: a caller could
// construct a Compiler for "386" from an ordinary amd64 build, and the
// process would still execute every native PUSH/CALL at 8 bytes
// regardless of what string it was configured with.
func requireStackSwitchSafeArch() error {
	if goruntime.GOARCH != "386" {
		return &UnsupportedArchError{GOARCH: goruntime.GOARCH}
	}
	return nil
}
