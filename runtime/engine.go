// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package runtime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/Zeex/amxjit/amx"
	"github.com/Zeex/amxjit/compile"
	"github.com/Zeex/amxjit/compile/memory"
)

// program holds everything Engine needs to re-enter a program it has
// already compiled: the generated code (published into executable
// memory, so it outlives Compile's local CodeBuffer), its CodeMap, and
// the sleep/resume register snapshot taken at the last suspension.
type program struct {
	state    compile.State
	compiled *compile.CompiledProgram
	block    codeBlock
	alloc    unsafe.Pointer
	ctx      compile.ExecContext
}

// Engine is ExecEngine: it JIT-compiles a program's bytecode the first
// time it's run, publishes the result to executable memory, and
// dispatches Exec/Resume calls directly into it thereafter. One Engine
// owns one VirtualMemoryManager and may serve many programs.
type Engine struct {
	mu       sync.Mutex
	compiler *compile.Compiler
	mem      *memory.Manager
	programs map[*amx.Program]*program
}

// NewEngine returns an Engine targeting arch ("amd64" or "386") at
// ptrWidth bits, backed by a fresh VirtualMemoryManager.
func NewEngine(arch string, ptrWidth int) *Engine {
	return &Engine{
		compiler: compile.NewCompiler(arch, ptrWidth),
		mem:      memory.NewManager(),
		programs: make(map[*amx.Program]*program),
	}
}

// Exec runs p from its main entry point (or the given public index, if
// publicIndex >= 0), compiling it first if this is the first call for
// p. args are pushed onto a fresh VM stack in the reference
// interpreter's calling convention: each cell in reverse order,
// followed by one more cell holding their combined size in bytes.
//
// Every invocation enters through the same native offset, the shared
// prologue Compile emits first: it initializes the VM stack from
// SavedStk/SavedHea and dispatches to ctx.TargetIP via a compile-time
// branch chain, so Exec's job is just picking that ip, pushing args,
// and leaving Resuming cleared.
func (e *Engine) Exec(p *amx.Program, publicIndex int32, args []int32) (ErrorCode, int32, error) {
	e.mu.Lock()
	pr, ok := e.programs[p]
	if !ok {
		var err error
		pr, err = e.compileAndPublish(p)
		if err != nil {
			e.mu.Unlock()
			var ierr *compile.InvalidInstructionError
			var oerr *compile.ObsoleteInstructionError
			if errors.As(err, &ierr) || errors.As(err, &oerr) {
				return ErrInvInstr, 0, err
			}
			return ErrInitJit, 0, err
		}
		e.programs[p] = pr
	}
	e.mu.Unlock()

	target := pr.compiled.Entry
	if publicIndex >= 0 {
		if publicIndex >= int32(p.NumPublics()) {
			return ErrInitJit, 0, &NoEntryPointError{PublicIndex: publicIndex}
		}
		target = p.PublicAddress(int(publicIndex))
	}

	stk := p.Header().Stp
	stk = pushArgs(p.Data(), stk, args)

	pr.state = compile.Executing
	pr.ctx.ErrorCode = int32(ErrNone)
	pr.ctx.TargetIP = target
	pr.ctx.Resuming = 0
	pr.ctx.SavedStk = stk
	pr.ctx.SavedHea = p.Header().Hea
	e.invoke(pr)
	pr.state = compile.Ready
	return ErrorCode(pr.ctx.ErrorCode), pr.ctx.ResultPri, nil
}

// pushArgs writes args onto data (the VM's combined data/stack/heap
// region), starting just below stk, in the reference interpreter's
// calling convention: arguments in reverse order, then one more cell
// holding their combined size in bytes. It returns the new stack
// pointer.
func pushArgs(data []byte, stk int32, args []int32) int32 {
	for i := len(args) - 1; i >= 0; i-- {
		stk -= 4
		binary.LittleEndian.PutUint32(data[stk:stk+4], uint32(args[i]))
	}
	stk -= 4
	binary.LittleEndian.PutUint32(data[stk:stk+4], uint32(len(args)*4))
	return stk
}

// Resume continues a program previously suspended by ERR_SLEEP: it
// re-enters through the same shared prologue with Resuming set, so it
// restores the VM's own native SP/BP (captured by the sleep path)
// instead of initializing a fresh stack, and dispatches to the ip the
// sleep call site recorded.
func (e *Engine) Resume(p *amx.Program) (ErrorCode, int32, error) {
	e.mu.Lock()
	pr, ok := e.programs[p]
	e.mu.Unlock()
	if !ok {
		return ErrInitJit, 0, fmt.Errorf("runtime: Resume called before any Exec for this program")
	}
	if pr.state != compile.Ready {
		return ErrInitJit, 0, fmt.Errorf("runtime: cannot Resume a program in state %s", pr.state)
	}

	pr.state = compile.Executing
	pr.ctx.Resuming = 1
	e.invoke(pr)
	pr.state = compile.Ready
	return ErrorCode(pr.ctx.ErrorCode), pr.ctx.ResultPri, nil
}

func (e *Engine) invoke(pr *program) {
	pr.ctx.CodeBase = uintptr(pr.alloc)
	pr.block.invoke(&pr.ctx)
}

// SleepArgs returns the (sec, usec) pair the sleep path most recently
// recorded for p, for a host to feed to SleepDuration/Scheduler after
// an Exec or Resume call returns ErrSleep. Meaningless otherwise.
func (e *Engine) SleepArgs(p *amx.Program) (sec, usec int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.programs[p]
	if !ok {
		return 0, 0
	}
	return pr.ctx.SleepSec, pr.ctx.SleepUsec
}

// compileAndPublish compiles p, allocates executable memory for the
// result via the VirtualMemoryManager, and seeds the ExecContext's
// fixed fields (data base, mem size, host trampolines).
func (e *Engine) compileAndPublish(p *amx.Program) (*program, error) {
	if err := requireStackSwitchSafeArch(); err != nil {
		return nil, err
	}
	cp, err := e.compiler.Compile(p)
	if err != nil {
		return nil, err
	}
	ptr, err := e.mem.Alloc(len(cp.Code))
	if err != nil {
		return nil, err
	}
	dst := unsafe.Slice((*byte)(ptr), len(cp.Code))
	copy(dst, cp.Code)

	pr := &program{
		state:    compile.Ready,
		compiled: cp,
		alloc:    ptr,
		block:    codeBlock{mem: ptr},
	}
	if p.DataSize() > 0 {
		pr.ctx.DataBase = uintptr(unsafe.Pointer(&p.Data()[0]))
	}
	pr.ctx.MemSize = uint32(p.DataSize())
	// DispatchFn, MemmoveFn, MemcmpFn, and FillFn all need a callable
	// native function pointer, which a pure Go function value isn't
	// without an assembly trampoline (the reverse of codeBlock.invoke).
	// Building those trampolines is out of scope here; they're left
	// zero. That's safe rather than merely convenient: emitDynamicJump/
	// emitCallPri/emitBlockOp (compile/emit_helpers.go) check each
	// field against zero before calling through it and divert to
	// ErrJitUnsupported instead, so JUMP.pri/CALL.pri/MOVS/CMPS/FILL/
	// SYSREQ.pri on an Engine that never wires these return a clean
	// error rather than crash the host.
	return pr, nil
}

// Destroy releases p's compiled code and removes it from the engine,
// per the Destroyed state in Component Design §4.E's state machine.
func (e *Engine) Destroy(p *amx.Program) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.programs[p]
	if !ok {
		return nil
	}
	delete(e.programs, p)
	pr.state = compile.Destroyed
	e.mem.Free(pr.alloc)
	return nil
}

// Close releases every resource the engine's VirtualMemoryManager
// holds. The Engine must not be used afterward.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.programs = nil
	return e.mem.Close()
}
