// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hostplugin models the lifecycle points a native host (the
// reference implementation's subhook-based amx_Exec interception in
// plugin.cpp: Supports/Load/Unload/AmxLoad/AmxUnload) drives a JIT
// instance through, minus the cgo/C-ABI glue itself. That boundary is
// the spec's "trivial glue"; the state machine behind it is not.
//
// A real host either drives sleeping programs from its own per-frame
// tick (ProcessTick, matching how a single-threaded game server would
// call it: no goroutines touching VM state off that thread) or hands
// them to a runtime.Scheduler for goroutine-timer-based resumption.
// State supports the former; nothing here prevents mixing in the
// latter for programs a caller would rather not poll.
package hostplugin

import (
	"fmt"
	"sync"
	"time"

	"github.com/Zeex/amxjit/amx"
	"github.com/Zeex/amxjit/runtime"
)

// instance is the per-program bookkeeping AmxLoad/AmxUnload's C++
// counterpart keeps in JIT::CreateInstance/DestroyInstance's instance
// map, minus anything (the hooked amx_Exec trampoline, subhook
// install) that belongs to the excluded C-ABI boundary.
type instance struct {
	sleeping bool
	deadline time.Time
}

// State is HostPluginState: the process-wide table of installed
// program instances plus the Engine they all compile through. A host
// constructs one per process, the same way the reference plugin keeps
// one global instance table behind JIT::CreateInstance.
type State struct {
	mu        sync.Mutex
	engine    *runtime.Engine
	instances map[*amx.Program]*instance
}

// NewState returns a State driving programs through engine. The host
// is responsible for constructing engine with the arch/ptrWidth its
// own process actually runs as.
func NewState(engine *runtime.Engine) *State {
	return &State{
		engine:    engine,
		instances: make(map[*amx.Program]*instance),
	}
}

// Install registers p, mirroring AmxLoad's JIT::CreateInstance call.
// It does not compile p; compilation happens lazily on the first Exec,
// same as Engine itself. Calling Install twice for the same program is
// a no-op — AmxLoad in the reference plugin is similarly idempotent
// per AMX instance.
func (s *State) Install(p *amx.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[p]; ok {
		return nil
	}
	s.instances[p] = &instance{}
	return nil
}

// Teardown releases p, mirroring AmxUnload's JIT::DestroyInstance
// call: the compiled code is freed via Engine.Destroy and p is
// forgotten, so a later Install starts clean.
func (s *State) Teardown(p *amx.Program) error {
	s.mu.Lock()
	inst, ok := s.instances[p]
	if ok {
		delete(s.instances, p)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("hostplugin: Teardown called on a program never Installed")
	}
	_ = inst
	return s.engine.Destroy(p)
}

// Exec runs p the way amx_Exec_JIT forwards into JIT::Exec: it
// requires a prior Install (the reference plugin's hooked amx_Exec
// only calls through to the JIT once AmxLoad has run for that AMX),
// and on ErrSleep it records the wakeup deadline ProcessTick polls
// for, computed from Engine.SleepArgs via runtime.SleepDuration.
func (s *State) Exec(p *amx.Program, publicIndex int32, args []int32) (runtime.ErrorCode, int32, error) {
	s.mu.Lock()
	inst, ok := s.instances[p]
	s.mu.Unlock()
	if !ok {
		return runtime.ErrInitJit, 0, fmt.Errorf("hostplugin: Exec called on a program never Installed")
	}

	code, result, err := s.engine.Exec(p, publicIndex, args)
	s.noteSleep(inst, p, code)
	return code, result, err
}

// Resume continues a program Exec last suspended, the same way the
// reference plugin's own scheduler re-enters amx_Exec for a sleeping
// script once its delay has elapsed.
func (s *State) Resume(p *amx.Program) (runtime.ErrorCode, int32, error) {
	s.mu.Lock()
	inst, ok := s.instances[p]
	s.mu.Unlock()
	if !ok {
		return runtime.ErrInitJit, 0, fmt.Errorf("hostplugin: Resume called on a program never Installed")
	}

	code, result, err := s.engine.Resume(p)
	s.noteSleep(inst, p, code)
	return code, result, err
}

func (s *State) noteSleep(inst *instance, p *amx.Program, code runtime.ErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code != runtime.ErrSleep {
		inst.sleeping = false
		return
	}
	sec, usec := s.engine.SleepArgs(p)
	inst.sleeping = true
	inst.deadline = time.Now().Add(runtime.SleepDuration(sec, usec))
}

// ProcessTick resumes every installed program whose sleep deadline has
// elapsed. A host calls this once per frame from its own single
// thread, the same thread every other AMX call runs on, so resumption
// never races a native override or another Exec/Resume call the way a
// goroutine-timer-based runtime.Scheduler callback could.
//
// Programs not currently sleeping are skipped at no cost beyond the
// map scan; a host running many installed programs that rarely sleep
// may prefer tracking its own small set of pending ones instead of
// calling ProcessTick unconditionally, but nothing here requires that.
func (s *State) ProcessTick() {
	now := time.Now()

	s.mu.Lock()
	var due []*amx.Program
	for p, inst := range s.instances {
		if inst.sleeping && !now.Before(inst.deadline) {
			due = append(due, p)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		s.Resume(p)
	}
}
