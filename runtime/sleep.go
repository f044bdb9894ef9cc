// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package runtime

import (
	"sync"
	"time"

	"github.com/Zeex/amxjit/amx"
)

// SleepDuration converts the reference interpreter's (seconds,
// microseconds) sleep arguments to a time.Duration.
//
// The reference implementation computes the delay as sec*usec/1000,
// which is a typo for sec*1000 + usec/1000: as written, it silently
// discards sec whenever usec is 0 (a common case — most callers sleep
// on whole seconds) and otherwise scales the delay by usec instead of
// adding to it. This engine uses the corrected formula; see DESIGN.md.
func SleepDuration(sec, usec int32) time.Duration {
	ms := int64(sec)*1000 + int64(usec)/1000
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Scheduler drives automatic resumption of programs suspended by
// AMX_ERR_SLEEP: a host that doesn't want to poll Exec/Resume's return
// value and manage its own timers can hand the (ErrorCode, sec, usec)
// tuple it got back from Exec to Schedule, and the Scheduler calls
// Resume itself once the requested delay elapses.
type Scheduler struct {
	mu      sync.Mutex
	engine  *Engine
	timers  map[*amx.Program]*time.Timer
	onAwake func(p *amx.Program, code ErrorCode, result int32, err error)
}

// NewScheduler returns a Scheduler that resumes programs through
// engine, reporting every Resume outcome (including the possibility of
// another ERR_SLEEP) to onAwake.
func NewScheduler(engine *Engine, onAwake func(p *amx.Program, code ErrorCode, result int32, err error)) *Scheduler {
	return &Scheduler{
		engine:  engine,
		timers:  make(map[*amx.Program]*time.Timer),
		onAwake: onAwake,
	}
}

// Schedule arranges for p to be Resumed after the delay recorded by
// its most recent sleep (see Engine.SleepArgs) elapses. Call this
// after Exec or Resume returns ErrSleep. A second Schedule call for a
// program already waiting replaces its pending timer.
func (s *Scheduler) Schedule(p *amx.Program) {
	sec, usec := s.engine.SleepArgs(p)
	d := SleepDuration(sec, usec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[p]; ok {
		t.Stop()
	}
	s.timers[p] = time.AfterFunc(d, func() { s.resume(p) })
}

func (s *Scheduler) resume(p *amx.Program) {
	s.mu.Lock()
	delete(s.timers, p)
	s.mu.Unlock()

	code, result, err := s.engine.Resume(p)
	if s.onAwake != nil {
		s.onAwake(p, code, result, err)
	}
}

// Cancel stops p's pending timer, if any, without resuming it.
func (s *Scheduler) Cancel(p *amx.Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[p]; ok {
		t.Stop()
		delete(s.timers, p)
	}
}
