// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !windows

package memory

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Protect flips the whole region backing ptr between writable
// (readExec=false, used while the compiler is still copying bytes
// in) and executable (readExec=true, once the code is finished and
// about to be published to ExecEngine). It supports hosts that refuse
// W+X mappings: the default mmap-go region is already mapped
// RDWR|EXEC, so Protect is a best-effort tightening rather than a
// requirement for correctness on that default path.
func (m *Manager) Protect(ptr unsafe.Pointer, readExec bool) error {
	a, ok := m.allocations[uintptr(ptr)]
	if !ok {
		return ErrRegionTooSmall
	}
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readExec {
		prot = unix.PROT_READ | unix.PROT_EXEC
	}
	return unix.Mprotect(a.region.mem, prot)
}
