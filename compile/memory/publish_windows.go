// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package memory

import "unsafe"

// Protect is a no-op on Windows: the default mmap-go region is
// already mapped executable-readable-writable, and the two-phase
// VirtualProtect dance isn't wired up for this host yet.
func (m *Manager) Protect(ptr unsafe.Pointer, readExec bool) error {
	if _, ok := m.allocations[uintptr(ptr)]; !ok {
		return ErrRegionTooSmall
	}
	return nil
}
