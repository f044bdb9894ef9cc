// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import "unsafe"

// defaultRegionSize is the size, in bytes, of the first OS region
// reserved on demand. It doubles (capped at maxRegionSize) each time
// every existing region is too full to serve a request, the same
// geometric-growth policy the teacher's MMapAllocator applies to its
// single block (minAllocSize), generalized across multiple regions.
const (
	defaultRegionSize = 64 * 1024
	maxRegionSize     = 4 * 1024 * 1024
)

type allocation struct {
	region *region
	first  int
	blocks int
	size   int // bytes requested by the caller, <= blocks*blockSize
}

// Manager is the VirtualMemoryManager: it reserves OS pages on demand
// and serves variable-size RWX allocations out of page-bitmap
// regions, releasing a region back to the OS once it's entirely
// unused. A Manager is not safe for concurrent use; the host's
// single-threaded invocation pattern is assumed, per the package's
// design brief.
type Manager struct {
	regions     []*region
	allocations map[uintptr]allocation
	nextSize    int

	usedBytes      int
	allocatedBytes int
}

// NewManager returns an empty Manager. No OS memory is reserved until
// the first Alloc call.
func NewManager() *Manager {
	return &Manager{
		allocations: make(map[uintptr]allocation),
		nextSize:    defaultRegionSize,
	}
}

func blocksFor(size int) int {
	return (size + blockSize - 1) / blockSize
}

// Alloc returns a pointer to size bytes of RWX memory, or an error if
// the OS could not satisfy a region reservation. The returned pointer
// is aligned to the region's block granularity.
func (m *Manager) Alloc(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		size = 1
	}
	n := blocksFor(size)

	for _, r := range m.regions {
		if first := r.findRun(n); first >= 0 {
			r.setRun(first, n)
			ptr := unsafe.Pointer(&r.mem[first*blockSize])
			m.allocations[uintptr(ptr)] = allocation{region: r, first: first, blocks: n, size: size}
			m.usedBytes += size
			return ptr, nil
		}
	}

	regionSize := n * blockSize
	if regionSize < m.nextSize {
		regionSize = m.nextSize
	}
	r, err := newRegion(regionSize)
	if err != nil {
		return nil, err
	}
	m.regions = append(m.regions, r)
	m.allocatedBytes += r.capacityBytes()
	if m.nextSize < maxRegionSize {
		m.nextSize *= 2
	}

	first := r.findRun(n)
	if first < 0 {
		// Unreachable: we sized the region to hold n blocks.
		return nil, ErrRegionTooSmall
	}
	r.setRun(first, n)
	ptr := unsafe.Pointer(&r.mem[first*blockSize])
	m.allocations[uintptr(ptr)] = allocation{region: r, first: first, blocks: n, size: size}
	m.usedBytes += size
	return ptr, nil
}

// Free releases a previously returned allocation. It returns false,
// without mutating any state, if ptr is not a known live allocation
// (covers both double-free and free-of-unknown-pointer).
func (m *Manager) Free(ptr unsafe.Pointer) bool {
	key := uintptr(ptr)
	a, ok := m.allocations[key]
	if !ok {
		return false
	}
	delete(m.allocations, key)
	a.region.clearRun(a.first, a.blocks)
	m.usedBytes -= a.size

	if a.region.usedBlocks == 0 {
		m.releaseEmptyRegions()
	}
	return true
}

// releaseEmptyRegions returns every fully-unused region to the OS,
// except that it keeps at most one as a hot cache for the next
// allocation, matching the "keep at most one empty region" policy
// from the design brief.
func (m *Manager) releaseEmptyRegions() {
	var kept []*region
	keptEmpty := false
	for _, r := range m.regions {
		if r.usedBlocks != 0 {
			kept = append(kept, r)
			continue
		}
		if !keptEmpty {
			kept = append(kept, r)
			keptEmpty = true
			continue
		}
		m.allocatedBytes -= r.capacityBytes()
		r.close()
	}
	m.regions = kept
}

// UsedBytes returns the sum of live allocation sizes, in the bytes each
// caller requested (not rounded up to block granularity).
func (m *Manager) UsedBytes() int { return m.usedBytes }

// AllocatedBytes returns the sum of reserved region sizes.
func (m *Manager) AllocatedBytes() int { return m.allocatedBytes }

// Close releases every region back to the OS, regardless of use.
// Callers must not use the Manager afterwards.
func (m *Manager) Close() error {
	for _, r := range m.regions {
		if err := r.close(); err != nil {
			return err
		}
	}
	m.regions = nil
	m.allocations = nil
	return nil
}
