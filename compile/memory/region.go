// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memory provides a page-granular allocator for executable
// memory, serving variable-size RWX allocations out of bitmap-indexed
// regions reserved from the OS, grounded on the mmap-based allocators
// in wdamron-wagon/exec/internal/compile (both allocator.go and
// native/allocator.go), generalized from a single bump-pointer block
// per allocator into the full free/reuse bitmap design.
package memory

import (
	"math/bits"

	mmap "github.com/edsrzf/mmap-go"
)

// blockSize is the bitmap's allocation granularity. Every allocation
// is rounded up to a whole number of blocks and aligned to this size.
const blockSize = 64

// region is a contiguous block of OS pages subdivided by a bitmap into
// fixed-size blocks. A set bit means the corresponding block belongs
// to exactly one live allocation.
type region struct {
	mem         mmap.MMap
	bitmap      []uint64 // one bit per block
	totalBlocks int
	usedBlocks  int
}

func newRegion(sizeBytes int) (*region, error) {
	m, err := mmap.MapRegion(nil, sizeBytes, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, err
	}
	totalBlocks := len(m) / blockSize
	return &region{
		mem:         m,
		bitmap:      make([]uint64, (totalBlocks+63)/64),
		totalBlocks: totalBlocks,
	}, nil
}

func (r *region) close() error {
	return r.mem.Unmap()
}

// findRun scans the bitmap for a run of at least n contiguous clear
// bits, skipping all-ones words in a single step. Returns the first
// block index of the run, or -1 if none exists.
func (r *region) findRun(n int) int {
	run := 0
	start := -1
	for word := 0; word < len(r.bitmap); word++ {
		w := r.bitmap[word]
		if w == ^uint64(0) {
			run = 0
			start = -1
			continue
		}
		base := word * 64
		for bit := 0; bit < 64; bit++ {
			blockIdx := base + bit
			if blockIdx >= r.totalBlocks {
				break
			}
			if w&(1<<uint(bit)) == 0 {
				if run == 0 {
					start = blockIdx
				}
				run++
				if run >= n {
					return start
				}
			} else {
				run = 0
				start = -1
			}
		}
	}
	return -1
}

// setRun marks [first, first+n) as allocated.
func (r *region) setRun(first, n int) {
	r.setBits(first, n, true)
	r.usedBlocks += n
}

// clearRun marks [first, first+n) as free.
func (r *region) clearRun(first, n int) {
	r.setBits(first, n, false)
	r.usedBlocks -= n
}

func (r *region) setBits(first, n int, set bool) {
	for i := first; i < first+n; i++ {
		word, bit := i/64, uint(i%64)
		if set {
			r.bitmap[word] |= 1 << bit
		} else {
			r.bitmap[word] &^= 1 << bit
		}
	}
}

// popcount returns the total number of set bits, i.e. allocated
// blocks, across the whole bitmap: a cross-check of the usedBlocks
// counter that does not read the counter itself.
func (r *region) popcount() int {
	n := 0
	for _, w := range r.bitmap {
		n += bits.OnesCount64(w)
	}
	return n
}

func (r *region) capacityBytes() int {
	return len(r.mem)
}
