// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compile

import "fmt"

// TaggedAddress keys the compiler's label map: an AMX code position
// tagged with a purpose, so a single ip can carry multiple distinct
// labels (e.g. the instruction's normal entry vs. the point execution
// resumes at after a call). Ordered lexicographically on (IP, Tag),
// matching jit.h's TaggedAddress/operator<.
type TaggedAddress struct {
	IP  int32
	Tag string
}

// Less orders TaggedAddress values lexicographically: by IP, then by
// Tag. It exists so TaggedAddress can key an ordered structure if one
// is ever needed; the label map itself is a plain Go map, since
// ordering isn't required for lookup.
func (a TaggedAddress) Less(b TaggedAddress) bool {
	if a.IP != b.IP {
		return a.IP < b.IP
	}
	return a.Tag < b.Tag
}

// EntryTag addresses the normal entry point of an instruction: the
// target of any jump or call naming that AMX ip.
const EntryTag = "entry"

// labelMap maps TaggedAddress keys to CodeBuffer label ids, created
// lazily as the compiler's single pass over the instruction stream
// discovers which addresses are referenced.
type labelMap struct {
	buf    *CodeBuffer
	labels map[TaggedAddress]int
}

func newLabelMap(buf *CodeBuffer) *labelMap {
	return &labelMap{buf: buf, labels: make(map[TaggedAddress]int)}
}

// Label returns the CodeBuffer label id for addr, allocating one on
// first reference.
func (m *labelMap) Label(addr TaggedAddress) int {
	if id, ok := m.labels[addr]; ok {
		return id
	}
	id := m.buf.Label(fmt.Sprintf("%s@%d", addr.Tag, addr.IP))
	m.labels[addr] = id
	return id
}

// Entry is shorthand for Label(TaggedAddress{ip, EntryTag}).
func (m *labelMap) Entry(ip int32) int {
	return m.Label(TaggedAddress{IP: ip, Tag: EntryTag})
}
