// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build !386

package runtime

import (
	"unsafe"

	"github.com/Zeex/amxjit/compile"
)

// codeBlock exists on every non-386 GOARCH so this package (and
// anything importing it, like hostplugin) builds with the default
// toolchain instead of failing outright. It is never actually invoked:
// Engine.compileAndPublish refuses to compile anything unless the
// running process is itself a 386 build (see arch_check.go), so Exec
// fails before any code is published, because the generated
// code's "stack switch" relies on native PUSH/POP/CALL being 4 bytes
// wide, which only holds in 32-bit protected mode. invoke.go's doc
// comment has the full explanation.
type codeBlock struct {
	mem unsafe.Pointer
}

func (b *codeBlock) invoke(ctx *compile.ExecContext) {
	panic("runtime: codeBlock.invoke is unreachable outside a GOARCH=386 build; Exec should have refused to compile for this Engine")
}
