// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

import "errors"

// ErrRegionTooSmall is returned by Alloc if a freshly reserved region,
// sized to hold the requesting allocation, fails to yield a free run
// for it, which that sizing rules out. Protect also returns it when
// ptr is not a live allocation.
var ErrRegionTooSmall = errors.New("memory: newly reserved region has no free run for its own allocation")
