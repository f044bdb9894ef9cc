// Copyright 2019 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package amx

import "errors"

// Errors returned while parsing a program image.
var (
	ErrTruncatedImage = errors.New("amx: image shorter than header")
	ErrInvalidLayout  = errors.New("amx: code/data section bounds are inconsistent")
)
