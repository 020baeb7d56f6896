// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package objcache

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Get after Close.
	ErrClosed = errors.New("objcache: cache is closed")

	// ErrConstruct matches (via errors.Is) every *ConstructError.
	ErrConstruct = errors.New("objcache: construction failed")
)

// ConstructError is returned by Get when the Source failed to
// construct a value.
type ConstructError struct {
	Key any
	Err error
}

func (e *ConstructError) Error() string {
	return fmt.Sprintf("objcache: construct %v: %v", e.Key, e.Err)
}

func (e *ConstructError) Unwrap() error { return e.Err }

func (e *ConstructError) Is(target error) bool { return target == ErrConstruct }
