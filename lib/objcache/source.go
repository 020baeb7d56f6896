// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package objcache

import (
	"context"
)

// A Source is something that an ObjectCache sits in front of.
//
// The cache holds its lock while calling Load, so Load must not call
// back in to the same cache, and must not release handles that the
// same cache produced.
type Source[K comparable, V any] interface {
	// Load constructs a new value for `k`.  A non-nil error (or a
	// nil value) means construction failed; nothing is cached.
	Load(context.Context, K) (*V, error)

	// Free is called exactly once for each value returned by
	// Load, when the last strong handle to it is released.  It is
	// called on whichever goroutine did that release, and is
	// called even if the cache has been closed in the meantime.
	// The Context is the one that was passed to the Get that
	// constructed the value; it may have been canceled by now.
	Free(context.Context, K, *V)
}

// FuncSource implements Source.  Load calls the function, and Free
// is a no-op.
type FuncSource[K comparable, V any] func(context.Context, K) (*V, error)

var _ Source[int, string] = FuncSource[int, string](nil)

func (fn FuncSource[K, V]) Load(ctx context.Context, k K) (*V, error) { return fn(ctx, k) }
func (fn FuncSource[K, V]) Free(context.Context, K, *V)               {}
