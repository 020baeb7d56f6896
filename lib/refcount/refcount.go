// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package refcount implements explicitly reference-counted owning
// ("strong") and observing ("weak") handles.
//
// The garbage collector decides when memory goes away; it does not
// decide when a resource stops being in use.  A Strong handle gives
// the latter a deterministic moment: when the last Strong handle for
// a value is released, the value's deleter runs, right then, on the
// goroutine that released it.
package refcount

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

type control[T any] struct {
	strong  atomic.Int64
	val     *T
	deleter func(*T)
}

// Strong is one owning reference to a value.  Each *Strong must be
// released exactly once; use Clone to hand out another reference
// rather than copying the pointer around.
type Strong[T any] struct {
	ctl      *control[T]
	released atomic.Bool
}

// New wraps val with a strong count of 1.  The deleter (which may be
// nil) is called exactly once, with val, when the count drops to 0.
//
// It is invalid (runtime-panic) to call New with a nil value.
func New[T any](val *T, deleter func(*T)) *Strong[T] {
	if val == nil {
		panic(fmt.Errorf("refcount.New: nil value"))
	}
	ctl := &control[T]{
		val:     val,
		deleter: deleter,
	}
	ctl.strong.Store(1)
	return newStrong(ctl)
}

func newStrong[T any](ctl *control[T]) *Strong[T] {
	ret := &Strong[T]{ctl: ctl}
	// A handle that is dropped on the floor still gets released,
	// eventually.
	runtime.SetFinalizer(ret, (*Strong[T]).Release)
	return ret
}

// Get returns the referenced value.
//
// It is invalid (runtime-panic) to call Get on a released handle.
func (s *Strong[T]) Get() *T {
	if s.released.Load() {
		panic(fmt.Errorf("refcount.Strong.Get: handle %p has been released", s))
	}
	return s.ctl.val
}

// Clone returns a new, independent strong reference to the same
// value.
//
// It is invalid (runtime-panic) to call Clone on a released handle.
func (s *Strong[T]) Clone() *Strong[T] {
	if s.released.Load() {
		panic(fmt.Errorf("refcount.Strong.Clone: handle %p has been released", s))
	}
	s.ctl.strong.Add(1)
	return newStrong(s.ctl)
}

// Weak returns a non-owning observation of the value.
//
// Calling Weak on a released handle is valid; the result might
// already be expired.
func (s *Strong[T]) Weak() Weak[T] {
	return Weak[T]{ctl: s.ctl}
}

// Refs returns the number of live strong references.  By the time
// the caller looks at it, it may have changed.
func (s *Strong[T]) Refs() int {
	return int(s.ctl.strong.Load())
}

// Release drops this reference.  If it was the last one, the deleter
// runs before Release returns.  Calls beyond the first are no-ops.
func (s *Strong[T]) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(s, nil)
	switch n := s.ctl.strong.Add(-1); {
	case n > 0:
		// Still owned elsewhere.
	case n == 0:
		val := s.ctl.val
		if s.ctl.deleter != nil {
			s.ctl.deleter(val)
		}
		// No Weak can upgrade any more, so nothing reads this.
		s.ctl.val = nil
	default:
		panic(fmt.Errorf("should not happen: strong count went negative: %v", n))
	}
}

// Weak is a non-owning reference.  The zero Weak is valid and always
// expired.
type Weak[T any] struct {
	ctl *control[T]
}

// Upgrade returns a new strong reference if at least one other strong
// reference is still live.  Once the count has reached 0 it never
// succeeds again.
func (w Weak[T]) Upgrade() (*Strong[T], bool) {
	if w.ctl == nil {
		return nil, false
	}
	for n := w.ctl.strong.Load(); n > 0; n = w.ctl.strong.Load() {
		if w.ctl.strong.CompareAndSwap(n, n+1) {
			return newStrong(w.ctl), true
		}
	}
	return nil, false
}

// Expired returns whether Upgrade would fail.
func (w Weak[T]) Expired() bool {
	return w.ctl == nil || w.ctl.strong.Load() == 0
}

// Is returns whether w observes the value that s refers to.
func (w Weak[T]) Is(s *Strong[T]) bool {
	return s != nil && w.ctl == s.ctl
}
