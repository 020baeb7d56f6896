// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package profile writes Go runtime profiles to files named on the
// command line.
package profile

import (
	"io"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// StopFunc finishes a profile; it is called once, at shutdown.
type StopFunc = func() error

type startFunc = func(io.Writer) (StopFunc, error)

// CPU starts a CPU profile written to w.
func CPU(w io.Writer) (StopFunc, error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, err
	}
	return func() error {
		pprof.StopCPUProfile()
		return nil
	}, nil
}

// Trace starts an execution trace written to w.
func Trace(w io.Writer) (StopFunc, error) {
	if err := trace.Start(w); err != nil {
		return nil, err
	}
	return func() error {
		trace.Stop()
		return nil
	}, nil
}

// Named arranges for the runtime's named profile `name` to be written
// to w at shutdown.  The mutex and block profiles are off by default
// in the runtime; Named turns on sampling for them, and turns it back
// off at shutdown.
func Named(w io.Writer, name string) (StopFunc, error) {
	switch name {
	case "mutex":
		old := runtime.SetMutexProfileFraction(1)
		return writeNamed(w, name, func() { runtime.SetMutexProfileFraction(old) }), nil
	case "block":
		runtime.SetBlockProfileRate(1)
		return writeNamed(w, name, func() { runtime.SetBlockProfileRate(0) }), nil
	default:
		return writeNamed(w, name, nil), nil
	}
}

func writeNamed(w io.Writer, name string, after func()) StopFunc {
	return func() error {
		if after != nil {
			defer after()
		}
		if prof := pprof.Lookup(name); prof != nil {
			return prof.WriteTo(w, 0)
		}
		return nil
	}
}
