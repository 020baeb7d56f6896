// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package profile

import (
	"io"
	"os"

	"github.com/datawire/dlib/derror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type flagSet struct {
	stops []StopFunc
}

func (fs *flagSet) stop() error {
	var errs derror.MultiError
	// Last started, first stopped.
	for i := len(fs.stops) - 1; i >= 0; i-- {
		if err := fs.stops[i](); err != nil {
			errs = append(errs, err)
		}
	}
	fs.stops = nil
	if len(errs) > 0 {
		return errs
	}
	return nil
}

type flagValue struct {
	parent   *flagSet
	start    startFunc
	filename string
}

var _ pflag.Value = (*flagValue)(nil)

// String implements pflag.Value.
func (fv *flagValue) String() string { return fv.filename }

// Type implements pflag.Value.
func (*flagValue) Type() string { return "filename" }

// Set implements pflag.Value.
func (fv *flagValue) Set(filename string) error {
	if filename == "" {
		return nil
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	stop, err := fv.start(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	fv.filename = filename
	fv.parent.stops = append(fv.parent.stops, func() error {
		err := stop()
		if _err := f.Close(); err == nil {
			err = _err
		}
		return err
	})
	return nil
}

func named(name string) startFunc {
	return func(w io.Writer) (StopFunc, error) {
		return Named(w, name)
	}
}

// AddFlags adds `--{prefix}{cpu,trace,heap,...}=FILENAME` flags to
// flags.  Each profile starts when its flag is parsed; the returned
// function stops them all and must be called at shutdown.
func AddFlags(flags *pflag.FlagSet, prefix string) StopFunc {
	root := new(flagSet)
	for _, p := range []struct {
		name, file, what string
		start            startFunc
	}{
		{"cpu", "cpu.pprof", "a CPU profile", CPU},
		{"trace", "trace.out", "an execution trace", Trace},
		{"goroutine", "goroutine.pprof", "a goroutine profile", named("goroutine")},
		{"heap", "heap.pprof", "a heap profile", named("heap")},
		{"allocs", "allocs.pprof", "an allocs profile", named("allocs")},
		{"block", "block.pprof", "a blocking profile", named("block")},
		{"mutex", "mutex.pprof", "a mutex contention profile", named("mutex")},
	} {
		flags.Var(&flagValue{parent: root, start: p.start}, prefix+p.name,
			"write "+p.what+" to the file `"+p.file+"`")
		_ = cobra.MarkFlagFilename(flags, prefix+p.name)
	}
	return root.stop
}
