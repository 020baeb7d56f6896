// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/objcache/lib/refcount"
	"git.lukeshu.com/objcache/lib/stock"
	"git.lukeshu.com/objcache/lib/textui"
)

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "demo",
			Short: "Walk through the factory lifetime scenarios, tracing construction and destruction",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), os.Stdout)
		},
	})
}

type demoStep struct {
	name string
	fn   func(context.Context, io.Writer) error
}

var demoSteps = []demoStep{
	{"get", demoGet},
	{"get-size", demoGetSize},
	{"long-lived-factory", demoLongLivedFactory},
	{"short-lived-factory", demoShortLivedFactory},
}

func runDemo(ctx context.Context, out io.Writer) error {
	for _, step := range demoSteps {
		ctx := dlog.WithField(ctx, "stockcache.step", step.name)
		dlog.Infof(ctx, "begin")
		if err := step.fn(ctx, out); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

func demoGet(ctx context.Context, _ io.Writer) error {
	f := stock.NewFactory()
	defer f.Close(ctx)

	for _, sym := range []string{"stock1", "stock2"} {
		h, err := f.Get(ctx, sym)
		if err != nil {
			return err
		}
		defer h.Release()
	}
	return nil
}

func demoGetSize(ctx context.Context, out io.Writer) error {
	f := stock.NewFactory()
	defer f.Close(ctx)

	for _, sym := range []string{"stock1", "stock2", "stock3"} {
		h, err := f.Get(ctx, sym)
		if err != nil {
			return err
		}
		h.Release()
	}
	textui.Fprintf(out, "current factory size: %d\n", f.Len())
	return nil
}

func demoLongLivedFactory(ctx context.Context, _ io.Writer) error {
	f := stock.NewFactory()
	defer f.Close(ctx)

	h1, err := f.Get(ctx, "NYSE:IBM")
	if err != nil {
		return err
	}
	defer h1.Release()
	h2, err := f.Get(ctx, "NYSE:IBM")
	if err != nil {
		return err
	}
	defer h2.Release()
	if h1.Get() != h2.Get() {
		return fmt.Errorf("got two distinct stocks for %q", "NYSE:IBM")
	}
	return nil
}

func demoShortLivedFactory(ctx context.Context, _ io.Writer) error {
	h1, err := func() (*refcount.Strong[stock.Stock], error) {
		f := stock.NewFactory()
		defer f.Close(ctx)

		h1, err := f.Get(ctx, "NYSE:IBM")
		if err != nil {
			return nil, err
		}
		h2, err := f.Get(ctx, "NYSE:IBM")
		if err != nil {
			h1.Release()
			return nil, err
		}
		defer h2.Release()
		if h1.Get() != h2.Get() {
			h1.Release()
			return nil, fmt.Errorf("got two distinct stocks for %q", "NYSE:IBM")
		}
		return h1, nil
	}()
	if err != nil {
		return err
	}
	// The factory is gone; the stock outlives it.
	h1.Release()
	return nil
}
