// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/objcache/lib/objcache"
	"git.lukeshu.com/objcache/lib/refcount"
	"git.lukeshu.com/objcache/lib/stock"
	"git.lukeshu.com/objcache/lib/textui"
)

type stressConfig struct {
	Workers    int
	Iterations int
	Symbols    int
	Hold       int
	Seed       int64
}

type stressReport struct {
	Workers    int `json:"workers"`
	Iterations int `json:"iterations"`

	Stats       objcache.Stats `json:"stats"`
	Counts      stock.Counts   `json:"counts"`
	LiveSymbols []string       `json:"live_symbols"`
}

func init() {
	cfg := stressConfig{
		Workers:    8,
		Iterations: 10000,
		Symbols:    16,
		Hold:       4,
	}
	var printJSON, dump bool
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "stress",
			Short: "Hammer a shared factory from many goroutines and check that each symbol has at most one live stock",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if cfg.Seed == 0 {
				cfg.Seed = time.Now().UnixNano()
			}
			dlog.Infof(ctx, "seed=%d", cfg.Seed)

			report, err := runStress(ctx, cfg)
			if err != nil {
				return err
			}
			switch {
			case printJSON:
				return writeJSON(os.Stdout, report)
			case dump:
				dumper := spew.NewDefaultConfig()
				dumper.DisablePointerAddresses = true
				dumper.Dump(report)
			default:
				s := report.Stats
				textui.Fprintf(os.Stdout, "gets: %d (hits=%d misses=%d)\n", s.Hits+s.Misses, s.Hits, s.Misses)
				textui.Fprintf(os.Stdout, "constructed: %d, freed: %d\n", s.Constructed, s.Freed)
				textui.Fprintf(os.Stdout, "purged: %d (skipped: live=%d dead=%d)\n", s.Purged, s.PurgeSkippedLive, s.PurgeSkippedDead)
				textui.Fprintf(os.Stdout, "entries left: %d\n", s.Entries)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cfg.Workers, "workers", cfg.Workers, "number of concurrent `goroutines`")
	cmd.Flags().IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "number of gets per worker")
	cmd.Flags().IntVar(&cfg.Symbols, "symbols", cfg.Symbols, "number of distinct symbols to pick from")
	cmd.Flags().IntVar(&cfg.Hold, "hold", cfg.Hold, "maximum number of handles a worker holds at once")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 0, "random seed (default: time-based)")
	cmd.Flags().BoolVar(&printJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&dump, "dump", false, "dump the report as a Go value")
	subcommands = append(subcommands, cmd)
}

type stressStatus struct {
	Gets textui.Portion[int64]
}

func (s stressStatus) String() string {
	return textui.Sprintf("gets: %v", s.Gets)
}

// identityChecker remembers, per symbol, the most recent Stock handed
// out, and flags a caller that is handed a different Stock while the
// remembered one is still live.
type identityChecker struct {
	seen typedsync.Map[string, refcount.Weak[stock.Stock]]

	mu   sync.Mutex
	errs derror.MultiError
}

func (c *identityChecker) check(symbol string, h *refcount.Strong[stock.Stock]) {
	prev, loaded := c.seen.LoadOrStore(symbol, h.Weak())
	if !loaded || prev.Is(h) {
		return
	}
	if other, ok := prev.Upgrade(); ok {
		// We hold h, so both are live right now.
		if other.Get() != h.Get() {
			c.mu.Lock()
			c.errs = append(c.errs, fmt.Errorf("symbol %q: two live stocks %p and %p",
				symbol, other.Get(), h.Get()))
			c.mu.Unlock()
		}
		other.Release()
	}
	c.seen.Store(symbol, h.Weak())
}

func (c *identityChecker) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

func runStress(ctx context.Context, cfg stressConfig) (stressReport, error) {
	if cfg.Workers < 1 || cfg.Iterations < 0 || cfg.Symbols < 1 || cfg.Hold < 1 {
		return stressReport{}, fmt.Errorf("invalid configuration: %+v", cfg)
	}
	symbols := make([]string, cfg.Symbols)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM:%04d", i)
	}

	f := stock.NewFactory()
	var checker identityChecker

	total := int64(cfg.Workers) * int64(cfg.Iterations)
	var gets atomic.Int64
	progress := textui.NewProgress[stressStatus](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	progress.Set(stressStatus{Gets: textui.Portion[int64]{D: total}})

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for i := 0; i < cfg.Workers; i++ {
		i := i
		grp.Go(fmt.Sprintf("worker-%d", i), func(ctx context.Context) error {
			ctx = dlog.WithField(ctx, "stockcache.stress.worker", i)
			rng := rand.New(rand.NewSource(cfg.Seed + int64(i))) //nolint:gosec // Not security-sensitive.
			held := make([]*refcount.Strong[stock.Stock], 0, cfg.Hold)
			defer func() {
				for _, h := range held {
					h.Release()
				}
			}()
			for n := 0; n < cfg.Iterations; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				sym := symbols[rng.Intn(len(symbols))]
				h, err := f.Get(ctx, sym)
				if err != nil {
					return err
				}
				checker.check(sym, h)
				if len(held) == cap(held) {
					j := rng.Intn(len(held))
					held[j].Release()
					held[j] = held[len(held)-1]
					held = held[:len(held)-1]
				}
				held = append(held, h)
				if done := gets.Add(1); done%textui.Tunable(int64(256)) == 0 {
					progress.Set(stressStatus{Gets: textui.Portion[int64]{N: done, D: total}})
				}
			}
			return nil
		})
	}
	err := grp.Wait()
	progress.Set(stressStatus{Gets: textui.Portion[int64]{N: gets.Load(), D: total}})
	progress.Done()
	if err != nil {
		f.Close(ctx)
		return stressReport{}, err
	}

	report := stressReport{
		Workers:     cfg.Workers,
		Iterations:  cfg.Iterations,
		LiveSymbols: f.Symbols(),
	}
	f.Close(ctx)
	report.Stats = f.Stats()
	report.Counts = f.Counts()

	if err := checker.err(); err != nil {
		return report, err
	}
	if report.Counts.Constructed != report.Counts.Destroyed {
		return report, fmt.Errorf("constructed %d stocks but destroyed %d",
			report.Counts.Constructed, report.Counts.Destroyed)
	}
	return report, nil
}
