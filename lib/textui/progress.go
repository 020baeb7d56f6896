// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
)

// Status is something that a Progress can report on.
type Status interface {
	comparable
	fmt.Stringer
}

// Progress logs a status line every `interval`, but only when the
// line has changed.  The first Set starts the reporting goroutine;
// Done stops it after one final report.
type Progress[T Status] struct {
	ctx      context.Context //nolint:containedctx // For remembering the logger
	lvl      dlog.LogLevel
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	cur     T
	oldStat T
	oldLine string
}

func NewProgress[T Status](ctx context.Context, lvl dlog.LogLevel, interval time.Duration) *Progress[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &Progress[T]{
		ctx:      ctx,
		lvl:      lvl,
		interval: interval,

		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Set updates the current status.
func (p *Progress[T]) Set(val T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = val
	if !p.started {
		p.started = true
		go p.run()
	}
}

// Done flushes the last status and stops reporting.  It is safe to
// call Done even if Set was never called.
func (p *Progress[T]) Done() {
	p.cancel()
	p.mu.Lock()
	started := p.started
	p.started = true
	p.mu.Unlock()
	if started {
		<-p.done
	}
}

func (p *Progress[T]) flush(force bool) {
	p.mu.Lock()
	cur := p.cur
	p.mu.Unlock()

	if !force && cur == p.oldStat {
		return
	}
	p.oldStat = cur

	line := cur.String()
	if !force && line == p.oldLine {
		return
	}
	p.oldLine = line

	dlog.Log(p.ctx, p.lvl, line)
}

func (p *Progress[T]) run() {
	p.flush(true)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			p.flush(false)
			close(p.done)
			return
		case <-ticker.C:
			p.flush(false)
		}
	}
}
