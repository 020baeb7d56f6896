// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/objcache/lib/textui"
)

type status struct {
	N int
}

func (s status) String() string { return textui.Sprintf("n=%d", s.N) }

func TestProgress(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	ctx := dlog.WithLogger(context.Background(), textui.NewLogger(&out, dlog.LogLevelInfo))

	p := textui.NewProgress[status](ctx, dlog.LogLevelInfo, time.Hour)
	p.Set(status{N: 1})
	p.Set(status{N: 2000})
	p.Done()

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.NotEmpty(t, lines)
	assert.LessOrEqual(t, len(lines), 2)
	assert.Contains(t, lines[len(lines)-1], " : n=2,000 :")
}

func TestProgressDoneWithoutSet(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	ctx := dlog.WithLogger(context.Background(), textui.NewLogger(&out, dlog.LogLevelInfo))

	p := textui.NewProgress[status](ctx, dlog.LogLevelInfo, time.Hour)
	p.Done()
	assert.Empty(t, out.String())
}
