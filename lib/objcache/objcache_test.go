// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package objcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/objcache/lib/refcount"
)

type obj struct {
	key   string
	frees atomic.Int32
}

type countingSource struct {
	loads atomic.Int64
	frees atomic.Int64
	delay time.Duration
	err   error
}

var _ Source[string, obj] = (*countingSource)(nil)

func (src *countingSource) Load(_ context.Context, k string) (*obj, error) {
	if src.delay > 0 {
		time.Sleep(src.delay)
	}
	if src.err != nil {
		return nil, src.err
	}
	src.loads.Add(1)
	return &obj{key: k}, nil
}

func (src *countingSource) Free(_ context.Context, _ string, v *obj) {
	v.frees.Add(1)
	src.frees.Add(1)
}

func newTestCache(t *testing.T) (context.Context, *countingSource, *ObjectCache[string, obj]) {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	src := new(countingSource)
	cache := New[string, obj](src)
	t.Cleanup(cache.Close)
	return ctx, src, cache
}

func mustGet(t *testing.T, ctx context.Context, cache *ObjectCache[string, obj], k string) *refcount.Strong[obj] {
	t.Helper()
	h, err := cache.Get(ctx, k)
	require.NoError(t, err)
	require.NotNil(t, h)
	return h
}

func TestNewNilSource(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { New[string, obj](nil) })
}

func TestSharedIdentity(t *testing.T) {
	t.Parallel()
	ctx, src, cache := newTestCache(t)

	h1 := mustGet(t, ctx, cache, "A")
	h2 := mustGet(t, ctx, cache, "A")
	assert.Same(t, h1.Get(), h2.Get())
	assert.Equal(t, "A", h1.Get().key)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, int64(1), src.loads.Load())

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	h1.Release()
	h2.Release()
}

func TestReclaimAndRecreate(t *testing.T) {
	t.Parallel()
	ctx, src, cache := newTestCache(t)

	h1 := mustGet(t, ctx, cache, "A")
	h2 := mustGet(t, ctx, cache, "A")
	first := h1.Get()

	h1.Release()
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, int32(0), first.frees.Load())
	h2.Release()
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int32(1), first.frees.Load())

	h3 := mustGet(t, ctx, cache, "A")
	defer h3.Release()
	assert.NotSame(t, first, h3.Get())
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, int64(2), src.loads.Load())
}

func TestNoDoubleConstruction(t *testing.T) {
	t.Parallel()
	const workers = 32
	ctx, src, cache := newTestCache(t)
	src.delay = 10 * time.Millisecond

	start := make(chan struct{})
	handles := make([]*refcount.Strong[obj], workers)
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for i := 0; i < workers; i++ {
		i := i
		grp.Go(fmt.Sprintf("worker-%d", i), func(ctx context.Context) error {
			<-start
			h, err := cache.Get(ctx, "X")
			handles[i] = h
			return err
		})
	}
	close(start)
	require.NoError(t, grp.Wait())

	assert.Equal(t, int64(1), src.loads.Load())
	for _, h := range handles {
		assert.Same(t, handles[0].Get(), h.Get())
	}
	assert.Equal(t, workers, handles[0].Refs())
	for _, h := range handles {
		h.Release()
	}
	assert.Equal(t, int64(1), src.frees.Load())
	assert.Equal(t, 0, cache.Len())
}

func TestCloseWhileValuesLive(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	src := new(countingSource)
	cache := New[string, obj](src)

	hy := mustGet(t, ctx, cache, "Y")
	y := hy.Get()
	cache.Close()
	cache.Close()

	_, err := cache.Get(ctx, "Y")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, cache.Len())

	hy.Release()
	assert.Equal(t, int32(1), y.frees.Load())
	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.PurgeSkippedDead)
	assert.Equal(t, int64(0), stats.Purged)
	assert.Equal(t, int64(1), stats.Freed)
}

func TestCloseDoesNotWaitForCallbacks(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	src := new(countingSource)
	cache := New[string, obj](src)
	h := mustGet(t, ctx, cache, "Z")

	// Close while a deletion callback holds its upgraded reference:
	// the table must survive until the callback lets go of it.
	cache.tbl.beforePurge = func(string) {
		cache.Close()
		_, err := cache.Get(ctx, "Z")
		assert.ErrorIs(t, err, ErrClosed)
	}
	h.Release()
	assert.Equal(t, int64(1), cache.Stats().Purged)
	assert.True(t, cache.tbl.dead)
}

func TestAllReleasedEmptiesTable(t *testing.T) {
	t.Parallel()
	ctx, _, cache := newTestCache(t)

	var hs []*refcount.Strong[obj]
	for _, k := range []string{"P", "Q", "R"} {
		hs = append(hs, mustGet(t, ctx, cache, k))
	}
	assert.Equal(t, []string{"P", "Q", "R"}, cache.Keys())
	assert.Equal(t, 3, cache.Len())
	for _, h := range hs {
		h.Release()
	}
	assert.Equal(t, 0, cache.Len())
	assert.Empty(t, cache.Keys())
	assert.Equal(t, int64(3), cache.Stats().Purged)
}

func TestStaleEntryIsCounted(t *testing.T) {
	t.Parallel()
	ctx, _, cache := newTestCache(t)
	h := mustGet(t, ctx, cache, "S")

	var lenDuringPurge int
	var expiredDuringPurge bool
	cache.tbl.beforePurge = func(k string) {
		lenDuringPurge = cache.Len()
		cache.tbl.mu.Lock()
		expiredDuringPurge = cache.tbl.entries[k].Expired()
		cache.tbl.mu.Unlock()
	}
	h.Release()
	assert.Equal(t, 1, lenDuringPurge)
	assert.True(t, expiredDuringPurge)
	assert.Equal(t, 0, cache.Len())
}

func TestEraseRace(t *testing.T) {
	t.Parallel()
	ctx, src, cache := newTestCache(t)
	h1 := mustGet(t, ctx, cache, "K")
	old := h1.Get()

	var fresh *refcount.Strong[obj]
	cache.tbl.beforePurge = func(k string) {
		if fresh != nil {
			return
		}
		fresh = mustGet(t, ctx, cache, k)
	}
	h1.Release()
	require.NotNil(t, fresh)
	assert.NotSame(t, old, fresh.Get())
	assert.Equal(t, int32(1), old.frees.Load())

	// The callback for the old value must have left the new entry be.
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, int64(1), cache.Stats().PurgeSkippedLive)
	h2 := mustGet(t, ctx, cache, "K")
	assert.Same(t, fresh.Get(), h2.Get())
	assert.Equal(t, int64(2), src.loads.Load())

	h2.Release()
	fresh.Release()
	assert.Equal(t, 0, cache.Len())
}

func TestConstructFailure(t *testing.T) {
	t.Parallel()
	ctx, src, cache := newTestCache(t)
	errBoom := errors.New("boom")
	src.err = errBoom

	h, err := cache.Get(ctx, "F")
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrConstruct)
	assert.ErrorIs(t, err, errBoom)
	var cerr *ConstructError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "F", cerr.Key)
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(1), cache.Stats().ConstructFailed)

	src.err = nil
	h = mustGet(t, ctx, cache, "F")
	h.Release()
}

func TestConstructFailureKeepsStaleEntry(t *testing.T) {
	t.Parallel()
	ctx, src, cache := newTestCache(t)
	h := mustGet(t, ctx, cache, "F")

	cache.tbl.beforePurge = func(k string) {
		src.err = errors.New("boom")
		_, err := cache.Get(ctx, k)
		assert.ErrorIs(t, err, ErrConstruct)
		assert.Equal(t, 1, cache.Len(), "table must be left as it was")
	}
	h.Release()
	assert.Equal(t, 0, cache.Len())
}

func TestConstructPanic(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cache := New[string, obj](FuncSource[string, obj](func(_ context.Context, k string) (*obj, error) {
		panic(fmt.Sprintf("cannot build %q", k))
	}))
	defer cache.Close()

	_, err := cache.Get(ctx, "P")
	assert.ErrorIs(t, err, ErrConstruct)
	assert.Equal(t, 0, cache.Len())
}

func TestConstructNil(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cache := New[string, obj](FuncSource[string, obj](func(context.Context, string) (*obj, error) {
		return nil, nil
	}))
	defer cache.Close()

	_, err := cache.Get(ctx, "N")
	assert.ErrorIs(t, err, ErrConstruct)
	assert.Equal(t, 0, cache.Len())
}

func TestSizeBound(t *testing.T) {
	t.Parallel()
	const (
		workers = 8
		iters   = 500
		nKeys   = 10
	)
	ctx, src, cache := newTestCache(t)

	var maxLen atomic.Int64
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for i := 0; i < workers; i++ {
		seed := int64(i)
		grp.Go(fmt.Sprintf("worker-%d", i), func(ctx context.Context) error {
			rnd := rand.New(rand.NewSource(seed)) //nolint:gosec // Not security-sensitive.
			var held []*refcount.Strong[obj]
			for j := 0; j < iters; j++ {
				if len(held) > 0 && rnd.Intn(2) == 0 {
					n := rnd.Intn(len(held))
					held[n].Release()
					held = append(held[:n], held[n+1:]...)
					continue
				}
				k := fmt.Sprintf("k%d", rnd.Intn(nKeys))
				h, err := cache.Get(ctx, k)
				if err != nil {
					return err
				}
				held = append(held, h)
				l := int64(cache.Len())
				for m := maxLen.Load(); l > m && !maxLen.CompareAndSwap(m, l); m = maxLen.Load() {
				}
			}
			for _, h := range held {
				h.Release()
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())
	assert.LessOrEqual(t, maxLen.Load(), int64(nKeys))
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, src.loads.Load(), src.frees.Load())
	stats := cache.Stats()
	assert.Equal(t, stats.Constructed, stats.Freed)
	assert.Equal(t, int64(0), stats.PurgeSkippedDead)
}

func BenchmarkGetHit(b *testing.B) {
	ctx := context.Background()
	cache := New[string, obj](new(countingSource))
	defer cache.Close()
	pin, err := cache.Get(ctx, "hot")
	require.NoError(b, err)
	defer pin.Release()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, _ := cache.Get(ctx, "hot")
		h.Release()
	}
}

func BenchmarkGetMiss(b *testing.B) {
	ctx := context.Background()
	cache := New[string, obj](new(countingSource))
	defer cache.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, _ := cache.Get(ctx, "cold")
		h.Release()
	}
}
