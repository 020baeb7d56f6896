// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package objcache implements a keyed cache of shared, reference
// counted objects, where an entry lives exactly as long as somebody
// outside of the cache holds a strong handle to its value.
//
// The cache never owns its values; the table only holds weak
// handles.  Each value carries a deletion callback that, when the
// last strong handle is released, removes the (now stale) table
// entry.  The callback only holds a weak handle to the cache, so the
// cache may be closed while values it produced are still in use; it
// is the callback that notices the cache is gone and skips the
// cleanup.
package objcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/objcache/lib/refcount"
)

// Stats is a snapshot of an ObjectCache's counters.
type Stats struct {
	Entries int `json:"entries"`

	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	Constructed     int64 `json:"constructed"`
	ConstructFailed int64 `json:"construct_failed"`

	// Purged counts deletion callbacks that removed their stale
	// entry.
	Purged int64 `json:"purged"`
	// PurgeSkippedLive counts deletion callbacks that found a
	// newer, live entry for their key and left it alone.
	PurgeSkippedLive int64 `json:"purge_skipped_live"`
	// PurgeSkippedDead counts deletion callbacks that ran after
	// the cache was gone.
	PurgeSkippedDead int64 `json:"purge_skipped_dead"`
	// Freed counts calls to Source.Free.
	Freed int64 `json:"freed"`
}

// counters outlive the table; deletion callbacks of a dead cache still
// update them.
type counters struct {
	hits, misses, constructed, constructFailed atomic.Int64
	purged, purgeSkippedLive, purgeSkippedDead atomic.Int64
	freed                                      atomic.Int64
}

type table[K constraints.Ordered, V any] struct {
	src   Source[K, V]
	stats *counters
	self  refcount.Weak[table[K, V]]

	mu      sync.Mutex
	dead    bool
	entries map[K]refcount.Weak[V]

	// beforePurge, if non-nil, is called by a deletion callback
	// after the value's count reached zero but before the callback
	// takes mu.  Tests use it to force the erase race.
	beforePurge func(K)
}

// ObjectCache is a thread-safe cache of shared objects.  A zero
// ObjectCache is not usable; it must be created with New.
type ObjectCache[K constraints.Ordered, V any] struct {
	closed atomic.Bool
	owner  *refcount.Strong[table[K, V]]
	tbl    *table[K, V]
}

// New returns a new, empty ObjectCache in front of src.  The caller
// owns the cache, and should call Close when done with it.
//
// It is invalid (runtime-panic) to call New with a nil source.
func New[K constraints.Ordered, V any](src Source[K, V]) *ObjectCache[K, V] {
	if src == nil {
		panic(fmt.Errorf("objcache.New: nil source"))
	}
	tbl := &table[K, V]{
		src:     src,
		stats:   new(counters),
		entries: make(map[K]refcount.Weak[V]),
	}
	owner := refcount.New(tbl, (*table[K, V]).destroy)
	tbl.self = owner.Weak()
	return &ObjectCache[K, V]{
		owner: owner,
		tbl:   tbl,
	}
}

// Get returns a strong handle to the value for `k`, constructing it
// with the Source if there is no live value for `k`.  Concurrent
// callers asking for the same key get handles to the same value.
// The caller must Release the handle.
func (c *ObjectCache[K, V]) Get(ctx context.Context, k K) (*refcount.Strong[V], error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.tbl.get(ctx, k)
}

// Len returns the number of table entries.  This may include stale
// entries whose value has just been released but whose deletion
// callback has not yet removed them.
func (c *ObjectCache[K, V]) Len() int {
	c.tbl.mu.Lock()
	defer c.tbl.mu.Unlock()
	return len(c.tbl.entries)
}

// Keys returns the sorted keys of the table entries (stale ones
// included; see Len).
func (c *ObjectCache[K, V]) Keys() []K {
	c.tbl.mu.Lock()
	keys := maps.Keys(c.tbl.entries)
	c.tbl.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Stats returns a snapshot of the cache's counters.  Stats remains
// valid to call after Close.
func (c *ObjectCache[K, V]) Stats() Stats {
	s := c.tbl.stats
	return Stats{
		Entries: c.Len(),

		Hits:            s.hits.Load(),
		Misses:          s.misses.Load(),
		Constructed:     s.constructed.Load(),
		ConstructFailed: s.constructFailed.Load(),

		Purged:           s.purged.Load(),
		PurgeSkippedLive: s.purgeSkippedLive.Load(),
		PurgeSkippedDead: s.purgeSkippedDead.Load(),
		Freed:            s.freed.Load(),
	}
}

// Close drops the owner's reference to the cache.  It does not wait
// for outstanding values; those remain valid, and releasing them
// later is safe.  Calls beyond the first are no-ops.
func (c *ObjectCache[K, V]) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.owner.Release()
	}
}

func (t *table[K, V]) destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead = true
	t.entries = nil
}

func (t *table[K, V]) get(ctx context.Context, k K) (*refcount.Strong[V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return nil, ErrClosed
	}

	if w, ok := t.entries[k]; ok {
		if s, ok := w.Upgrade(); ok {
			t.stats.hits.Add(1)
			dlog.Tracef(ctx, "objcache: hit %v", k)
			return s, nil
		}
		// Stale: released, but not yet purged.  Fall through
		// and overwrite it.
	}
	t.stats.misses.Add(1)

	ctx = dlog.WithField(ctx, "objcache.key", k)
	v, err := t.load(ctx, k)
	if err != nil {
		t.stats.constructFailed.Add(1)
		dlog.Debugf(ctx, "objcache: construction failed: %v", err)
		return nil, &ConstructError{Key: k, Err: err}
	}
	s := refcount.New(v, newDeleteCallback(ctx, t.self, t.src, t.stats, k))
	t.entries[k] = s.Weak()
	t.stats.constructed.Add(1)
	dlog.Debugf(ctx, "objcache: constructed %p", v)
	return s, nil
}

func (t *table[K, V]) load(ctx context.Context, k K) (v *V, err error) {
	defer func() {
		if _err := derror.PanicToError(recover()); _err != nil {
			v, err = nil, _err
		}
	}()
	v, err = t.src.Load(ctx, k)
	if err == nil && v == nil {
		err = fmt.Errorf("source returned a nil value")
	}
	return v, err
}

// newDeleteCallback returns the deleter for a freshly constructed
// value.  It must only capture a weak handle to the table; a strong
// one would keep the cache alive for as long as any of its values.
func newDeleteCallback[K constraints.Ordered, V any](
	ctx context.Context,
	cache refcount.Weak[table[K, V]],
	src Source[K, V],
	stats *counters,
	k K,
) func(*V) {
	return func(v *V) {
		if tbl, ok := cache.Upgrade(); ok {
			tbl.Get().purge(ctx, k)
			tbl.Release()
		} else {
			stats.purgeSkippedDead.Add(1)
			dlog.Debugf(ctx, "objcache: cache is gone; not purging")
		}
		src.Free(ctx, k, v)
		stats.freed.Add(1)
		dlog.Debugf(ctx, "objcache: freed %p", v)
	}
}

func (t *table[K, V]) purge(ctx context.Context, k K) {
	if t.beforePurge != nil {
		t.beforePurge(k)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return
	}
	w, ok := t.entries[k]
	switch {
	case !ok:
		// A later value for k was inserted and already purged
		// its own entry.
	case w.Expired():
		delete(t.entries, k)
		t.stats.purged.Add(1)
	default:
		// Somebody called Get(k) between our count reaching
		// zero and us getting the lock; that entry is theirs.
		t.stats.purgeSkippedLive.Add(1)
		dlog.Debugf(ctx, "objcache: entry was replaced by a live value; not purging")
	}
}
