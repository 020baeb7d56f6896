// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package stock is a shared, lazily-loaded registry of stock
// records, keyed by ticker symbol (for example "NYSE:IBM").
package stock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/objcache/lib/objcache"
	"git.lukeshu.com/objcache/lib/refcount"
)

// ErrInvalidSymbol is returned (wrapped) by Factory.Get for symbols
// that a Stock cannot be built for.
var ErrInvalidSymbol = errors.New("invalid stock symbol")

// noCopy may be embedded in structs that must not be copied after
// first use; `go vet`'s copylocks check complains about copies.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Stock is the record for one symbol.  There is at most one live
// Stock per symbol per Factory, so a Stock is identified by its
// address as much as by its symbol; it must not be copied.
type Stock struct {
	_ noCopy

	symbol string
}

// Key returns the Stock's symbol.
func (s *Stock) Key() string { return s.symbol }

func (s *Stock) String() string { return s.symbol }

// Counts tallies Stock constructions and destructions.
type Counts struct {
	Constructed int64 `json:"constructed"`
	Destroyed   int64 `json:"destroyed"`
}

type source struct {
	constructed atomic.Int64
	destroyed   atomic.Int64
}

var _ objcache.Source[string, Stock] = (*source)(nil)

// Load implements objcache.Source.
func (src *source) Load(ctx context.Context, symbol string) (*Stock, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	ret := &Stock{symbol: symbol}
	src.constructed.Add(1)
	dlog.Infof(ctx, "Stock() %p %s", ret, symbol)
	return ret, nil
}

// Free implements objcache.Source.
func (src *source) Free(ctx context.Context, _ string, s *Stock) {
	src.destroyed.Add(1)
	dlog.Infof(ctx, "~Stock() %p %s", s, s.symbol)
}

// Factory hands out shared Stocks.  A Stock lives for as long as
// somebody holds a handle to it; the Factory may be closed before or
// after that.
type Factory struct {
	src   *source
	cache *objcache.ObjectCache[string, Stock]
}

// NewFactory returns a new, empty Factory.
func NewFactory() *Factory {
	src := new(source)
	return &Factory{
		src:   src,
		cache: objcache.New[string, Stock](src),
	}
}

// Get returns a handle to the Stock for symbol, loading it if no
// live Stock for symbol exists.  The caller must Release the handle.
func (f *Factory) Get(ctx context.Context, symbol string) (*refcount.Strong[Stock], error) {
	return f.cache.Get(ctx, symbol)
}

// Len returns the number of symbols in the Factory's table.
func (f *Factory) Len() int { return f.cache.Len() }

// Symbols returns the sorted symbols in the Factory's table.
func (f *Factory) Symbols() []string { return f.cache.Keys() }

// Counts returns how many Stocks this Factory has constructed, and
// how many of those have since been destroyed.
func (f *Factory) Counts() Counts {
	return Counts{
		Constructed: f.src.constructed.Load(),
		Destroyed:   f.src.destroyed.Load(),
	}
}

// Stats returns the underlying cache's counters.
func (f *Factory) Stats() objcache.Stats { return f.cache.Stats() }

// Close drops the Factory.  Outstanding Stock handles stay valid.
func (f *Factory) Close(ctx context.Context) {
	f.cache.Close()
	dlog.Infof(ctx, "~StockFactory() %p", f)
}
