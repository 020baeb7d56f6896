// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui implements utilities for emitting human-friendly
// text on stdout and stderr.
package textui

import (
	"fmt"
	"io"

	"golang.org/x/exp/constraints"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// printer groups digits ("12,345") in all UI output, log lines
// included.
var printer = message.NewPrinter(language.English)

// Fprintf is fmt.Fprintf with digit grouping.  Use it for output meant
// for a human.
func Fprintf(w io.Writer, key string, a ...any) (n int, err error) {
	return printer.Fprintf(w, key, a...)
}

// Sprintf is fmt.Sprintf with digit grouping.
func Sprintf(key string, a ...any) string {
	return printer.Sprintf(key, a...)
}

// Portion is a progress fraction N/D, rendered like "50% (2,000/4,000)".
// A zero denominator renders as 100%.
type Portion[T constraints.Integer] struct {
	N, D T
}

var _ fmt.Stringer = Portion[int]{}

func (p Portion[T]) percent() uint64 {
	if p.D <= 0 {
		return 100
	}
	return uint64(p.N) * 100 / uint64(p.D)
}

// String implements fmt.Stringer.
func (p Portion[T]) String() string {
	return printer.Sprintf("%d%% (%v/%v)", p.percent(), uint64(p.N), uint64(p.D))
}
