// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

// Tunable marks a constant that was picked by feel, and that may want
// adjusting once the program has been profiled under real load.
func Tunable[T any](x T) T {
	return x
}
