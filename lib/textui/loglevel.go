// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"fmt"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/pflag"
)

type levelInfo struct {
	lvl     dlog.LogLevel
	name    string
	aliases []string
	tag     string
}

var levels = []levelInfo{
	{dlog.LogLevelError, "error", nil, "ERR"},
	{dlog.LogLevelWarn, "warn", []string{"warning"}, "WRN"},
	{dlog.LogLevelInfo, "info", nil, "INF"},
	{dlog.LogLevelDebug, "debug", nil, "DBG"},
	{dlog.LogLevelTrace, "trace", nil, "TRC"},
}

func lookupLevel(lvl dlog.LogLevel) (levelInfo, bool) {
	for _, info := range levels {
		if info.lvl == lvl {
			return info, true
		}
	}
	return levelInfo{}, false
}

// LogLevelFlag is a pflag.Value that parses a dlog.LogLevel by name
// ("error", "warn", "info", "debug", or "trace").
type LogLevelFlag struct {
	Level dlog.LogLevel
}

var _ pflag.Value = (*LogLevelFlag)(nil)

// Type implements pflag.Value.
func (*LogLevelFlag) Type() string { return "loglevel" }

// Set implements pflag.Value.
func (f *LogLevelFlag) Set(str string) error {
	str = strings.ToLower(str)
	for _, info := range levels {
		if str == info.name {
			f.Level = info.lvl
			return nil
		}
		for _, alias := range info.aliases {
			if str == alias {
				f.Level = info.lvl
				return nil
			}
		}
	}
	return fmt.Errorf("invalid log level: %q", str)
}

// String implements pflag.Value.
func (f *LogLevelFlag) String() string {
	info, ok := lookupLevel(f.Level)
	if !ok {
		panic(fmt.Errorf("invalid log level: %#v", f.Level))
	}
	return info.name
}
