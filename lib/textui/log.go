// Copyright (C) 2019-2022  Ambassador Labs
// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: Apache-2.0
//
// Contains code based on:
// https://github.com/datawire/dlib/blob/b09ab2e017e16d261f05fff5b3b860d645e774d4/dlog/logger_logrus.go
// https://github.com/datawire/dlib/blob/b09ab2e017e16d261f05fff5b3b860d645e774d4/dlog/logger_testing.go
// https://github.com/telepresenceio/telepresence/blob/ece94a40b00a90722af36b12e40f91cbecc0550c/pkg/log/formatter.go

package textui

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"
)

type logField struct {
	key string
	val any
}

// logger is immutable; WithField returns a new one.  Its fields are
// kept in display order, so that emitting a line does not need to
// sort anything.
type logger struct {
	out io.Writer
	lvl dlog.LogLevel

	fields []logField
	// fields[:nLeft] are written before the message, the rest
	// after it.
	nLeft int
}

var _ dlog.OptimizedLogger = (*logger)(nil)

// NewLogger returns a dlog.Logger that writes one human-readable line
// per message to `out`, discarding messages less severe than `lvl`.
func NewLogger(out io.Writer, lvl dlog.LogLevel) dlog.Logger {
	return &logger{
		out: out,
		lvl: lvl,
	}
}

// Helper implements dlog.Logger.
func (*logger) Helper() {}

// WithField implements dlog.Logger.
func (l *logger) WithField(key string, value any) dlog.Logger {
	fields := make([]logField, 0, len(l.fields)+1)
	for _, f := range l.fields {
		if f.key != key {
			fields = append(fields, f)
		}
	}
	fields = append(fields, logField{key: key, val: value})
	sort.Slice(fields, func(i, j int) bool {
		iOrd, jOrd := styleOf(fields[i].key).ord, styleOf(fields[j].key).ord
		if iOrd != jOrd {
			return iOrd < jOrd
		}
		return fields[i].key < fields[j].key
	})
	nLeft := sort.Search(len(fields), func(i int) bool {
		return styleOf(fields[i].key).ord >= 0
	})
	return &logger{
		out:    l.out,
		lvl:    l.lvl,
		fields: fields,
		nLeft:  nLeft,
	}
}

type logWriter struct {
	log *logger
	lvl dlog.LogLevel
}

// Write implements io.Writer.
func (lw logWriter) Write(data []byte) (int, error) {
	lw.log.log(lw.lvl, func(w io.Writer) {
		_, _ = w.Write(bytes.TrimSuffix(data, []byte("\n")))
	})
	return len(data), nil
}

// StdLogger implements dlog.Logger.
func (l *logger) StdLogger(lvl dlog.LogLevel) *log.Logger {
	return log.New(logWriter{log: l, lvl: lvl}, "", 0)
}

// Log implements dlog.Logger.
func (*logger) Log(dlog.LogLevel, string) {
	panic("should not happen: optimized log methods should be used instead")
}

// UnformattedLog implements dlog.OptimizedLogger.
func (l *logger) UnformattedLog(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprint(w, args...)
	})
}

// UnformattedLogln implements dlog.OptimizedLogger.
func (l *logger) UnformattedLogln(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprintln(w, args...)
	})
}

// UnformattedLogf implements dlog.OptimizedLogger.
func (l *logger) UnformattedLogf(lvl dlog.LogLevel, format string, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprintf(w, format, args...)
	})
}

var (
	logBufPool = typedsync.Pool[*bytes.Buffer]{
		New: func() *bytes.Buffer {
			return new(bytes.Buffer)
		},
	}
	logMu      sync.Mutex
	thisModDir string
)

func init() {
	//nolint:dogsled // I can't change the signature of the stdlib.
	_, file, _, _ := runtime.Caller(0)
	thisModDir = filepath.Dir(filepath.Dir(filepath.Dir(file)))
}

const timeFmt = "2006-01-02 15:04:05.0000"

func (l *logger) log(lvl dlog.LogLevel, writeMsg func(io.Writer)) {
	if lvl > l.lvl {
		return
	}
	buf, _ := logBufPool.Get()
	defer func() {
		buf.Reset()
		logBufPool.Put(buf)
	}()

	var timeBuf [len(timeFmt)]byte
	buf.Write(time.Now().AppendFormat(timeBuf[:0], timeFmt))
	if info, ok := lookupLevel(lvl); ok {
		buf.WriteByte(' ')
		buf.WriteString(info.tag)
	}

	for _, f := range l.fields[:l.nLeft] {
		writeField(buf, f)
	}
	buf.WriteString(" : ")
	writeMsg(buf)
	buf.WriteString(" :")
	for _, f := range l.fields[l.nLeft:] {
		writeField(buf, f)
	}
	if file, line, ok := callerSite(); ok {
		fmt.Fprintf(buf, " (from %s:%d)", file, line)
	}
	buf.WriteByte('\n')

	logMu.Lock()
	_, _ = l.out.Write(buf.Bytes())
	logMu.Unlock()
}

// callerSite returns the innermost caller that is in this module but
// outside of this package.
func callerSite() (file string, line int, ok bool) {
	const (
		thisModule   = "git.lukeshu.com/objcache"
		thisPackage  = thisModule + "/lib/textui"
		maxDepth int = 25
		minDepth int = 4 // runtime.Callers + callerSite + .log + .UnformattedLogX
	)
	var pcs [maxDepth]uintptr
	depth := runtime.Callers(minDepth, pcs[:])
	frames := runtime.CallersFrames(pcs[:depth])
	for f, again := frames.Next(); again; f, again = frames.Next() {
		if !strings.HasPrefix(f.Function, thisModule+"/") ||
			strings.HasPrefix(f.Function, thisPackage+".") {
			continue
		}
		return strings.TrimPrefix(f.File, thisModDir+"/"), f.Line, true
	}
	return "", 0, false
}

type fieldStyle struct {
	// ord < 0 fields go left of the message; lower is further left.
	ord int
	// name is what to print instead of the key.
	name string
	// format, if set, writes the whole field.
	format func(w io.Writer, val []byte)
}

var fieldStyles = map[string]fieldStyle{
	"THREAD": { // dgroup
		ord:    -99,
		format: writeThread,
	},
	"stockcache.step": {
		ord: -10,
		format: func(w io.Writer, val []byte) {
			fmt.Fprintf(w, " [%s]", val)
		},
	},
	"stockcache.stress.worker": {ord: -9, name: "worker"},
	"objcache.key":             {ord: -1, name: "key"},
}

// fieldPrefixes are trimmed from the names of fields that have no
// entry in fieldStyles.
var fieldPrefixes = []string{
	"stockcache.stress.",
	"stockcache.",
	"objcache.",
}

func styleOf(key string) fieldStyle {
	if style, ok := fieldStyles[key]; ok {
		if style.name == "" {
			style.name = key
		}
		return style
	}
	name := key
	for _, prefix := range fieldPrefixes {
		if strings.HasPrefix(name, prefix) {
			name = strings.TrimPrefix(name, prefix)
			break
		}
	}
	return fieldStyle{ord: 1, name: name}
}

func writeThread(w io.Writer, val []byte) {
	switch {
	case len(val) == 0 || bytes.Equal(val, []byte("/main")):
		return
	case bytes.HasPrefix(val, []byte("/main/")):
		val = val[len("/main/"):]
	case bytes.HasPrefix(val, []byte("/")):
		val = val[len("/"):]
	}
	fmt.Fprintf(w, " thread=%s", val)
}

func needsQuote(val []byte) bool {
	if bytes.HasPrefix(val, []byte(`"`)) {
		return true
	}
	for _, r := range string(val) {
		if !unicode.IsPrint(r) || r == ' ' {
			return true
		}
	}
	return false
}

func writeField(w io.Writer, f logField) {
	valBuf, _ := logBufPool.Get()
	defer func() {
		valBuf.Reset()
		logBufPool.Put(valBuf)
	}()
	_, _ = printer.Fprint(valBuf, f.val)
	val := valBuf.Bytes()
	if needsQuote(val) {
		val = []byte(fmt.Sprintf("%q", val))
	}

	style := styleOf(f.key)
	if style.format != nil {
		style.format(w, val)
		return
	}
	fmt.Fprintf(w, " %s=%s", style.name, val)
}
