// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package proxy

import "log"

type logKind int

const (
	logConn logKind = iota
	logErr
)

func shouldLog(kind logKind, f LogFilter) bool {
	switch kind {
	case logConn:
		if f.Connections != nil {
			return *f.Connections
		}
	case logErr:
		if f.Errors != nil {
			return *f.Errors
		}
	}
	return true
}

// logConnF logs a connection-lifecycle line if cfg's LogFilter allows it.
// cfg may be nil, in which case the default (log it) applies.
func logConnF(cfg *Config, format string, args ...any) {
	if cfg != nil && !shouldLog(logConn, cfg.LogFilter) {
		return
	}
	log.Printf("INF "+format, args...)
}

// logErrF logs an error line if cfg's LogFilter allows it.
func logErrF(cfg *Config, format string, args ...any) {
	if cfg != nil && !shouldLog(logErr, cfg.LogFilter) {
		return
	}
	log.Printf("ERR "+format, args...)
}

// logWarnF always logs; warnings about degraded-but-not-fatal state (a
// missing acme-issued certificate, a dropped event) aren't gated by
// LogFilter since they aren't per-connection noise.
func logWarnF(format string, args ...any) {
	log.Printf("WRN "+format, args...)
}
