// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log implements a library for logging.
//
// This is separate from the standard logging package because logging may be a
// high-impact activity, and therefore we wanted to provide as much flexibility
// as possible in the underlying implementation. Messages are emitted through
// logrus.
//
// Note that logging should still be considered high-impact, and should not be
// done in the hot path. If necessary, logging statements should be protected
// with guards regarding the logging level. For example,
//
//	if log.IsLogging(log.Debug) {
//		log.Debugf(...)
//	}
//
// This is because the log.Debugf(...) statement alone will generate a
// significant amount of garbage and churn in many cases, even if no log
// message is ultimately emitted.
package log

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Level is the log level.
type Level uint32

// The following levels are fixed, and can never be changed. Since some control
// RPCs allow for changing the level as an integer, it is only possible to add
// additional levels, and the existing one cannot be removed.
const (
	// Warning indicates that output should always be emitted.
	Warning Level = iota

	// Info indicates that output should normally be emitted.
	Info

	// Debug indicates that output should not normally be emitted.
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("Invalid level: %d", l)
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// Format selects how messages are rendered.
type Format int

const (
	// FormatText renders logrus text lines.
	FormatText Format = iota

	// FormatJSON renders one JSON object per line.
	FormatJSON
)

// Logger is a high-level logging interface. It is in fact, not used within the
// log package. Rather it is provided for others to provide contextual loggers
// that may append some addition information to log statement. BasicLogger
// satisfies this interface, and may be passed around as a Logger.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at an info level.
	Infof(format string, v ...any)

	// Warningf logs at a warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff this level is being logged. This may be
	// used to short-circuit expensive operations for debugging calls.
	IsLogging(level Level) bool
}

// BasicLogger is the default implementation of Logger.
type BasicLogger struct {
	level  atomic.Uint32
	out    *logrus.Logger
	fields logrus.Fields
}

// NewBasicLogger returns a logger writing to w at Info level.
func NewBasicLogger(w io.Writer, format Format) *BasicLogger {
	out := logrus.New()
	out.SetOutput(w)
	out.SetLevel(logrus.DebugLevel)
	switch format {
	case FormatJSON:
		out.SetFormatter(&logrus.JSONFormatter{})
	default:
		out.SetFormatter(&logrus.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		})
	}
	l := &BasicLogger{out: out}
	l.SetLevel(Info)
	return l
}

// With returns a logger that attaches key=value to every message. The
// returned logger shares its level with l.
func (l *BasicLogger) With(key string, value any) Logger {
	fields := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &fieldLogger{parent: l, fields: fields}
}

// Debugf implements logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	l.emit(Debug, l.fields, format, v...)
}

// Infof implements logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	l.emit(Info, l.fields, format, v...)
}

// Warningf implements logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	l.emit(Warning, l.fields, format, v...)
}

// IsLogging implements logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return Level(l.level.Load()) >= level
}

// SetLevel sets the logging level.
func (l *BasicLogger) SetLevel(level Level) {
	l.level.Store(uint32(level))
}

func (l *BasicLogger) emit(level Level, fields logrus.Fields, format string, v ...any) {
	if !l.IsLogging(level) {
		return
	}
	entry := logrus.NewEntry(l.out)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Logf(level.logrus(), format, v...)
}

// fieldLogger is a BasicLogger view with extra fields.
type fieldLogger struct {
	parent *BasicLogger
	fields logrus.Fields
}

func (f *fieldLogger) Debugf(format string, v ...any) {
	f.parent.emit(Debug, f.fields, format, v...)
}

func (f *fieldLogger) Infof(format string, v ...any) {
	f.parent.emit(Info, f.fields, format, v...)
}

func (f *fieldLogger) Warningf(format string, v ...any) {
	f.parent.emit(Warning, f.fields, format, v...)
}

func (f *fieldLogger) IsLogging(level Level) bool {
	return f.parent.IsLogging(level)
}

// log is the default logger.
var log atomic.Pointer[BasicLogger]

func init() {
	log.Store(NewBasicLogger(os.Stderr, FormatText))
}

// Log retrieves the global logger.
func Log() *BasicLogger {
	return log.Load()
}

// SetTarget sets the log target.
//
// This is not thread safe and shouldn't be called concurrently with any
// logging calls.
func SetTarget(target *BasicLogger) {
	log.Store(target)
}

// SetLevel sets the log level of the global logger.
func SetLevel(newLevel Level) {
	Log().SetLevel(newLevel)
}

// IsLogging returns whether the global logger is logging.
func IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().Debugf(format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().Infof(format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().Warningf(format, v...)
}
