// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// String returns the name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("<level %d>", int(l))
}

// ParseLevel parses the given string as a logging level.
func ParseLevel(value string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return DefaultLevel, loggerError("invalid logging level %q", value)
}

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message, if debugging is enabled.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with it.
	Panic(format string, args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message, prefixing
	// every line with prefix.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline informational message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for this source,
	// returning the previous state.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this source.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string
}

type logger struct {
	source string
}

// logging is the shared state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	forced  map[string]bool
	prefix  bool
	loggers map[string]logger
	srcw    int
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		forced:  make(map[string]bool),
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// SetLevel sets the lowest severity of messages emitted.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables debug messages for the given source.
func EnableDebug(source string) bool {
	return log.get(source).EnableDebug(true)
}

// SetupDebugToggleSignal toggles debugging for all sources on sig.
func SetupDebugToggleSignal(sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		state := false
		for range ch {
			state = !state
			log.Lock()
			if state {
				log.dbgmap["*"] = true
			} else {
				delete(log.dbgmap, "*")
			}
			log.Unlock()
			deflog.Warn("debugging for all sources toggled %s", map[bool]string{true: "on", false: "off"}[state])
		}
	}()
}

func (l *logging) get(source string) logger {
	l.RLock()
	lg, ok := l.loggers[source]
	l.RUnlock()
	if ok {
		return lg
	}

	l.Lock()
	defer l.Unlock()
	if lg, ok = l.loggers[source]; ok {
		return lg
	}
	lg = logger{source: source}
	l.loggers[source] = lg
	if len(source) > l.srcw {
		l.srcw = len(source)
	}
	return lg
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if l.level <= LevelDebug {
		return true
	}
	if state, ok := l.forced[source]; ok {
		return state
	}
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	return l.dbgmap["*"]
}

func (l *logging) passes(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return level >= l.level
}

func (lg logger) format(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	log.RLock()
	prefix, w := log.prefix, log.srcw
	log.RUnlock()
	if !prefix {
		return msg
	}
	return fmt.Sprintf("[%*s] %s", w, lg.source, msg)
}

func (lg logger) Debug(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, "D: "+lg.format(format, args...))
}

func (lg logger) Info(format string, args ...interface{}) {
	if !log.passes(LevelInfo) {
		return
	}
	klog.InfoDepth(1, lg.format(format, args...))
}

func (lg logger) Warn(format string, args ...interface{}) {
	if !log.passes(LevelWarn) {
		return
	}
	klog.WarningDepth(1, lg.format(format, args...))
}

func (lg logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, lg.format(format, args...))
}

func (lg logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, lg.format(format, args...))
	klog.Flush()
	os.Exit(1)
}

func (lg logger) Panic(format string, args ...interface{}) {
	msg := lg.format(format, args...)
	klog.ErrorDepth(1, msg)
	klog.Flush()
	panic(msg)
}

func (lg logger) Debugf(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, "D: "+lg.format(format, args...))
}

func (lg logger) Infof(format string, args ...interface{}) {
	if !log.passes(LevelInfo) {
		return
	}
	klog.InfoDepth(1, lg.format(format, args...))
}

func (lg logger) Warnf(format string, args ...interface{}) {
	if !log.passes(LevelWarn) {
		return
	}
	klog.WarningDepth(1, lg.format(format, args...))
}

func (lg logger) Errorf(format string, args ...interface{}) {
	klog.ErrorDepth(1, lg.format(format, args...))
}

func (lg logger) block(emit func(int, ...interface{}), prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		emit(2, lg.format("%s%s", prefix, line))
	}
}

func (lg logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	lg.block(klog.InfoDepth, "D: "+prefix, format, args...)
}

func (lg logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if !log.passes(LevelInfo) {
		return
	}
	lg.block(klog.InfoDepth, prefix, format, args...)
}

func (lg logger) WarnBlock(prefix string, format string, args ...interface{}) {
	if !log.passes(LevelWarn) {
		return
	}
	lg.block(klog.WarningDepth, prefix, format, args...)
}

func (lg logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	lg.block(klog.ErrorDepth, prefix, format, args...)
}

func (lg logger) EnableDebug(state bool) bool {
	prev := lg.DebugEnabled()
	log.Lock()
	log.forced[lg.source] = state
	log.Unlock()
	return prev
}

func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

func (lg logger) Source() string {
	return lg.source
}

func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
