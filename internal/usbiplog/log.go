/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Logger: level-filtered, mutex-guarded sink with a buffered
 * Begin/Commit API so multi-line records land atomically
 */

package usbiplog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel is a bitmask of message categories
type LogLevel int

// Log levels
const (
	LogError LogLevel = 1 << iota
	LogInfo
	LogDebug
	LogTraceWire
)

// LogAll enables every level
const LogAll = LogError | LogInfo | LogDebug | LogTraceWire

// Logger writes level-filtered lines to an underlying writer, with an
// optional second logger mirroring every message it receives
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
	level  LogLevel
	cc     *Logger
}

// NewLogger returns a Logger writing to out, prefixed with name, at
// the given level mask. If out is nil, os.Stderr is used
func NewLogger(out io.Writer, name string, level LogLevel) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{out: out, prefix: name, level: level}
}

// Cc mirrors every message this Logger receives to other as well,
// including lines this Logger's own level mask filters out
func (l *Logger) Cc(other *Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cc = other
}

// Begin starts a buffered multi-line record. Append lines with
// Message.Add, then call Message.Commit to flush them atomically
func (l *Logger) Begin() *Message {
	return &Message{log: l}
}

// Error logs a single-line LogError message
func (l *Logger) Error(format string, args ...interface{}) {
	l.Begin().Error(format, args...).Commit()
}

// Info logs a single-line LogInfo message
func (l *Logger) Info(format string, args ...interface{}) {
	l.Begin().Info(format, args...).Commit()
}

// Debug logs a single-line LogDebug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.Begin().Debug(format, args...).Commit()
}

// TraceWire logs a single-line LogTraceWire message, e.g. a decoded
// frame summary
func (l *Logger) TraceWire(format string, args ...interface{}) {
	l.Begin().TraceWire(format, args...).Commit()
}

// line is one buffered, already-leveled line of a Message
type line struct {
	level LogLevel
	text  string
}

// Message accumulates lines for one atomic, possibly multi-line,
// log record
type Message struct {
	log   *Logger
	lines []line
}

// Add appends a line at level to the message
func (m *Message) Add(level LogLevel, format string, args ...interface{}) *Message {
	m.lines = append(m.lines, line{level: level, text: fmt.Sprintf(format, args...)})
	return m
}

// Error appends a LogError line
func (m *Message) Error(format string, args ...interface{}) *Message {
	return m.Add(LogError, format, args...)
}

// Info appends a LogInfo line
func (m *Message) Info(format string, args ...interface{}) *Message {
	return m.Add(LogInfo, format, args...)
}

// Debug appends a LogDebug line
func (m *Message) Debug(format string, args ...interface{}) *Message {
	return m.Add(LogDebug, format, args...)
}

// TraceWire appends a LogTraceWire line
func (m *Message) TraceWire(format string, args ...interface{}) *Message {
	return m.Add(LogTraceWire, format, args...)
}

// Commit writes every buffered line whose level passes the logger's
// filter, then mirrors the whole message to Cc, if set
func (m *Message) Commit() {
	m.log.mu.Lock()
	defer m.log.mu.Unlock()

	ts := time.Now().Format("15:04:05.000")
	for _, ln := range m.lines {
		if m.log.level&ln.level == 0 {
			continue
		}
		fmt.Fprintf(m.log.out, "%s %s: %s\n", ts, m.log.prefix, ln.text)
	}

	if m.log.cc != nil {
		mirror := m.log.cc.Begin()
		for _, ln := range m.lines {
			mirror.Add(ln.level, "%s", ln.text)
		}
		mirror.Commit()
	}
}
