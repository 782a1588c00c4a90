package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel converts a level name into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level: %s", s)
}

// Component identifies the part of the relayer emitting a message
type Component int

const (
	None Component = iota
	QuickPay
	Batch
	Ledger
	HTTP
	Store
)

var componentPrefixes = map[Component]string{
	None:     "",
	QuickPay: "[QUICKPAY] ",
	Batch:    "[BATCH]    ",
	Ledger:   "[LEDGER]   ",
	HTTP:     "[HTTP]     ",
	Store:    "[STORE]    ",
}

var colors = map[Component]color.Attribute{
	None:     color.FgWhite,
	QuickPay: color.FgHiGreen,
	Batch:    color.FgYellow,
	Ledger:   color.FgHiBlue,
	HTTP:     color.FgMagenta,
	Store:    color.FgCyan,
}

// Logger is a simple interface for logging messages.
type Logger interface {
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
	Debug(format string, args ...interface{})
	Notice(format string, args ...interface{})

	// With returns a logger whose messages carry the component prefix.
	With(component Component) Logger
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{}) {}
func (l *EmptyLogger) With(_ Component) Logger           { return l }

// StdLogger is a standard implementation of the Logger interface that logs messages to the console.
type StdLogger struct {
	enableColoring bool
	level          Level
	component      Component
	mu             *sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
		mu:             &sync.Mutex{},
	}
}

// With shares the output lock with the parent logger
func (l *StdLogger) With(component Component) Logger {
	return &StdLogger{
		enableColoring: l.enableColoring,
		level:          l.level,
		component:      component,
		mu:             l.mu,
	}
}

// formatMessage formats the log message with the appropriate log level, component prefix, and coloring if enabled.
func (l *StdLogger) formatMessage(level Level, format string) string {
	prefix := componentPrefixes[l.component]
	if l.enableColoring {
		prefix = color.New(colors[l.component]).Sprint(prefix)
	}

	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
		if l.enableColoring {
			levelStr = color.New(color.FgRed).Sprint(levelStr)
		}
	}

	return levelStr + prefix + format
}

func (l *StdLogger) logf(level Level, format string, args ...interface{}) {
	if l.level > level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	log.Printf(l.formatMessage(level, format), args...)
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, format, args...)
}
