// Package pagerlog is a thin wrapper around the standard logger used by
// every layer of the page cache and pager: a single
// prefixed *log.Logger per component, matching the donor repo's own
// log.Printf/log.Println usage rather than reaching for a structured
// logging library it never imports itself.
package pagerlog

import (
	"io"
	"log"
	"os"
)

// Logger wraps the standard library logger with a component tag so
// pager/pagecache/wal output can be told apart without a dependency on
// a structured-logging framework the donor never pulls in.
type Logger struct {
	*log.Logger
	component string
}

// New returns a Logger writing to w (os.Stderr if w is nil) with every
// line prefixed by "[component] ".
func New(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		Logger: log.New(w, "["+component+"] ", log.LstdFlags),
		component: component,
	}
}

// Discard returns a Logger that drops everything, for tests and callers
// that don't want pager diagnostics on stderr.
func Discard() *Logger {
	return &Logger{Logger: log.New(io.Discard, "", 0)}
}

// Component returns the tag this logger was constructed with.
func (l *Logger) Component() string { return l.component }

// Errorf logs at error severity; the standard logger has no level
// concept, so severity is conveyed in the message itself, same as the
// donor's own log.Printf("failed to...: %v", err) call sites.
func (l *Logger) Errorf(format string, args...any) {
	l.Printf("ERROR "+format, args...)
}

// Warnf logs at warning severity.
func (l *Logger) Warnf(format string, args...any) {
	l.Printf("WARN "+format, args...)
}
