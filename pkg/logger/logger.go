// Package logger defines the minimal leveled logging interface used by the
// Workload API client and identity source.
//
// The library never logs through a package-level default: components take a
// Logger at construction and fall back to Null, so embedding applications
// stay in full control of their log output.
package logger

import (
	"fmt"
	"log"
)

// Logger is the logging contract accepted by this module's components.
type Logger interface {
	// Debugf logs fine-grained diagnostic detail.
	Debugf(format string, args ...any)
	// Infof logs normal lifecycle events (connected, rotated, closed).
	Infof(format string, args ...any)
	// Warnf logs recoverable problems (stream drop, reconnecting).
	Warnf(format string, args ...any)
	// Errorf logs failures that end an operation.
	Errorf(format string, args ...any)
}

// Null discards everything. It is the default for every component.
var Null Logger = nullLogger{}

type nullLogger struct{}

func (nullLogger) Debugf(string, ...any) {}
func (nullLogger) Infof(string, ...any)  {}
func (nullLogger) Warnf(string, ...any)  {}
func (nullLogger) Errorf(string, ...any) {}

// Std logs through the standard library logger with level prefixes.
var Std Logger = stdLogger{}

type stdLogger struct{}

func (stdLogger) Debugf(format string, args ...any) { stdLog("DEBUG", format, args...) }
func (stdLogger) Infof(format string, args ...any)  { stdLog("INFO", format, args...) }
func (stdLogger) Warnf(format string, args ...any)  { stdLog("WARN", format, args...) }
func (stdLogger) Errorf(format string, args ...any) { stdLog("ERROR", format, args...) }

func stdLog(level, format string, args ...any) {
	log.Printf("[%s] %s", level, fmt.Sprintf(format, args...))
}
