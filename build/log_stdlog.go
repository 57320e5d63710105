//go:build stdlog
// +build stdlog

package build

import "os"

// LoggingType makes stand-alone sub loggers write to stdout.
const LoggingType = LogTypeStdOut

// LogLevel is the level of stand-alone sub loggers.
const LogLevel = "debug"

// Write writes to stdout.
func (w *LogWriter) Write(b []byte) (int, error) {
	return os.Stdout.Write(b)
}
