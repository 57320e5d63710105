//go:build nolog
// +build nolog

package build

// LoggingType disables stand-alone sub loggers.
const LoggingType = LogTypeNone

// LogLevel is the level of stand-alone sub loggers.
const LogLevel = "off"

// Write drops the output.
func (w *LogWriter) Write(b []byte) (int, error) {
	return len(b), nil
}
