//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

// LoggingType keeps packages silent until the daemon sets up logging.
const LoggingType = LogTypeDefault

// LogLevel is the level of stand-alone sub loggers.
const LogLevel = "info"

// Write drops the output of stand-alone sub loggers.
func (w *LogWriter) Write(b []byte) (int, error) {
	return len(b), nil
}
