package build

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btclog/v2"
)

// LogType selects where stand-alone sub loggers write to. It is chosen with
// the stdlog and nolog build tags.
type LogType byte

const (
	// LogTypeNone keeps stand-alone sub loggers silent.
	LogTypeNone LogType = iota

	// LogTypeStdOut makes stand-alone sub loggers write to stdout.
	LogTypeStdOut

	// LogTypeDefault keeps packages silent until the daemon hands them a
	// logger.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// LogWriter is the writer of stand-alone sub loggers. Its Write method
// depends on the build tags.
type LogWriter struct{}

// NewSubLogger returns the logger of a subsystem. Packages call it from
// their init functions with a nil generator. Such a logger is disabled,
// unless the stdlog tag is set, in which case it writes to stdout; tests
// run with -tags=stdlog to see the package output.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	if LoggingType != LogTypeStdOut {
		return btclog.Disabled
	}

	handler := btclog.NewDefaultHandler(&LogWriter{})
	logger := btclog.NewSLogger(handler.SubSystem(subsystem))

	level, _ := btclog.LevelFromString(LogLevel)
	logger.SetLevel(level)

	return logger
}

// SubLoggers maps subsystem names to their loggers.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger gives access to a set of subsystem loggers and their
// levels.
type LeveledSubLogger interface {
	// SubLoggers returns the registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns the sorted subsystem names.
	SupportedSubsystems() []string

	// SetLogLevel sets the level of one subsystem.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels sets the level of every subsystem.
	SetLogLevels(logLevel string)
}

// ParseAndSetDebugLevels applies a debug level string to logger. The string
// is either a single level for all subsystems ("debug") or an optional
// global level followed by subsystem pairs ("info,WSYN=trace,WMGR=debug").
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	fields := strings.Split(level, ",")

	if !strings.Contains(fields[0], "=") {
		if !validLogLevel(fields[0]) {
			return fmt.Errorf("invalid debug level %q", fields[0])
		}

		logger.SetLogLevels(fields[0])
		fields = fields[1:]
	}

	subLoggers := logger.SubLoggers()
	for _, pair := range fields {
		subsystem, subLevel, ok := strings.Cut(pair, "=")
		if !ok || strings.Contains(subLevel, "=") {
			return fmt.Errorf("invalid debug level pair %q, "+
				"expected subsystem=level", pair)
		}

		if _, ok := subLoggers[subsystem]; !ok {
			return fmt.Errorf("unknown subsystem %q, supported "+
				"subsystems are %v", subsystem,
				logger.SupportedSubsystems())
		}

		if !validLogLevel(subLevel) {
			return fmt.Errorf("invalid debug level %q for %v",
				subLevel, subsystem)
		}

		logger.SetLogLevel(subsystem, subLevel)
	}

	return nil
}

func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}
