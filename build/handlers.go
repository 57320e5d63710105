package build

import (
	"io"
	"os"

	"github.com/btcsuite/btclog/v2"
)

// NewDefaultLogHandler returns the handler the daemon logs through. Console
// and file output share one handler so that every sub logger only needs to
// carry a single level. A disabled logger simply drops out of the writer
// set.
func NewDefaultLogHandler(cfg *LogConfig,
	rotator *RotatingLogWriter) btclog.Handler {

	var (
		writers []io.Writer
		opts    []btclog.HandlerOption
	)
	if !cfg.Console.Disable {
		writers = append(writers, os.Stdout)
		opts = append(opts, cfg.Console.HandlerOptions()...)
	}
	if !cfg.File.Disable && rotator != nil {
		writers = append(writers, rotator)
		if len(opts) == 0 {
			opts = cfg.File.HandlerOptions()
		}
	}

	return btclog.NewDefaultHandler(io.MultiWriter(writers...), opts...)
}
