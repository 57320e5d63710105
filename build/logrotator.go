package build

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

const (
	// Gzip compresses rotated log files with gzip.
	Gzip = "gzip"

	// Zstd compresses rotated log files with zstd.
	Zstd = "zstd"
)

// logCompressors maps the supported compressors to the file extension of
// the rotated files.
var logCompressors = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// SupportedLogCompressor reports whether the compressor can be configured.
func SupportedLogCompressor(logCompressor string) bool {
	_, ok := logCompressors[logCompressor]

	return ok
}

// RotatingLogWriter writes to a size rotated log file once InitLogRotator
// was called. Earlier writes are dropped.
type RotatingLogWriter struct {
	rotator *rotator.Rotator
}

// NewRotatingLogWriter creates a writer without a file.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// InitLogRotator opens logFile, creating its directory, and rotates it into
// compressed files next to it. Close must be called on shutdown.
func (r *RotatingLogWriter) InitLogRotator(cfg *FileLoggerConfig,
	logFile string) error {

	ext, ok := logCompressors[cfg.Compressor]
	if !ok {
		return fmt.Errorf("unknown log compressor: %v", cfg.Compressor)
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}

	// The rotator takes its threshold in KB.
	logRotator, err := rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("unable to create file rotator: %w", err)
	}

	var compressor rotator.Compressor = gzip.NewWriter(nil)
	if cfg.Compressor == Zstd {
		compressor, err = zstd.NewWriter(nil)
		if err != nil {
			_ = logRotator.Close()
			return fmt.Errorf("unable to create zstd compressor: "+
				"%w", err)
		}
	}
	logRotator.SetCompressor(compressor, ext)

	r.rotator = logRotator

	return nil
}

// Write writes to the log file, if open.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.rotator == nil {
		return len(b), nil
	}

	return r.rotator.Write(b)
}

// Close closes the log file, if open.
func (r *RotatingLogWriter) Close() error {
	if r.rotator == nil {
		return nil
	}

	return r.rotator.Close()
}
