package build

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, buf *bytes.Buffer,
	subsystems ...string) (*SubLoggerManager, map[string]btclog.Logger) {

	t.Helper()

	mgr := NewSubLoggerManager(
		btclog.NewDefaultHandler(buf, btclog.WithNoTimestamp()),
	)

	loggers := make(map[string]btclog.Logger)
	for _, subsystem := range subsystems {
		mgr.RegisterSubLogger(subsystem, func(l btclog.Logger) {
			loggers[subsystem] = l
		})
	}

	return mgr, loggers
}

// TestParseAndSetDebugLevels covers the global and per subsystem forms.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		level  string
		valid  bool
		levels map[string]btclogv1.Level
	}{
		{
			name:  "global",
			level: "debug",
			valid: true,
			levels: map[string]btclogv1.Level{
				"WSYN": btclog.LevelDebug,
				"WMGR": btclog.LevelDebug,
			},
		},
		{
			name:  "global and subsystem",
			level: "warn,WSYN=trace",
			valid: true,
			levels: map[string]btclogv1.Level{
				"WSYN": btclog.LevelTrace,
				"WMGR": btclog.LevelWarn,
			},
		},
		{
			name:  "subsystem only",
			level: "WMGR=error",
			valid: true,
			levels: map[string]btclogv1.Level{
				"WSYN": btclog.LevelInfo,
				"WMGR": btclog.LevelError,
			},
		},
		{
			name:  "unknown level",
			level: "loud",
		},
		{
			name:  "unknown subsystem",
			level: "info,NOPE=debug",
		},
		{
			name:  "malformed pair",
			level: "info,WSYN=debug=trace",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			mgr, loggers := newTestManager(t, &buf, "WSYN", "WMGR")

			err := ParseAndSetDebugLevels(tc.level, mgr)
			if !tc.valid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			for subsystem, level := range tc.levels {
				require.Equal(
					t, level, loggers[subsystem].Level(),
					subsystem,
				)
			}
		})
	}
}

// TestSubLoggerOutput checks that the subsystem tag is written and that
// loggers registered after a level change pick up the new level.
func TestSubLoggerOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mgr, loggers := newTestManager(t, &buf, "TIPS")
	require.Equal(t, []string{"TIPS"}, mgr.SupportedSubsystems())

	loggers["TIPS"].Debugf("hidden")
	loggers["TIPS"].Infof("common tip at %d", 7)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "TIPS: common tip at 7")

	mgr.SetLogLevels("trace")
	late := mgr.GenSubLogger("LATE")
	require.Equal(t, btclog.LevelTrace, late.Level())
}

// TestLogConfigValidate rejects unknown compressors and negative limits.
func TestLogConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	require.NoError(t, cfg.Validate())

	cfg.File.Compressor = Zstd
	require.NoError(t, cfg.Validate())

	cfg.File.Compressor = "rar"
	require.Error(t, cfg.Validate())

	cfg = DefaultLogConfig()
	cfg.File.MaxLogFiles = -1
	require.Error(t, cfg.Validate())
}

// TestRotatingLogWriter writes through the rotator into the log file.
func TestRotatingLogWriter(t *testing.T) {
	t.Parallel()

	logFile := filepath.Join(t.TempDir(), "logs", "walletsyncd.log")

	w := NewRotatingLogWriter()
	n, err := w.Write([]byte("dropped\n"))
	require.NoError(t, err)
	require.Equal(t, 8, n)

	cfg := DefaultLogConfig()
	require.NoError(t, w.InitLogRotator(cfg.File, logFile))

	_, err = w.Write([]byte("kept\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Equal(t, "kept\n", string(content))
}
