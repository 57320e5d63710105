package synccfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Chain.RPCUser = "user"
	cfg.Chain.RPCPass = "pass"

	return cfg
}

// TestValidate covers the section checks.
func TestValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{
			name:   "defaults with credentials",
			modify: func(*Config) {},
			valid:  true,
		},
		{
			name: "missing credentials",
			modify: func(c *Config) {
				c.Chain.RPCPass = ""
			},
		},
		{
			name: "unknown network",
			modify: func(c *Config) {
				c.Chain.Network = "moonnet"
			},
		},
		{
			name: "bad rpc host",
			modify: func(c *Config) {
				c.Chain.RPCHost = "localhost"
			},
		},
		{
			name: "empty queue",
			modify: func(c *Config) {
				c.Sync.MaxQueueBytes = 0
			},
		},
		{
			name: "no retry attempts",
			modify: func(c *Config) {
				c.Sync.RetryAttempts = 0
			},
		},
		{
			name: "no address buffer",
			modify: func(c *Config) {
				c.Wallet.AddressBuffer = 0
			},
		},
		{
			name: "malformed wallet key",
			modify: func(c *Config) {
				c.Wallet.Keys = []string{"nokey"}
			},
		},
		{
			name: "duplicate wallet",
			modify: func(c *Config) {
				c.Wallet.Keys = []string{"a:xpub1", "a:xpub2"}
			},
		},
		{
			name: "prometheus without port",
			modify: func(c *Config) {
				c.Prometheus.Enable = true
				c.Prometheus.Listen = "127.0.0.1"
			},
		},
		{
			name: "disabled prometheus is not checked",
			modify: func(c *Config) {
				c.Prometheus.Listen = "127.0.0.1"
			},
			valid: true,
		},
		{
			name: "negative birthday",
			modify: func(c *Config) {
				c.Wallet.Birthday = -1
			},
		},
		{
			name: "health check interval too short",
			modify: func(c *Config) {
				c.Health.Interval = time.Millisecond
			},
		},
		{
			name: "disabled health check is not checked",
			modify: func(c *Config) {
				c.Health.Attempts = 0
				c.Health.Interval = 0
			},
			valid: true,
		},
		{
			name: "unknown log compressor",
			modify: func(c *Config) {
				c.LogConfig.File.Compressor = "lzma"
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tc.modify(&cfg)

			err := cfg.Validate()
			if tc.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}
}

// TestLoadConfig checks that the command line wins over the config file and
// that paths follow the home directory.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	conf := `
[chain]
chain.network=regtest
chain.rpcuser=fileuser
chain.rpcpass=filepass

[sync]
sync.retryattempts=3
`
	err := os.WriteFile(
		filepath.Join(home, DefaultConfigFilename), []byte(conf), 0600,
	)
	require.NoError(t, err)

	cfg, err := LoadConfig([]string{
		"--homedir=" + home,
		"--chain.rpcuser=cliuser",
		"--sync.retrybackoff=250ms",
		"--wallet.xpub=alice:tpubKey",
	})
	require.NoError(t, err)

	require.Equal(t, "cliuser", cfg.Chain.RPCUser)
	require.Equal(t, "filepass", cfg.Chain.RPCPass)
	require.Equal(t, 3, cfg.Sync.RetryAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Sync.RetryBackoff)
	require.Equal(t, []string{"alice:tpubKey"}, cfg.Wallet.Keys)

	params, err := cfg.Chain.Params()
	require.NoError(t, err)
	require.Equal(t, chaincfg.RegressionNetParams.Name, params.Name)

	require.Equal(t, filepath.Join(home, defaultDataDirname), cfg.DataDir)
	require.Equal(t, filepath.Join(home, defaultDataDirname,
		DefaultDBFilename), cfg.DB.Path)
	require.Equal(t, filepath.Join(home, defaultLogDirname,
		DefaultLogFilename), cfg.LogFile())
}

func TestSplitWalletKey(t *testing.T) {
	t.Parallel()

	name, key, err := SplitWalletKey("bob:xpub:with:colons")
	require.NoError(t, err)
	require.Equal(t, "bob", name)
	require.Equal(t, "xpub:with:colons", key)

	_, _, err = SplitWalletKey(":xpub")
	require.Error(t, err)
}
