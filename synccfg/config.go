// Package synccfg holds the configuration of the wallet sync daemon.
package synccfg

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightninglabs/walletsync/blockqueue"
	"github.com/lightninglabs/walletsync/build"
	"github.com/lightninglabs/walletsync/coordinator"
	"github.com/lightninglabs/walletsync/walletmgr"
	"github.com/lightninglabs/walletsync/walletsync"
)

const (
	// DefaultConfigFilename is the name of the config file inside the data
	// directory.
	DefaultConfigFilename = "walletsyncd.conf"

	// DefaultLogFilename is the name of the log file inside the log
	// directory.
	DefaultLogFilename = "walletsyncd.log"

	// DefaultDBFilename is the name of the database file.
	DefaultDBFilename = "walletsync.db"

	defaultDataDirname = "data"
	defaultLogDirname  = "logs"
	defaultLogLevel    = "info"

	defaultDBTimeout = 60 * time.Second

	defaultRPCHost = "localhost:8334"

	defaultPrometheusListen = "127.0.0.1:8989"

	defaultHealthInterval = time.Minute
	defaultHealthAttempts = 3
	defaultHealthTimeout  = 30 * time.Second
	defaultHealthBackoff  = 10 * time.Second
	minHealthInterval     = time.Second
)

var (
	// DefaultHomeDir is the default directory of the daemon.
	DefaultHomeDir = filepath.Join(homeDir(), ".walletsyncd")

	// DefaultConfigFile is the default path of the config file.
	DefaultConfigFile = filepath.Join(DefaultHomeDir, DefaultConfigFilename)

	// ErrInvalidNetwork is returned for an unknown network name.
	ErrInvalidNetwork = errors.New("invalid network")
)

// Sync configures the block synchronizer.
//
//nolint:lll
type Sync struct {
	MaxQueueBytes int64         `long:"maxqueuebytes" description:"Maximum serialized size of the blocks waiting to be absorbed. Blocks beyond it are dropped and replayed later."`
	QueueCapacity int           `long:"queuecapacity" description:"Maximum number of blocks waiting to be absorbed."`
	RetryAttempts int           `long:"retryattempts" description:"Number of times a missing block is read from the block store while replaying."`
	RetryBackoff  time.Duration `long:"retrybackoff" description:"Time to wait between two reads of a missing block."`
}

// DefaultSync returns the default synchronizer config.
func DefaultSync() *Sync {
	return &Sync{
		MaxQueueBytes: blockqueue.DefaultMaxBytes,
		QueueCapacity: blockqueue.DefaultCapacity,
		RetryAttempts: walletsync.DefaultRetryAttempts,
		RetryBackoff:  walletsync.DefaultRetryBackoff,
	}
}

// Validate checks the synchronizer config.
func (s *Sync) Validate() error {
	if s.MaxQueueBytes <= 0 {
		return fmt.Errorf("maxqueuebytes must be positive")
	}
	if s.QueueCapacity <= 0 {
		return fmt.Errorf("queuecapacity must be positive")
	}

	return s.RetryPolicy().Validate()
}

// RetryPolicy returns the replay retry policy.
func (s *Sync) RetryPolicy() walletsync.RetryPolicy {
	return walletsync.RetryPolicy{
		Attempts: s.RetryAttempts,
		Backoff:  s.RetryBackoff,
	}
}

// DB configures the database the tips are persisted in.
//
//nolint:lll
type DB struct {
	Path           string        `long:"path" description:"Path of the bolt database file."`
	Timeout        time.Duration `long:"timeout" description:"Time to wait for the database lock."`
	NoFreelistSync bool          `long:"nofreelistsync" description:"Do not sync the freelist to disk. Speeds up commits at the cost of a slower start."`
}

// DefaultDB returns the default database config.
func DefaultDB() *DB {
	return &DB{
		Timeout: defaultDBTimeout,
	}
}

// Validate checks the database config.
func (d *DB) Validate() error {
	if d.Timeout <= 0 {
		return fmt.Errorf("db timeout must be positive")
	}

	return nil
}

// Chain configures the connection to the chain backend.
//
//nolint:lll
type Chain struct {
	Network    string `long:"network" description:"The network the wallets live on." choice:"mainnet" choice:"testnet" choice:"regtest" choice:"simnet" choice:"signet"`
	RPCHost    string `long:"rpchost" description:"The btcd RPC host:port to connect to."`
	RPCUser    string `long:"rpcuser" description:"Username for RPC connections."`
	RPCPass    string `long:"rpcpass" default-mask:"-" description:"Password for RPC connections."`
	RPCCert    string `long:"rpccert" description:"File containing the RPC server certificate."`
	DisableTLS bool   `long:"notls" description:"Disable TLS for the RPC connection."`
}

// DefaultChain returns the default chain backend config.
func DefaultChain() *Chain {
	return &Chain{
		Network: chaincfg.MainNetParams.Name,
		RPCHost: defaultRPCHost,
	}
}

// Validate checks the chain backend config.
func (c *Chain) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}

	if _, _, err := net.SplitHostPort(c.RPCHost); err != nil {
		return fmt.Errorf("invalid rpchost %v: %w", c.RPCHost, err)
	}

	if c.RPCUser == "" || c.RPCPass == "" {
		return fmt.Errorf("rpcuser and rpcpass must be set")
	}

	return nil
}

// Params returns the parameters of the configured network.
func (c *Chain) Params() (*chaincfg.Params, error) {
	switch c.Network {
	case chaincfg.MainNetParams.Name:
		return &chaincfg.MainNetParams, nil
	case "testnet", chaincfg.TestNet3Params.Name:
		return &chaincfg.TestNet3Params, nil
	case chaincfg.RegressionNetParams.Name:
		return &chaincfg.RegressionNetParams, nil
	case chaincfg.SimNetParams.Name:
		return &chaincfg.SimNetParams, nil
	case chaincfg.SigNetParams.Name:
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidNetwork, c.Network)
	}
}

// Wallet configures the wallet manager and coordinator.
//
//nolint:lll
type Wallet struct {
	AddressBuffer        int           `long:"addressbuffer" description:"Number of unused addresses kept at the end of every branch."`
	DownloadPollInterval time.Duration `long:"downloadpoll" description:"How often new wallets check whether the header chain is downloaded."`
	Keys                 []string      `long:"xpub" description:"Extended key of a wallet to sync, as name:key. May be given multiple times."`
	Birthday             int64         `long:"birthday" description:"Unix time before which the configured wallets have no history. Wallets without a birthday start at the chain tip."`
}

// DefaultWallet returns the default wallet config.
func DefaultWallet() *Wallet {
	return &Wallet{
		AddressBuffer:        walletmgr.DefaultUnusedAddressBuffer,
		DownloadPollInterval: coordinator.DefaultDownloadPollInterval,
	}
}

// Validate checks the wallet config.
func (w *Wallet) Validate() error {
	if w.AddressBuffer <= 0 {
		return fmt.Errorf("addressbuffer must be positive")
	}
	if w.DownloadPollInterval <= 0 {
		return fmt.Errorf("downloadpoll must be positive")
	}
	if w.Birthday < 0 {
		return fmt.Errorf("birthday must not be negative")
	}

	seen := make(map[string]struct{}, len(w.Keys))
	for _, s := range w.Keys {
		name, _, err := SplitWalletKey(s)
		if err != nil {
			return err
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("wallet %v given twice", name)
		}
		seen[name] = struct{}{}
	}

	return nil
}

// SplitWalletKey splits a name:key wallet argument.
func SplitWalletKey(arg string) (string, string, error) {
	name, key, ok := strings.Cut(arg, ":")
	if !ok || name == "" || key == "" {
		return "", "", fmt.Errorf("invalid wallet %q, expected "+
			"name:key", arg)
	}

	return name, key, nil
}

// HealthCheck configures the periodic check of the chain backend
// connection. The daemon shuts down once all attempts of a check failed.
//
//nolint:lll
type HealthCheck struct {
	Interval time.Duration `long:"interval" description:"How often the chain backend is checked."`
	Attempts int           `long:"attempts" description:"The number of failed calls after which the daemon shuts down. Zero disables the check."`
	Timeout  time.Duration `long:"timeout" description:"The time a single call may take."`
	Backoff  time.Duration `long:"backoff" description:"The time to wait between failed calls."`
}

// DefaultHealthCheck returns the default health check config.
func DefaultHealthCheck() *HealthCheck {
	return &HealthCheck{
		Interval: defaultHealthInterval,
		Attempts: defaultHealthAttempts,
		Timeout:  defaultHealthTimeout,
		Backoff:  defaultHealthBackoff,
	}
}

// Validate checks the health check config.
func (h *HealthCheck) Validate() error {
	if h.Attempts < 0 {
		return fmt.Errorf("health check attempts must not be negative")
	}
	if h.Attempts == 0 {
		return nil
	}

	if h.Interval < minHealthInterval {
		return fmt.Errorf("health check interval must be at least %v",
			minHealthInterval)
	}
	if h.Timeout <= 0 || h.Backoff <= 0 {
		return fmt.Errorf("health check timeout and backoff must be " +
			"positive")
	}

	return nil
}

// Prometheus configures the metrics exporter.
//
//nolint:lll
type Prometheus struct {
	Enable bool   `long:"enable" description:"Export sync metrics for Prometheus."`
	Listen string `long:"listen" description:"The interface the metrics are served on."`
}

// DefaultPrometheus returns the default exporter config.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: defaultPrometheusListen,
	}
}

// Validate checks the exporter config.
func (p *Prometheus) Validate() error {
	if !p.Enable {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus listen address %v: %w",
			p.Listen, err)
	}

	return nil
}

// Config is the full daemon configuration.
//
//nolint:lll
type Config struct {
	HomeDir    string `long:"homedir" description:"The base directory of the daemon."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file."`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store data in."`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems."`

	Sync       *Sync            `group:"sync" namespace:"sync"`
	DB         *DB              `group:"db" namespace:"db"`
	Chain      *Chain           `group:"chain" namespace:"chain"`
	Wallet     *Wallet          `group:"wallet" namespace:"wallet"`
	Prometheus *Prometheus      `group:"prometheus" namespace:"prometheus"`
	Health     *HealthCheck     `group:"healthcheck" namespace:"healthcheck"`
	LogConfig  *build.LogConfig `group:"logging" namespace:"logging"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() Config {
	return Config{
		HomeDir:    DefaultHomeDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    filepath.Join(DefaultHomeDir, defaultDataDirname),
		LogDir:     filepath.Join(DefaultHomeDir, defaultLogDirname),
		DebugLevel: defaultLogLevel,
		Sync:       DefaultSync(),
		DB:         DefaultDB(),
		Chain:      DefaultChain(),
		Wallet:     DefaultWallet(),
		Prometheus: DefaultPrometheus(),
		Health:     DefaultHealthCheck(),
		LogConfig:  build.DefaultLogConfig(),
	}
}

// LoadConfig builds the config from the defaults, the config file and the
// command line, in increasing order of precedence.
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line to pick up an alternative config file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	homeDir := CleanAndExpandPath(preCfg.HomeDir)
	configFile := CleanAndExpandPath(preCfg.ConfigFile)
	if homeDir != DefaultHomeDir && configFile == DefaultConfigFile {
		configFile = filepath.Join(homeDir, DefaultConfigFilename)
	}

	cfg := preCfg
	parser := flags.NewParser(&cfg, flags.Default)

	var configFileError error
	err := flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		// A missing file is fine, a broken one is not.
		if _, ok := err.(*flags.IniError); ok {
			return nil, err
		}

		configFileError = err
	}

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, nil
}

// Validate checks every section and normalizes the paths. A home directory
// other than the default moves the data and log directories below it.
func (c *Config) Validate() error {
	homeDir := CleanAndExpandPath(c.HomeDir)
	if homeDir != DefaultHomeDir {
		if c.DataDir == filepath.Join(DefaultHomeDir, defaultDataDirname) {
			c.DataDir = filepath.Join(homeDir, defaultDataDirname)
		}
		if c.LogDir == filepath.Join(DefaultHomeDir, defaultLogDirname) {
			c.LogDir = filepath.Join(homeDir, defaultLogDirname)
		}
	}
	c.HomeDir = homeDir
	c.DataDir = CleanAndExpandPath(c.DataDir)
	c.LogDir = CleanAndExpandPath(c.LogDir)

	if c.DB.Path == "" {
		c.DB.Path = filepath.Join(c.DataDir, DefaultDBFilename)
	}
	c.DB.Path = CleanAndExpandPath(c.DB.Path)

	validators := []interface{ Validate() error }{
		c.Sync, c.DB, c.Chain, c.Wallet, c.Prometheus, c.Health,
		c.LogConfig,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// LogFile returns the path of the log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, DefaultLogFilename)
}

// CleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		path = strings.Replace(path, "~", homeDir(), 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}

func homeDir() string {
	if u, err := user.Current(); err == nil {
		return u.HomeDir
	}

	return os.Getenv("HOME")
}
