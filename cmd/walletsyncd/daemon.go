package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/lightninglabs/walletsync/btcdsource"
	"github.com/lightninglabs/walletsync/build"
	"github.com/lightninglabs/walletsync/coordinator"
	"github.com/lightninglabs/walletsync/eventbus"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightninglabs/walletsync/monitoring"
	"github.com/lightninglabs/walletsync/signal"
	"github.com/lightninglabs/walletsync/synccfg"
	"github.com/lightninglabs/walletsync/tips"
	"github.com/lightninglabs/walletsync/walletmgr"
	"github.com/lightninglabs/walletsync/walletsync"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// defaultAccount is the account every configured wallet gets.
	defaultAccount = "default"

	// exporterShutdownTimeout bounds the wait for running scrapes.
	exporterShutdownTimeout = 5 * time.Second
)

// Main is the true entry point of the daemon. It returns once the
// interceptor signals a shutdown or a component failed to start.
func Main(cfg *synccfg.Config, interceptor *signal.Interceptor) error {
	logWriter := build.NewRotatingLogWriter()
	if err := logWriter.InitLogRotator(
		cfg.LogConfig.File, cfg.LogFile(),
	); err != nil {
		return fmt.Errorf("unable to init log rotator: %w", err)
	}
	defer logWriter.Close()

	logMgr := build.NewSubLoggerManager(
		build.NewDefaultLogHandler(cfg.LogConfig, logWriter),
	)
	setupLoggers(logMgr)
	if err := build.ParseAndSetDebugLevels(
		cfg.DebugLevel, logMgr,
	); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	params, err := cfg.Chain.Params()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("unable to create data dir: %w", err)
	}
	db, err := kvdb.Create(
		kvdb.BoltBackendName, cfg.DB.Path, cfg.DB.NoFreelistSync,
		cfg.DB.Timeout, false,
	)
	if err != nil {
		return fmt.Errorf("unable to open database: %w", err)
	}
	defer db.Close()

	bus := eventbus.New()
	if err := bus.Start(); err != nil {
		return err
	}
	defer bus.Stop()

	connCfg, err := rpcConfig(cfg.Chain)
	if err != nil {
		return err
	}
	source, err := btcdsource.NewRPCSource(*connCfg, params, bus)
	if err != nil {
		return fmt.Errorf("unable to create chain source: %w", err)
	}
	if err := source.Start(); err != nil {
		return fmt.Errorf("unable to start chain source: %w", err)
	}
	defer source.Stop()
	chain := source.Chain()

	// The tips of all components are reconciled before any of them
	// consumes a block.
	tipDB, err := tips.NewDBStore(db)
	if err != nil {
		return err
	}
	reconciler := tips.NewReconciler(tipDB, chain)
	reconciler.Register(coordinator.TipProvider())
	if err := reconciler.Initialize(chain.Tip()); err != nil {
		return fmt.Errorf("unable to reconcile tips: %w", err)
	}
	startTip, err := reconciler.CommonTip()
	if err != nil {
		return err
	}

	walletTips, err := coordinator.NewWalletTipStore(db)
	if err != nil {
		return err
	}

	wallets := walletmgr.New(walletmgr.Config{
		Chain:               chain,
		Params:              params,
		UnusedAddressBuffer: cfg.Wallet.AddressBuffer,
		Clock:               clock.NewDefaultClock(),
		Hooks: coordinator.NewHooks(coordinator.HookConfig{
			Bus:        bus,
			TipStore:   walletTips,
			Reconciler: reconciler,
		}),
	})

	syncer, err := walletsync.New(&walletsync.Config{
		Chain:         chain,
		Blocks:        source,
		Wallets:       wallets,
		Retry:         cfg.Sync.RetryPolicy(),
		MaxQueueBytes: cfg.Sync.MaxQueueBytes,
		QueueCapacity: cfg.Sync.QueueCapacity,
		StartTip:      fn.Some(startTip),
	})
	if err != nil {
		return err
	}

	coord := coordinator.New(&coordinator.Config{
		Bus:      bus,
		Wallets:  wallets,
		Sync:     syncer,
		Chain:    chain,
		TipStore: walletTips,
		DownloadTicker: ticker.New(
			cfg.Wallet.DownloadPollInterval,
		),
	})

	// Wallets are registered with their persisted tips before the
	// synchronizer resolves the wallet tip against the chain.
	loads, err := walletLoads(cfg.Wallet, params)
	if err != nil {
		return err
	}
	if err := coord.LoadWallets(ctx, loads); err != nil {
		return fmt.Errorf("unable to load wallets: %w", err)
	}

	if err := syncer.Start(ctx); err != nil {
		return fmt.Errorf("unable to start synchronizer: %w", err)
	}
	defer syncer.Stop()

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("unable to start coordinator: %w", err)
	}
	defer coord.Stop()

	for _, load := range loads {
		err := bus.Publish(eventbus.AccountCreated{
			Wallet:  load.Wallet.Name,
			Account: defaultAccount,
		})
		if err != nil {
			return err
		}
	}

	if cfg.Health.Attempts > 0 {
		monitor := healthcheck.NewMonitor(&healthcheck.Config{
			Checks: []*healthcheck.Observation{
				healthcheck.NewObservation(
					"chain backend", source.CheckConnection,
					cfg.Health.Interval, cfg.Health.Timeout,
					cfg.Health.Backoff, cfg.Health.Attempts,
				),
			},
			Shutdown: func(format string, args ...interface{}) {
				log.Criticalf(format, args...)
				interceptor.RequestShutdown()
			},
		})
		if err := monitor.Start(); err != nil {
			return err
		}
		defer monitor.Stop()
	}

	if cfg.Prometheus.Enable {
		exporter := monitoring.NewExporter(cfg.Prometheus.Listen)
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("unable to start exporter: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(
				context.Background(), exporterShutdownTimeout,
			)
			defer cancel()

			if err := exporter.Stop(ctx); err != nil {
				log.Errorf("Unable to stop exporter: %v", err)
			}
		}()
	}

	log.Infof("Syncing %d wallets on %v from %v", len(loads), params.Name,
		syncer.Tip())

	<-interceptor.ShutdownChannel()

	log.Infof("Shutdown complete, wallet tip at height %d",
		wallets.LastBlockHeight())

	return nil
}

// rpcConfig builds the connection config of the btcd client.
func rpcConfig(cfg *synccfg.Chain) (*rpcclient.ConnConfig, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:       cfg.RPCHost,
		User:       cfg.RPCUser,
		Pass:       cfg.RPCPass,
		DisableTLS: cfg.DisableTLS,
	}

	if !cfg.DisableTLS && cfg.RPCCert != "" {
		cert, err := os.ReadFile(synccfg.CleanAndExpandPath(cfg.RPCCert))
		if err != nil {
			return nil, fmt.Errorf("unable to read rpc cert: %w",
				err)
		}
		connCfg.Certificates = cert
	}

	return connCfg, nil
}

// walletLoads creates the wallets named on the command line. Their tips are
// filled in from the tip store while loading.
func walletLoads(cfg *synccfg.Wallet,
	params *chaincfg.Params) ([]coordinator.WalletLoad, error) {

	var birthday time.Time
	if cfg.Birthday > 0 {
		birthday = time.Unix(cfg.Birthday, 0)
	}

	loads := make([]coordinator.WalletLoad, 0, len(cfg.Keys))
	for _, arg := range cfg.Keys {
		name, key, err := synccfg.SplitWalletKey(arg)
		if err != nil {
			return nil, err
		}

		deriver, err := hdwallet.NewHDDeriverFromString(key, params)
		if err != nil {
			return nil, fmt.Errorf("wallet %v: %w", name, err)
		}

		loads = append(loads, coordinator.WalletLoad{
			Wallet: &hdwallet.Wallet{
				Name:         name,
				CreationTime: birthday,
				Network:      params,
				Tip:          fn.None[hdwallet.Tip](),
			},
			Deriver: deriver,
		})
	}

	return loads, nil
}
