package main

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightninglabs/walletsync/btcdsource"
	"github.com/lightninglabs/walletsync/build"
	"github.com/lightninglabs/walletsync/coordinator"
	"github.com/lightninglabs/walletsync/eventbus"
	"github.com/lightninglabs/walletsync/monitoring"
	"github.com/lightninglabs/walletsync/signal"
	"github.com/lightninglabs/walletsync/synccfg"
	"github.com/lightninglabs/walletsync/tips"
	"github.com/lightninglabs/walletsync/walletmgr"
	"github.com/lightninglabs/walletsync/walletsync"
)

// Subsystem is the logging code of the daemon itself.
const Subsystem = "WSYD"

// log is the logger of the daemon. It stays silent until setupLoggers ran.
var log = btclog.Disabled

// setupLoggers hands every package a logger generated by the root logger.
func setupLoggers(root *build.SubLoggerManager) {
	root.RegisterSubLogger(Subsystem, func(l btclog.Logger) {
		log = l
	})

	root.RegisterSubLogger(signal.Subsystem, signal.UseLogger)
	root.RegisterSubLogger(synccfg.Subsystem, synccfg.UseLogger)
	root.RegisterSubLogger(eventbus.Subsystem, eventbus.UseLogger)
	root.RegisterSubLogger(btcdsource.Subsystem, btcdsource.UseLogger)
	root.RegisterSubLogger(tips.Subsystem, tips.UseLogger)
	root.RegisterSubLogger(walletmgr.Subsystem, walletmgr.UseLogger)
	root.RegisterSubLogger(walletsync.Subsystem, walletsync.UseLogger)
	root.RegisterSubLogger(coordinator.Subsystem, coordinator.UseLogger)
	root.RegisterSubLogger(monitoring.Subsystem, monitoring.UseLogger)
}
