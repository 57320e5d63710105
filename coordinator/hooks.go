package coordinator

import (
	"github.com/lightninglabs/walletsync/eventbus"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightninglabs/walletsync/tips"
	"github.com/lightninglabs/walletsync/walletmgr"
)

// WalletTipKey is the key the wallet tip is reconciled under.
const WalletTipKey = "WalletManager"

// walletTipProvider names the wallet tip towards the tip reconciler.
type walletTipProvider struct{}

// TipKey returns WalletTipKey.
func (walletTipProvider) TipKey() string {
	return WalletTipKey
}

// TipProvider returns the provider the wallet tip is reconciled as. It must
// be registered with the reconciler before it is initialized.
func TipProvider() tips.TipProvider {
	return walletTipProvider{}
}

// HookConfig lists the sinks of the wallet manager hooks. All fields are
// optional.
type HookConfig struct {
	// Bus receives AddressesCreated and TransactionsRemoved events.
	Bus *eventbus.Bus

	// TipStore persists the tip of every wallet after it moved.
	TipStore *WalletTipStore

	// Reconciler stores the wallet tip as a component tip.
	Reconciler *tips.Reconciler
}

// NewHooks returns the wallet manager hooks publishing wallet changes and
// persisting tips.
func NewHooks(cfg HookConfig) walletmgr.Hooks {
	return walletmgr.Hooks{
		AddressesCreated: func(wallet string,
			addrs []*hdwallet.Address) {

			publish(cfg.Bus, eventbus.AddressesCreated{
				Wallet:    wallet,
				Addresses: addrs,
			})
		},
		TransactionsRemoved: func(wallet string,
			removed []walletmgr.RemovedTx) {

			publish(cfg.Bus, eventbus.TransactionsRemoved{
				Wallet:  wallet,
				Removed: removed,
			})
		},
		TipUpdated: func(tip hdwallet.Tip, wallets []string) {
			persistTip(cfg, tip, wallets)
		},
	}
}

func publish(bus *eventbus.Bus, event eventbus.Event) {
	if bus == nil {
		return
	}

	if err := bus.Publish(event); err != nil {
		log.Debugf("Unable to publish %v: %v", event.Type(), err)
	}
}

// persistTip writes a moved tip. Failures are logged; the tips are written
// again with the next block.
func persistTip(cfg HookConfig, tip hdwallet.Tip, wallets []string) {
	if cfg.TipStore != nil && len(wallets) > 0 {
		if err := cfg.TipStore.SaveTips(tip, wallets...); err != nil {
			log.Errorf("Unable to persist tip %v of %d wallets: %v",
				tip.Hash, len(wallets), err)
		}
	}

	if cfg.Reconciler != nil {
		err := cfg.Reconciler.StoreTip(walletTipProvider{}, tip.Hash)
		if err != nil {
			log.Errorf("Unable to store wallet tip %v: %v",
				tip.Hash, err)
		}
	}
}
