// Package coordinator reacts to wallet lifecycle and chain events. It
// registers wallets with the wallet manager, keeps their address pools
// filled, assigns the sync start point of new wallets once the header chain
// is downloaded and forwards blocks and transactions to the synchronizer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightninglabs/walletsync/eventbus"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightninglabs/walletsync/walletmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

// DefaultDownloadPollInterval is how often a wallet waiting for its sync
// start point checks whether the header chain is downloaded.
const DefaultDownloadPollInterval = 5 * time.Second

// Synchronizer is the block synchronizer the chain events are forwarded to.
type Synchronizer interface {
	// ProcessBlock hands a connected block to the synchronizer.
	ProcessBlock(block *btcutil.Block)

	// ProcessTransaction absorbs an unconfirmed transaction.
	ProcessTransaction(tx *btcutil.Tx)

	// SyncFromHeight restarts the sync at the given height.
	SyncFromHeight(height int32) error

	// ResolveWalletTip restarts the sync at the wallet tip if a loaded
	// wallet moved it back.
	ResolveWalletTip()

	// Tip returns the last block reflected in the wallets.
	Tip() *chainview.Header
}

// Config holds the collaborators of the coordinator.
type Config struct {
	// Bus delivers the events the coordinator reacts to.
	Bus *eventbus.Bus

	// Wallets is the wallet manager the wallets are registered with.
	Wallets *walletmgr.Manager

	// Sync receives blocks and transactions.
	Sync Synchronizer

	// Chain is used to decide when the header chain is downloaded and
	// where new wallets start syncing.
	Chain chainview.ChainIndex

	// TipStore, if set, provides the persisted tips of loaded wallets.
	TipStore *WalletTipStore

	// DownloadTicker drives the wait for the header chain download. It is
	// only active while a wallet waits for its sync start point.
	DownloadTicker ticker.Ticker
}

// WalletLoad is a wallet read from storage together with its key deriver.
type WalletLoad struct {
	Wallet  *hdwallet.Wallet
	Deriver hdwallet.KeyDeriver
}

// pendingTip is a wallet waiting for its sync start point.
type pendingTip struct {
	// from is the time the wallet history starts at. The zero time
	// selects the chain tip.
	from time.Time
}

// Coordinator dispatches wallet lifecycle and chain events.
type Coordinator struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	sub *eventbus.Subscription
	gm  *fn.GoroutineManager

	// wake asks the event loop to look at the pending wallets. The
	// download ticker is only touched by the event loop.
	wake chan struct{}

	pendingMtx sync.Mutex
	pending    map[string]pendingTip
}

// New creates a coordinator.
func New(cfg *Config) *Coordinator {
	if cfg.DownloadTicker == nil {
		cfg.DownloadTicker = ticker.New(DefaultDownloadPollInterval)
	}

	return &Coordinator{
		cfg:     cfg,
		gm:      fn.NewGoroutineManager(),
		wake:    make(chan struct{}, 1),
		pending: make(map[string]pendingTip),
	}
}

// Start subscribes to the bus and launches the event loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already started")
	}

	sub, err := c.cfg.Bus.Subscribe(
		eventbus.TypeWalletCreated, eventbus.TypeWalletRecovered,
		eventbus.TypeWalletLoaded, eventbus.TypeAccountCreated,
		eventbus.TypeBlockConnected, eventbus.TypeTransactionSeen,
	)
	if err != nil {
		return err
	}
	c.sub = sub

	if !c.gm.Go(ctx, c.eventLoop) {
		sub.Cancel()
		return fmt.Errorf("coordinator is shutting down")
	}

	log.Infof("Wallet coordinator started")

	return nil
}

// Stop cancels the subscription and waits for the event loop to exit.
func (c *Coordinator) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	c.gm.Stop()
	c.cfg.DownloadTicker.Stop()
	if c.sub != nil {
		c.sub.Cancel()
	}

	log.Infof("Wallet coordinator stopped")

	return nil
}

// LoadWallets registers wallets read from storage. The persisted tips are
// read concurrently; a wallet without a tip waits for its start point like a
// recovered wallet.
func (c *Coordinator) LoadWallets(ctx context.Context,
	loads []WalletLoad) error {

	eg, ctx := errgroup.WithContext(ctx)
	for _, load := range loads {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := c.restoreTip(load.Wallet); err != nil {
				return err
			}

			return c.handleLoaded(load.Wallet, load.Deriver)
		})
	}

	return eg.Wait()
}

// restoreTip fills in the persisted tip of a wallet that has none.
func (c *Coordinator) restoreTip(w *hdwallet.Wallet) error {
	if c.cfg.TipStore == nil || w.Tip.IsSome() {
		return nil
	}

	tip, err := c.cfg.TipStore.LoadTip(w.Name)
	if err != nil {
		return fmt.Errorf("unable to load tip of wallet %v: %w",
			w.Name, err)
	}
	w.Tip = tip

	return nil
}

// PendingWallets returns the number of wallets waiting for their sync start
// point.
func (c *Coordinator) PendingWallets() int {
	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()

	return len(c.pending)
}

// eventLoop handles the subscribed events and the download ticks.
func (c *Coordinator) eventLoop(ctx context.Context) {
	for {
		select {
		case update, ok := <-c.sub.Updates():
			if !ok {
				return
			}

			event, ok := update.(eventbus.Event)
			if !ok {
				log.Warnf("Unexpected update %T", update)
				continue
			}

			if err := c.handleEvent(event); err != nil {
				log.Errorf("Unable to handle %v: %v",
					event.Type(), err)
			}

		case <-c.wake:
			c.assignPendingTips()

		case <-c.cfg.DownloadTicker.Ticks():
			c.assignPendingTips()

		case <-c.sub.Quit():
			return

		case <-ctx.Done():
			return
		}
	}
}

// handleEvent dispatches a single event.
func (c *Coordinator) handleEvent(event eventbus.Event) error {
	switch e := event.(type) {
	case eventbus.BlockConnected:
		c.cfg.Sync.ProcessBlock(e.Block)

	case eventbus.TransactionSeen:
		c.cfg.Sync.ProcessTransaction(e.Tx)

	case eventbus.WalletLoaded:
		return c.handleLoaded(e.Wallet, e.Deriver)

	case eventbus.WalletCreated:
		return c.handleNew(e.Wallet, e.Deriver, time.Time{})

	case eventbus.WalletRecovered:
		return c.handleNew(
			e.Wallet, e.Deriver, e.Wallet.CreationTime,
		)

	case eventbus.AccountCreated:
		return c.handleAccount(e.Wallet, e.Account)

	default:
		log.Debugf("Ignoring %v", event.Type())
	}

	return nil
}

// handleLoaded registers a stored wallet. It keeps its tip if it has one.
func (c *Coordinator) handleLoaded(w *hdwallet.Wallet,
	deriver hdwallet.KeyDeriver) error {

	needsTip := w.Tip.IsNone()
	if err := c.cfg.Wallets.AddWallet(w, deriver); err != nil {
		return err
	}

	if needsTip {
		c.schedule(w.Name, w.CreationTime)
		return nil
	}

	c.cfg.Sync.ResolveWalletTip()

	return nil
}

// handleNew registers a created or recovered wallet and schedules its start
// point.
func (c *Coordinator) handleNew(w *hdwallet.Wallet,
	deriver hdwallet.KeyDeriver, from time.Time) error {

	w.Tip = fn.None[hdwallet.Tip]()
	if err := c.cfg.Wallets.AddWallet(w, deriver); err != nil {
		return err
	}

	c.schedule(w.Name, from)

	return nil
}

// handleAccount creates an account unless it exists and fills its address
// pools.
func (c *Coordinator) handleAccount(wallet, account string) error {
	_, err := c.cfg.Wallets.CreateAccount(wallet, account)
	switch {
	case errors.Is(err, walletmgr.ErrDuplicateName):
		_, err = c.cfg.Wallets.ReplenishPools(wallet)
		return err

	case err != nil:
		return err
	}

	log.Infof("Created account %v in wallet %v", account, wallet)

	return nil
}

// schedule queues a wallet for the assignment of its start point and wakes
// the event loop to try right away.
func (c *Coordinator) schedule(wallet string, from time.Time) {
	c.pendingMtx.Lock()
	c.pending[wallet] = pendingTip{from: from}
	c.pendingMtx.Unlock()

	log.Debugf("Wallet %v waiting for header download", wallet)

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// assignPendingTips assigns the start points of the waiting wallets once the
// header chain is downloaded. The ticker is paused while nothing waits.
func (c *Coordinator) assignPendingTips() {
	c.pendingMtx.Lock()
	defer c.pendingMtx.Unlock()

	if len(c.pending) == 0 {
		c.cfg.DownloadTicker.Pause()
		return
	}

	if !c.cfg.Chain.IsDownloaded() {
		c.cfg.DownloadTicker.Resume()
		return
	}

	for wallet, p := range c.pending {
		if err := c.assignTip(wallet, p); err != nil {
			log.Errorf("Unable to assign tip of wallet %v: %v",
				wallet, err)

			continue
		}
		delete(c.pending, wallet)
	}

	if len(c.pending) == 0 {
		c.cfg.DownloadTicker.Pause()
	}
}

// assignTip sets the start point of a wallet: the chain tip for a new wallet,
// otherwise the block right before the first block not older than the start
// of its history. A start point below the synchronizer tip rewinds the sync
// to pick up that history.
func (c *Coordinator) assignTip(wallet string, p pendingTip) error {
	hdr := c.cfg.Chain.Tip()
	if !p.from.IsZero() {
		height := c.cfg.Chain.HeightForTime(p.from)
		if height > 0 {
			height--
		}
		if h, ok := c.cfg.Chain.HeaderByHeight(height); ok {
			hdr = h
		}
	}

	if err := c.cfg.Wallets.SetWalletTipOf(wallet, hdr); err != nil {
		return err
	}

	log.Infof("Wallet %v starts syncing at %v", wallet, hdr)

	if tip := c.cfg.Sync.Tip(); tip != nil && hdr.Height < tip.Height {
		return c.cfg.Sync.SyncFromHeight(hdr.Height)
	}

	return nil
}
