package coordinator

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightninglabs/walletsync/chainview/chaintest"
	"github.com/lightninglabs/walletsync/eventbus"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightninglabs/walletsync/tips"
	"github.com/lightninglabs/walletsync/walletmgr"
	"github.com/lightninglabs/walletsync/walletsync"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const (
	testAccount = "default"

	waitTimeout = 5 * time.Second
	waitTick    = 10 * time.Millisecond
)

func openTestDB(t *testing.T) kvdb.Backend {
	t.Helper()

	db, err := kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(t.TempDir(), "wallet.db"),
		true, kvdb.DefaultDBTimeout, false,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

type testContext struct {
	t *testing.T
	h *chaintest.Harness

	bus        *eventbus.Bus
	m          *walletmgr.Manager
	s          *walletsync.Synchronizer
	c          *Coordinator
	store      *WalletTipStore
	reconciler *tips.Reconciler
	tick       *ticker.Force
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	h := chaintest.NewHarness(t)
	db := openTestDB(t)

	store, err := NewWalletTipStore(db)
	require.NoError(t, err)

	compStore, err := tips.NewDBStore(db)
	require.NoError(t, err)
	reconciler := tips.NewReconciler(compStore, h.Chain)
	reconciler.Register(TipProvider())

	bus := eventbus.New()
	require.NoError(t, bus.Start())

	m := walletmgr.New(walletmgr.Config{
		Chain:               h.Chain,
		Params:              h.Params,
		UnusedAddressBuffer: 3,
		Hooks: NewHooks(HookConfig{
			Bus:        bus,
			TipStore:   store,
			Reconciler: reconciler,
		}),
	})

	s, err := walletsync.New(&walletsync.Config{
		Chain:   h.Chain,
		Blocks:  h.Store,
		Wallets: m,
		Retry: walletsync.RetryPolicy{
			Attempts: 3,
			Backoff:  time.Millisecond,
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	tick := ticker.NewForce(time.Hour)
	c := New(&Config{
		Bus:            bus,
		Wallets:        m,
		Sync:           s,
		Chain:          h.Chain,
		TipStore:       store,
		DownloadTicker: tick,
	})

	t.Cleanup(func() {
		require.NoError(t, c.Stop())
		require.NoError(t, s.Stop())
		require.NoError(t, bus.Stop())
	})

	return &testContext{
		t:          t,
		h:          h,
		bus:        bus,
		m:          m,
		s:          s,
		c:          c,
		store:      store,
		reconciler: reconciler,
		tick:       tick,
	}
}

func (c *testContext) start() {
	require.NoError(c.t, c.c.Start(context.Background()))
}

func (c *testContext) publish(event eventbus.Event) {
	require.NoError(c.t, c.bus.Publish(event))
}

func (c *testContext) newWallet(name string,
	created time.Time) (*hdwallet.Wallet, *hdwallet.HDDeriver) {

	seed := bytes.Repeat([]byte(name[:1]), hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, c.h.Params)
	require.NoError(c.t, err)

	w := &hdwallet.Wallet{
		Name:         name,
		CreationTime: created,
		Network:      c.h.Params,
		Accounts: []*hdwallet.Account{{
			Name: testAccount,
		}},
	}

	return w, hdwallet.NewHDDeriver(master, c.h.Params)
}

func (c *testContext) waitForTip(hdr *chainview.Header) {
	require.Eventually(c.t, func() bool {
		return c.s.Tip().Hash == hdr.Hash
	}, waitTimeout, waitTick)
}

func (c *testContext) walletTip(name string) fn.Option[hdwallet.Tip] {
	tip, err := c.m.WalletTipOf(name)
	require.NoError(c.t, err)

	return tip
}

// TestCreatedWalletWaitsForDownload checks that a created wallet gets the
// chain tip as start point only once the header chain is downloaded.
func TestCreatedWalletWaitsForDownload(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.h.MineEmpty(3)
	ctx.start()

	w, deriver := ctx.newWallet("alice", time.Now())
	ctx.publish(eventbus.WalletCreated{Wallet: w, Deriver: deriver})

	require.Eventually(t, func() bool {
		return ctx.m.ContainsWallets() && ctx.c.PendingWallets() == 1
	}, waitTimeout, waitTick)
	require.True(t, ctx.walletTip("alice").IsNone())

	// A tick before the download finished changes nothing.
	ctx.tick.Force <- time.Now()
	require.Equal(t, 1, ctx.c.PendingWallets())

	ctx.h.Chain.SetDownloaded(true)
	ctx.tick.Force <- time.Now()

	require.Eventually(t, func() bool {
		return ctx.c.PendingWallets() == 0
	}, waitTimeout, waitTick)

	tip := ctx.walletTip("alice").UnsafeFromSome()
	require.Equal(t, ctx.h.Chain.Tip().Hash, tip.Hash)

	persisted, err := ctx.store.LoadTip("alice")
	require.NoError(t, err)
	require.Equal(t, tip.Hash, persisted.UnsafeFromSome().Hash)
}

// TestRecoveredWalletRescans recovers a wallet whose history lies below the
// synchronizer tip and checks that the history is picked up.
func TestRecoveredWalletRescans(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.h.Chain.SetDownloaded(true)
	ctx.start()

	w, deriver := ctx.newWallet("bob", time.Time{})
	first, err := deriver.DeriveAddress(0, 0, 0)
	require.NoError(t, err)

	// Without wallets the synchronizer tip follows the chain.
	var payment *chainview.Header
	for i := uint32(0); i < 5; i++ {
		var txs []*wire.MsgTx
		if i == 2 {
			txs = append(txs, chaintest.PayTo(
				7000, [][]byte{first.ScriptPubKey},
				chaintest.ExternalInput(i),
			))
		}

		block, hdr := ctx.h.Mine(txs...)
		if i == 2 {
			payment = hdr
		}
		ctx.publish(eventbus.BlockConnected{Block: block})
	}
	ctx.waitForTip(ctx.h.Chain.Tip())

	w.CreationTime = payment.Timestamp()
	ctx.publish(eventbus.WalletRecovered{Wallet: w, Deriver: deriver})

	require.Eventually(t, func() bool {
		return ctx.m.ContainsWallets() && ctx.c.PendingWallets() == 0
	}, waitTimeout, waitTick)
	require.Equal(t, payment.Height-1, ctx.s.Tip().Height)

	block, hdr := ctx.h.Mine()
	ctx.publish(eventbus.BlockConnected{Block: block})
	ctx.waitForTip(hdr)

	bal, err := ctx.m.AccountBalance("bob", testAccount)
	require.NoError(t, err)
	require.EqualValues(t, 7000, bal.Confirmed)

	// The tip moved through the hooks into both stores.
	persisted, err := ctx.store.LoadTip("bob")
	require.NoError(t, err)
	require.Equal(t, hdr.Hash, persisted.UnsafeFromSome().Hash)

	rec, err := ctx.reconciler.LoadTip(TipProvider())
	require.NoError(t, err)
	require.Equal(t, hdr.Height, rec.Height)
}

// TestUnconfirmedForwarded checks that mempool transactions reach the
// wallets.
func TestUnconfirmedForwarded(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.start()

	w, deriver := ctx.newWallet("carol", time.Now())
	w.Tip = fn.Some(hdwallet.Tip{Hash: ctx.h.Chain.Tip().Hash})
	ctx.publish(eventbus.WalletLoaded{Wallet: w, Deriver: deriver})

	addr, err := deriver.DeriveAddress(0, 0, 1)
	require.NoError(t, err)

	tx := chaintest.PayTo(
		2500, [][]byte{addr.ScriptPubKey}, chaintest.ExternalInput(9),
	)
	ctx.publish(eventbus.TransactionSeen{Tx: btcutil.NewTx(tx)})

	require.Eventually(t, func() bool {
		bal, err := ctx.m.AccountBalance("carol", testAccount)
		return err == nil && bal.Unconfirmed == 2500
	}, waitTimeout, waitTick)
	require.Zero(t, ctx.c.PendingWallets())
}

// TestAccountCreated checks that a requested account is created and that
// the derived addresses are announced.
func TestAccountCreated(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.start()

	created, err := ctx.bus.Subscribe(eventbus.TypeAddressesCreated)
	require.NoError(t, err)
	defer created.Cancel()

	w, deriver := ctx.newWallet("dave", time.Now())
	require.NoError(t, ctx.c.LoadWallets(
		context.Background(), []WalletLoad{{Wallet: w, Deriver: deriver}},
	))

	ctx.publish(eventbus.AccountCreated{Wallet: "dave", Account: "savings"})
	require.Eventually(t, func() bool {
		_, err := ctx.m.UnusedAddress("dave", "savings", false)
		return err == nil
	}, waitTimeout, waitTick)

	// Two branches of two accounts, each filled to the buffer.
	var total int
	for total < 4*3 {
		select {
		case update := <-created.Updates():
			event := update.(eventbus.AddressesCreated)
			require.Equal(t, "dave", event.Wallet)
			total += len(event.Addresses)

		case <-time.After(waitTimeout):
			t.Fatalf("only %d addresses announced", total)
		}
	}

	// A second request for the same account only tops up the pools.
	ctx.publish(eventbus.AccountCreated{Wallet: "dave", Account: "savings"})
	ctx.publish(eventbus.AccountCreated{Wallet: "nobody", Account: "x"})
}

// TestLoadWalletsRestoresTips loads wallets concurrently and checks that
// persisted tips are restored while wallets without one wait for a start
// point.
func TestLoadWalletsRestoresTips(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	_, hdr := ctx.h.Mine()

	saved := hdwallet.Tip{
		Hash:    hdr.Hash,
		Height:  hdr.Height,
		Locator: chainview.BlockLocator(hdr),
	}
	require.NoError(t, ctx.store.SaveTips(saved, "erin"))

	erin, erinDeriver := ctx.newWallet("erin", time.Now())
	frank, frankDeriver := ctx.newWallet("frank", time.Now())
	err := ctx.c.LoadWallets(context.Background(), []WalletLoad{
		{Wallet: erin, Deriver: erinDeriver},
		{Wallet: frank, Deriver: frankDeriver},
	})
	require.NoError(t, err)

	require.Equal(t, saved, ctx.walletTip("erin").UnsafeFromSome())
	require.True(t, ctx.walletTip("frank").IsNone())
	require.Equal(t, 1, ctx.c.PendingWallets())

	err = ctx.c.LoadWallets(context.Background(), []WalletLoad{
		{Wallet: erin, Deriver: erinDeriver},
	})
	require.ErrorIs(t, err, walletmgr.ErrDuplicateName)
}

// TestLoadedWalletBehindSync loads a wallet whose tip lags the sync and
// checks that the blocks above its tip are absorbed.
func TestLoadedWalletBehindSync(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	ctx.start()

	grace, deriver := ctx.newWallet("grace", time.Now())
	addr, err := deriver.DeriveAddress(0, hdwallet.ExternalBranch, 0)
	require.NoError(t, err)

	block, loadTip := ctx.h.Mine()
	ctx.publish(eventbus.BlockConnected{Block: block})
	block, _ = ctx.h.Mine(chaintest.PayTo(
		1000, [][]byte{addr.ScriptPubKey}, chaintest.ExternalInput(1),
	))
	ctx.publish(eventbus.BlockConnected{Block: block})
	block, tip := ctx.h.Mine()
	ctx.publish(eventbus.BlockConnected{Block: block})
	ctx.waitForTip(tip)

	grace.Tip = fn.Some(hdwallet.Tip{
		Hash:    loadTip.Hash,
		Height:  loadTip.Height,
		Locator: chainview.BlockLocator(loadTip),
	})
	ctx.publish(eventbus.WalletLoaded{Wallet: grace, Deriver: deriver})
	ctx.waitForTip(loadTip)

	block, tip = ctx.h.Mine()
	ctx.publish(eventbus.BlockConnected{Block: block})
	ctx.waitForTip(tip)

	bal, err := ctx.m.AccountBalance("grace", testAccount)
	require.NoError(t, err)
	require.EqualValues(t, 1000, bal.Confirmed)
}

// TestWalletTipStore covers the persistence of wallet tips.
func TestWalletTipStore(t *testing.T) {
	t.Parallel()

	store, err := NewWalletTipStore(openTestDB(t))
	require.NoError(t, err)

	tip, err := store.LoadTip("alice")
	require.NoError(t, err)
	require.True(t, tip.IsNone())

	h := chaintest.NewHarness(t)
	h.MineEmpty(4)
	hdr := h.Chain.Tip()
	want := hdwallet.Tip{
		Hash:    hdr.Hash,
		Height:  hdr.Height,
		Locator: chainview.BlockLocator(hdr),
	}
	require.NoError(t, store.SaveTips(want, "alice", "bob"))

	for _, name := range []string{"alice", "bob"} {
		tip, err := store.LoadTip(name)
		require.NoError(t, err)
		require.Equal(t, want, tip.UnsafeFromSome())
	}

	require.NoError(t, store.DeleteTip("alice"))
	tip, err = store.LoadTip("alice")
	require.NoError(t, err)
	require.True(t, tip.IsNone())
}
