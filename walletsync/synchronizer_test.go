package walletsync

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightninglabs/walletsync/chainview/chaintest"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightninglabs/walletsync/walletmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const (
	testWallet  = "alice"
	testAccount = "default"

	waitTimeout = 5 * time.Second
	waitTick    = 10 * time.Millisecond
)

// countingStore counts the fetches per block.
type countingStore struct {
	chainview.BlockStore

	mtx     sync.Mutex
	fetches map[chainhash.Hash]int
}

func (c *countingStore) FetchBlock(hash *chainhash.Hash) (*btcutil.Block,
	error) {

	c.mtx.Lock()
	c.fetches[*hash]++
	c.mtx.Unlock()

	return c.BlockStore.FetchBlock(hash)
}

func (c *countingStore) count(hash chainhash.Hash) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.fetches[hash]
}

type testContext struct {
	t     *testing.T
	h     *chaintest.Harness
	m     *walletmgr.Manager
	s     *Synchronizer
	store *countingStore

	// startTip is handed to the synchronizer created by start.
	startTip fn.Option[*chainview.Header]
}

func newTestContext(t *testing.T, withWallet bool) *testContext {
	t.Helper()

	h := chaintest.NewHarness(t)
	m := newManager(h)

	if withWallet {
		err := m.AddWallet(
			newTestWallet(testWallet, h, fn.None[hdwallet.Tip]()),
			newTestDeriver(t, h, 0x22),
		)
		require.NoError(t, err)
	}

	return &testContext{
		t: t,
		h: h,
		m: m,
		store: &countingStore{
			BlockStore: h.Store,
			fetches:    make(map[chainhash.Hash]int),
		},
	}
}

// newManager creates a manager starting at the tip of the harness chain.
func newManager(h *chaintest.Harness) *walletmgr.Manager {
	return walletmgr.New(walletmgr.Config{
		Chain:               h.Chain,
		Params:              h.Params,
		UnusedAddressBuffer: 5,
	})
}

func newTestDeriver(t *testing.T, h *chaintest.Harness,
	seed byte) *hdwallet.HDDeriver {

	master, err := hdkeychain.NewMaster(
		bytes.Repeat([]byte{seed}, hdkeychain.RecommendedSeedLen),
		h.Params,
	)
	require.NoError(t, err)

	return hdwallet.NewHDDeriver(master, h.Params)
}

func newTestWallet(name string, h *chaintest.Harness,
	tip fn.Option[hdwallet.Tip]) *hdwallet.Wallet {

	return &hdwallet.Wallet{
		Name:         name,
		CreationTime: h.Params.GenesisBlock.Header.Timestamp,
		Network:      h.Params,
		Accounts: []*hdwallet.Account{{
			Name: testAccount,
		}},
		Tip: tip,
	}
}

// tipAt returns a wallet tip at the given block.
func tipAt(hdr *chainview.Header) fn.Option[hdwallet.Tip] {
	return fn.Some(hdwallet.Tip{
		Hash:    hdr.Hash,
		Height:  hdr.Height,
		Locator: chainview.BlockLocator(hdr),
	})
}

// start creates and starts the synchronizer.
func (c *testContext) start() {
	s, err := New(&Config{
		Chain:   c.h.Chain,
		Blocks:  c.store,
		Wallets: c.m,
		Retry: RetryPolicy{
			Attempts: DefaultRetryAttempts,
			Backoff:  time.Millisecond,
		},
		StartTip: c.startTip,
	})
	require.NoError(c.t, err)
	require.NoError(c.t, s.Start(context.Background()))
	c.t.Cleanup(func() {
		require.NoError(c.t, s.Stop())
	})

	c.s = s
}

func (c *testContext) waitForTip(hdr *chainview.Header) {
	require.Eventually(c.t, func() bool {
		return c.s.Tip().Hash == hdr.Hash
	}, waitTimeout, waitTick)

	hash, height := c.m.WalletTip()
	require.Equal(c.t, hdr.Hash, hash)
	require.Equal(c.t, hdr.Height, height)
	require.Equal(c.t, StateCaughtUp, c.s.State())
}

// receive returns the script of the first unused receiving address.
func (c *testContext) receive() []byte {
	addr, err := c.m.UnusedAddress(testWallet, testAccount, false)
	require.NoError(c.t, err)

	info, err := c.m.AddressByString(testWallet, addr)
	require.NoError(c.t, err)

	return info.ScriptPubKey
}

func (c *testContext) balance() btcutil.Amount {
	utxos, err := c.m.SpendableOutputs(testWallet, testAccount, 0)
	require.NoError(c.t, err)

	var total btcutil.Amount
	for _, u := range utxos {
		total += u.Record.Amount
	}

	return total
}

// TestConnectInOrder delivers consecutive blocks.
func TestConnectInOrder(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, true)
	ctx.start()
	require.Equal(t, StateCaughtUp, ctx.s.State())

	var tip *chainview.Header
	for i := uint32(0); i < 3; i++ {
		var block *btcutil.Block
		block, tip = ctx.h.Mine(chaintest.PayTo(
			1000, [][]byte{ctx.receive()},
			chaintest.ExternalInput(i),
		))
		ctx.s.ProcessBlock(block)
		ctx.waitForTip(tip)
	}

	require.EqualValues(t, 3000, ctx.balance())
	require.Zero(t, ctx.s.QueueSize())
}

// TestReplayGap delivers only the last of several blocks; the missed ones are
// read from the block store.
func TestReplayGap(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, true)
	ctx.start()

	script := ctx.receive()
	var last *btcutil.Block
	for i := uint32(0); i < 4; i++ {
		last, _ = ctx.h.Mine(chaintest.PayTo(
			500, [][]byte{script}, chaintest.ExternalInput(i),
		))
	}

	ctx.s.ProcessBlock(last)
	ctx.waitForTip(ctx.h.Chain.Tip())
	require.EqualValues(t, 2000, ctx.balance())
}

// TestReorg syncs to one branch and then delivers the tip of a longer
// competing branch.
func TestReorg(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, true)
	ctx.start()

	script := ctx.receive()
	block1, fork := ctx.h.Mine(chaintest.PayTo(
		1000, [][]byte{script}, chaintest.ExternalInput(1),
	))
	ctx.s.ProcessBlock(block1)

	block2, hdr2 := ctx.h.Mine(chaintest.PayTo(
		2000, [][]byte{script}, chaintest.ExternalInput(2),
	))
	ctx.s.ProcessBlock(block2)
	ctx.waitForTip(hdr2)
	require.EqualValues(t, 3000, ctx.balance())

	alt := chaintest.PayTo(
		4000, [][]byte{script}, chaintest.ExternalInput(3),
	)
	_, altHdr2 := ctx.h.MakeBlock(fork, alt)
	blocks, altTip := ctx.h.Branch(altHdr2, 2)
	ctx.h.Activate(altTip)

	ctx.s.ProcessBlock(blocks[len(blocks)-1])
	ctx.waitForTip(altTip)
	require.EqualValues(t, 5000, ctx.balance())

	recs, err := ctx.m.Transactions(testWallet)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NotEqual(t, *block2.Transactions()[1].Hash(), rec.ID)
	}
}

// TestStaleBlockDiscarded delivers a block that is not on the active chain.
func TestStaleBlockDiscarded(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, true)
	ctx.start()

	stale, _ := ctx.h.MakeBlock(ctx.h.Chain.Tip(), chaintest.PayTo(
		1000, [][]byte{ctx.receive()}, chaintest.ExternalInput(1),
	))
	ctx.s.ProcessBlock(stale)

	block, hdr := ctx.h.Mine()
	ctx.s.ProcessBlock(block)
	ctx.waitForTip(hdr)

	require.Zero(t, ctx.balance())
}

// TestReplayRetry removes a block from the store and checks that the replay
// gives up after the configured attempts and completes once the block shows
// up and another block is delivered.
func TestReplayRetry(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, true)
	ctx.start()

	blocks := ctx.h.MineEmpty(3)
	hdr1, _ := ctx.h.Chain.HeaderByHeight(1)
	missing := blocks[1]
	ctx.h.Store.RemoveBlock(missing.Hash())

	ctx.s.ProcessBlock(blocks[2])
	require.Eventually(t, func() bool {
		return ctx.store.count(*missing.Hash()) ==
			DefaultRetryAttempts
	}, waitTimeout, waitTick)
	require.Eventually(t, func() bool {
		return ctx.s.State() == StateCaughtUp
	}, waitTimeout, waitTick)
	require.Equal(t, hdr1.Hash, ctx.s.Tip().Hash)

	ctx.h.Store.AddBlock(missing)
	block, hdr := ctx.h.Mine()
	ctx.s.ProcessBlock(block)
	ctx.waitForTip(hdr)
}

// TestStartRecoversFork starts on a wallet tip that a reorganization removed
// from the active chain while the synchronizer was down.
func TestStartRecoversFork(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, true)

	script := ctx.receive()
	var fork *chainview.Header
	for i := uint32(0); i < 3; i++ {
		block, hdr := ctx.h.Mine(chaintest.PayTo(
			1000, [][]byte{script}, chaintest.ExternalInput(i),
		))
		require.NoError(t, ctx.m.ProcessBlock(block, hdr))
		if hdr.Height == 1 {
			fork = hdr
		}
	}

	altBlocks, altTip := ctx.h.Branch(fork, 3)
	ctx.h.Activate(altTip)

	ctx.start()
	require.Equal(t, fork.Hash, ctx.s.Tip().Hash)
	_, height := ctx.m.WalletTip()
	require.Equal(t, fork.Height, height)
	require.EqualValues(t, 1000, ctx.balance())

	ctx.s.ProcessBlock(altBlocks[len(altBlocks)-1])
	ctx.waitForTip(altTip)
}

// TestSyncFromDate rewinds the tip to the block at a point in time.
func TestSyncFromDate(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, true)
	ctx.start()

	blocks := ctx.h.MineEmpty(5)
	ctx.s.ProcessBlock(blocks[4])
	ctx.waitForTip(ctx.h.Chain.Tip())

	hdr3, _ := ctx.h.Chain.HeaderByHeight(3)
	require.NoError(t, ctx.s.SyncFromDate(hdr3.Timestamp()))
	require.Equal(t, hdr3.Hash, ctx.s.Tip().Hash)
	require.EqualValues(t, 3, ctx.m.LastBlockHeight())

	require.ErrorIs(t, ctx.s.SyncFromHeight(42), ErrInvalidHeight)

	// The next block replays what lies above the rewound tip.
	block, hdr := ctx.h.Mine()
	ctx.s.ProcessBlock(block)
	ctx.waitForTip(hdr)
}

// TestNoWallets checks that without wallets the tip follows the chain
// without queueing blocks.
func TestNoWallets(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, false)
	ctx.start()

	block, hdr := ctx.h.Mine()
	ctx.s.ProcessBlock(block)
	require.Equal(t, hdr.Hash, ctx.s.Tip().Hash)
	require.Zero(t, ctx.s.QueueSize())

	hash, _ := ctx.m.WalletTip()
	require.Equal(t, hdr.Hash, hash)
}

// TestUnconfirmedTransaction forwards a loose transaction to the wallets.
func TestUnconfirmedTransaction(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, true)
	ctx.start()

	tx := chaintest.PayTo(
		1500, [][]byte{ctx.receive()}, chaintest.ExternalInput(1),
	)
	ctx.s.ProcessTransaction(btcutil.NewTx(tx))
	require.EqualValues(t, 1500, ctx.balance())

	bal, err := ctx.m.AccountBalance(testWallet, testAccount)
	require.NoError(t, err)
	require.EqualValues(t, 1500, bal.Unconfirmed)
}

// TestRetryPolicyValidate covers the policy checks.
func TestRetryPolicyValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		policy RetryPolicy
		valid  bool
	}{
		{
			name:   "default",
			policy: DefaultRetryPolicy(),
			valid:  true,
		},
		{
			name:   "no attempts",
			policy: RetryPolicy{Backoff: time.Second},
		},
		{
			name: "negative backoff",
			policy: RetryPolicy{
				Attempts: 1,
				Backoff:  -time.Second,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}
}

// TestStartReplaysMissedBlocks restarts with a wallet whose tip lags the
// chain and checks that the blocks it missed are absorbed.
func TestStartReplaysMissedBlocks(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, false)
	ctx.h.MineEmpty(2)
	walletTip := ctx.h.Chain.Tip()

	deriver := newTestDeriver(t, ctx.h, 0x22)
	addr, err := deriver.DeriveAddress(0, hdwallet.ExternalBranch, 0)
	require.NoError(t, err)

	_, paid := ctx.h.Mine(chaintest.PayTo(
		1000, [][]byte{addr.ScriptPubKey}, chaintest.ExternalInput(1),
	))
	ctx.h.MineEmpty(2)

	// The manager is created at the chain tip, as it is on restart.
	ctx.m = newManager(ctx.h)
	err = ctx.m.AddWallet(
		newTestWallet(testWallet, ctx.h, tipAt(walletTip)), deriver,
	)
	require.NoError(t, err)

	ctx.start()
	require.Equal(t, walletTip.Hash, ctx.s.Tip().Hash)

	block, tip := ctx.h.Mine()
	ctx.s.ProcessBlock(block)
	ctx.waitForTip(tip)

	require.EqualValues(t, 1000, ctx.balance())
	require.Equal(t, 1, ctx.store.count(paid.Hash))
}

// TestLoadedWalletRewindsSync loads a wallet behind the running sync and
// checks that the blocks above its tip are absorbed again.
func TestLoadedWalletRewindsSync(t *testing.T) {
	t.Parallel()

	const bob = "bob"

	ctx := newTestContext(t, true)
	ctx.start()

	deriver := newTestDeriver(t, ctx.h, 0x33)
	addr, err := deriver.DeriveAddress(0, hdwallet.ExternalBranch, 0)
	require.NoError(t, err)

	block, loadTip := ctx.h.Mine()
	ctx.s.ProcessBlock(block)
	block, _ = ctx.h.Mine(chaintest.PayTo(
		1000, [][]byte{addr.ScriptPubKey}, chaintest.ExternalInput(1),
	))
	ctx.s.ProcessBlock(block)
	block, tip := ctx.h.Mine()
	ctx.s.ProcessBlock(block)
	ctx.waitForTip(tip)

	err = ctx.m.AddWallet(newTestWallet(bob, ctx.h, tipAt(loadTip)), deriver)
	require.NoError(t, err)
	ctx.s.ResolveWalletTip()
	require.Equal(t, loadTip.Hash, ctx.s.Tip().Hash)

	block, tip = ctx.h.Mine()
	ctx.s.ProcessBlock(block)
	ctx.waitForTip(tip)

	bal, err := ctx.m.AccountBalance(bob, testAccount)
	require.NoError(t, err)
	require.EqualValues(t, 1000, bal.Confirmed)
}

// TestStartTip checks which start tips roll the wallets back on start.
func TestStartTip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string

		// startTip picks the start tip from the harness, the block
		// paying the wallet is at height 2 and the wallet tip at 3.
		startTip func(h *chaintest.Harness) *chainview.Header

		// rolledBack is set if the payment is undone on start.
		rolledBack bool
	}{{
		name: "below wallet tip",
		startTip: func(h *chaintest.Harness) *chainview.Header {
			hdr, _ := h.Chain.HeaderByHeight(1)
			return hdr
		},
		rolledBack: true,
	}, {
		name: "at wallet tip",
		startTip: func(h *chaintest.Harness) *chainview.Header {
			return h.Chain.Tip()
		},
	}, {
		name: "off active chain",
		startTip: func(h *chaintest.Harness) *chainview.Header {
			hdr, _ := h.Chain.HeaderByHeight(0)
			_, stale := h.MakeBlock(hdr)
			return stale
		},
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			ctx := newTestContext(t, true)
			script := ctx.receive()
			for i := uint32(0); i < 3; i++ {
				var txs []*wire.MsgTx
				if i == 1 {
					txs = append(txs, chaintest.PayTo(
						1000, [][]byte{script},
						chaintest.ExternalInput(i),
					))
				}
				block, hdr := ctx.h.Mine(txs...)
				err := ctx.m.ProcessBlock(block, hdr)
				require.NoError(t, err)
			}
			walletTip := ctx.h.Chain.Tip()
			start := test.startTip(ctx.h)

			ctx.startTip = fn.Some(start)
			ctx.start()

			if test.rolledBack {
				require.Equal(t, start.Hash, ctx.s.Tip().Hash)
				require.Zero(t, ctx.balance())
			} else {
				require.Equal(t, walletTip.Hash, ctx.s.Tip().Hash)
				require.EqualValues(t, 1000, ctx.balance())
			}

			block, tip := ctx.h.Mine()
			ctx.s.ProcessBlock(block)
			ctx.waitForTip(tip)
			require.EqualValues(t, 1000, ctx.balance())
		})
	}
}

// TestSyncFromHeightDuringDelivery rewinds the sync over and over while
// blocks are being absorbed and checks that the wallets end up complete.
func TestSyncFromHeightDuringDelivery(t *testing.T) {
	t.Parallel()

	const numBlocks = 20

	ctx := newTestContext(t, true)
	ctx.start()
	script := ctx.receive()

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case <-quit:
				return
			default:
			}

			tip := ctx.s.Tip()
			if err := ctx.s.SyncFromHeight(tip.Height / 2); err != nil {
				t.Errorf("unable to rewind: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for i := uint32(0); i < numBlocks; i++ {
		block, _ := ctx.h.Mine(chaintest.PayTo(
			1000, [][]byte{script}, chaintest.ExternalInput(i),
		))
		ctx.s.ProcessBlock(block)
	}

	close(quit)
	wg.Wait()

	block, tip := ctx.h.Mine()
	ctx.s.ProcessBlock(block)
	ctx.waitForTip(tip)

	require.EqualValues(t, numBlocks*1000, ctx.balance())
}
