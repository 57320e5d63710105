package walletsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultRetryAttempts is the number of times a block missing from the
	// block store is requested before the replay is abandoned.
	DefaultRetryAttempts = 10

	// DefaultRetryBackoff is the pause between two requests of a missing
	// block.
	DefaultRetryBackoff = 100 * time.Millisecond
)

// ErrInvalidHeight is returned when a sync start height is not part of the
// active chain.
var ErrInvalidHeight = errors.New("height not on active chain")

// WalletManager is the wallet state the synchronizer keeps in line with the
// chain. It is implemented by walletmgr.Manager.
type WalletManager interface {
	// ContainsWallets reports whether any wallet is loaded.
	ContainsWallets() bool

	// WalletTip returns the hash and height of the last processed block.
	WalletTip() (chainhash.Hash, int32)

	// WalletLocators returns the block locators of all wallets.
	WalletLocators() [][]chainhash.Hash

	// SetWalletTip moves the wallet tip without processing blocks.
	SetWalletTip(hdr *chainview.Header)

	// ProcessBlock absorbs a block connecting to the wallet tip.
	ProcessBlock(block *btcutil.Block, hdr *chainview.Header) error

	// ProcessTransaction absorbs a single transaction.
	ProcessTransaction(tx *btcutil.Tx, height fn.Option[int32],
		block *btcutil.Block, propagated bool) (bool, error)

	// RollbackAbove undoes all blocks above the fork.
	RollbackAbove(fork *chainview.Header)
}

// RetryPolicy bounds how long the synchronizer waits for a block the chain
// index knows about but the block store does not serve yet.
type RetryPolicy struct {
	// Attempts is the total number of fetches.
	Attempts int

	// Backoff is the pause between two fetches.
	Backoff time.Duration
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: DefaultRetryAttempts,
		Backoff:  DefaultRetryBackoff,
	}
}

// Validate checks the policy for sane values.
func (r RetryPolicy) Validate() error {
	if r.Attempts < 1 {
		return fmt.Errorf("retry attempts must be positive, got %d",
			r.Attempts)
	}
	if r.Backoff < 0 {
		return fmt.Errorf("retry backoff must not be negative, got %v",
			r.Backoff)
	}

	return nil
}

// Config holds the collaborators of a Synchronizer.
type Config struct {
	// Chain is the header chain blocks are resolved against.
	Chain chainview.ChainIndex

	// Blocks serves the blocks replayed while catching up.
	Blocks chainview.BlockStore

	// Wallets is the wallet state to keep in sync.
	Wallets WalletManager

	// Clock drives the retry backoff.
	Clock clock.Clock

	// Retry bounds the wait for blocks missing from the store.
	Retry RetryPolicy

	// MaxQueueBytes is the ceiling of the serialized size of queued
	// blocks.
	MaxQueueBytes int64

	// QueueCapacity caps the number of queued blocks.
	QueueCapacity int

	// StartTip, if set, is the tip every persisted component agrees on.
	// Wallets ahead of it are rolled back to it on start.
	StartTip fn.Option[*chainview.Header]
}
