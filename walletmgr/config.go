package walletmgr

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultUnusedAddressBuffer is the number of unused addresses kept at the
// end of every branch.
const DefaultUnusedAddressBuffer = 20

// Hooks are optional callbacks fired after the manager released its lock.
// They let dependent components react to wallet changes without reaching
// into the manager's state.
type Hooks struct {
	// AddressesCreated is called with the addresses derived while
	// replenishing the pool of a wallet.
	AddressesCreated func(wallet string, addrs []*hdwallet.Address)

	// TipUpdated is called after the tip of the given wallets moved,
	// either forward after a block or backward after a rollback.
	TipUpdated func(tip hdwallet.Tip, wallets []string)

	// TransactionsRemoved is called with the transactions removed from a
	// wallet, including unconfirmed transactions evicted as double spends.
	TransactionsRemoved func(wallet string, removed []RemovedTx)
}

// Config holds the collaborators and settings of a Manager.
type Config struct {
	// Chain is the header chain the wallets follow.
	Chain chainview.ChainIndex

	// Params are the parameters of the network the wallets live on. They
	// are used to encode destination addresses and to apply coinbase
	// maturity.
	Params *chaincfg.Params

	// UnusedAddressBuffer is the number of unused trailing addresses to
	// maintain on each branch of each account.
	UnusedAddressBuffer int

	// Clock provides the time stamps of unconfirmed transactions.
	Clock clock.Clock

	// Hooks are fired on wallet changes.
	Hooks Hooks
}

// RemovedTx identifies a transaction removed from a wallet.
type RemovedTx struct {
	// ID is the transaction hash.
	ID chainhash.Hash

	// CreationTime is the creation time of the removed record.
	CreationTime time.Time
}
