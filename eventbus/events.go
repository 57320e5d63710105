package eventbus

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightninglabs/walletsync/walletmgr"
)

// EventType identifies the kind of an event. Subscribers filter on it.
type EventType uint8

const (
	// TypeBlockConnected is the type of BlockConnected.
	TypeBlockConnected EventType = iota + 1

	// TypeTransactionSeen is the type of TransactionSeen.
	TypeTransactionSeen

	// TypeWalletCreated is the type of WalletCreated.
	TypeWalletCreated

	// TypeWalletRecovered is the type of WalletRecovered.
	TypeWalletRecovered

	// TypeWalletLoaded is the type of WalletLoaded.
	TypeWalletLoaded

	// TypeAccountCreated is the type of AccountCreated.
	TypeAccountCreated

	// TypeAddressesCreated is the type of AddressesCreated.
	TypeAddressesCreated

	// TypeTransactionsRemoved is the type of TransactionsRemoved.
	TypeTransactionsRemoved
)

// String returns a human readable name of the type.
func (t EventType) String() string {
	switch t {
	case TypeBlockConnected:
		return "BlockConnected"
	case TypeTransactionSeen:
		return "TransactionSeen"
	case TypeWalletCreated:
		return "WalletCreated"
	case TypeWalletRecovered:
		return "WalletRecovered"
	case TypeWalletLoaded:
		return "WalletLoaded"
	case TypeAccountCreated:
		return "AccountCreated"
	case TypeAddressesCreated:
		return "AddressesCreated"
	case TypeTransactionsRemoved:
		return "TransactionsRemoved"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// Event is a message published on the bus.
type Event interface {
	// Type returns the kind of the event.
	Type() EventType
}

// BlockConnected is published by the chain backend for every block that
// extends the active chain.
type BlockConnected struct {
	Block *btcutil.Block
}

// Type returns TypeBlockConnected.
func (BlockConnected) Type() EventType { return TypeBlockConnected }

// TransactionSeen is published for transactions that entered the mempool.
type TransactionSeen struct {
	Tx *btcutil.Tx
}

// Type returns TypeTransactionSeen.
func (TransactionSeen) Type() EventType { return TypeTransactionSeen }

// WalletCreated is published once a new wallet was created. The wallet has
// no history, so its sync start point is the chain tip.
type WalletCreated struct {
	Wallet  *hdwallet.Wallet
	Deriver hdwallet.KeyDeriver
}

// Type returns TypeWalletCreated.
func (WalletCreated) Type() EventType { return TypeWalletCreated }

// WalletRecovered is published once a wallet was restored from its seed. Its
// history starts at the wallet's creation time.
type WalletRecovered struct {
	Wallet  *hdwallet.Wallet
	Deriver hdwallet.KeyDeriver
}

// Type returns TypeWalletRecovered.
func (WalletRecovered) Type() EventType { return TypeWalletRecovered }

// WalletLoaded is published for a wallet read from storage. It carries its
// own tip.
type WalletLoaded struct {
	Wallet  *hdwallet.Wallet
	Deriver hdwallet.KeyDeriver
}

// Type returns TypeWalletLoaded.
func (WalletLoaded) Type() EventType { return TypeWalletLoaded }

// AccountCreated requests a new account in a loaded wallet.
type AccountCreated struct {
	Wallet  string
	Account string
}

// Type returns TypeAccountCreated.
func (AccountCreated) Type() EventType { return TypeAccountCreated }

// AddressesCreated is published with the addresses derived to refill the
// unused address pool of a wallet.
type AddressesCreated struct {
	Wallet    string
	Addresses []*hdwallet.Address
}

// Type returns TypeAddressesCreated.
func (AddressesCreated) Type() EventType { return TypeAddressesCreated }

// TransactionsRemoved is published with the transactions removed from a
// wallet.
type TransactionsRemoved struct {
	Wallet  string
	Removed []walletmgr.RemovedTx
}

// Type returns TypeTransactionsRemoved.
func (TransactionsRemoved) Type() EventType { return TypeTransactionsRemoved }
