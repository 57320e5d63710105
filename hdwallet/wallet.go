package hdwallet

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// ExternalBranch is the derivation branch of receiving addresses.
	ExternalBranch uint32 = 0

	// InternalBranch is the derivation branch of change addresses.
	InternalBranch uint32 = 1
)

// Address is a wallet-owned spending destination under surveillance.
type Address struct {
	// Index is the derivation index of the address within its branch.
	Index uint32

	// IsChange is true for addresses of the internal (change) branch.
	IsChange bool

	// Address is the encoded address.
	Address string

	// ScriptPubKey is the script payments to the address use.
	ScriptPubKey []byte

	// Pubkey is the pay-to-pubkey script of the same key, used by
	// coinstake outputs. It may be nil.
	Pubkey []byte

	// Transactions is the append-only list of outputs paying this address.
	Transactions []*TxRecord
}

// IsUsed reports whether the address received at least one payment.
func (a *Address) IsUsed() bool {
	return len(a.Transactions) > 0
}

// Record returns the record for the given outpoint, if any.
func (a *Address) Record(id chainhash.Hash, index uint32) *TxRecord {
	for _, r := range a.Transactions {
		if r.ID == id && r.Index == index {
			return r
		}
	}

	return nil
}

// Account is a set of receiving and change addresses derived from one
// account key.
type Account struct {
	// Index is the account number.
	Index uint32

	// Name is the account name, unique within the wallet.
	Name string

	// ExternalAddresses are the receiving addresses in index order.
	ExternalAddresses []*Address

	// InternalAddresses are the change addresses in index order.
	InternalAddresses []*Address
}

// Branch returns the addresses of the receiving or change branch.
func (a *Account) Branch(isChange bool) []*Address {
	if isChange {
		return a.InternalAddresses
	}

	return a.ExternalAddresses
}

// Addresses returns all addresses of the account, receiving first.
func (a *Account) Addresses() []*Address {
	addrs := make(
		[]*Address, 0,
		len(a.ExternalAddresses)+len(a.InternalAddresses),
	)
	addrs = append(addrs, a.ExternalAddresses...)

	return append(addrs, a.InternalAddresses...)
}

// LastUsedIndex returns the position of the last used address of a branch,
// or -1 if none was used yet.
func (a *Account) LastUsedIndex(isChange bool) int {
	branch := a.Branch(isChange)
	for i := len(branch) - 1; i >= 0; i-- {
		if branch[i].IsUsed() {
			return i
		}
	}

	return -1
}

// Tip is the last block whose effects are reflected in a wallet.
type Tip struct {
	// Hash is the block hash.
	Hash chainhash.Hash

	// Height is the block height.
	Height int32

	// Locator is a sparse list of ancestors of the block, newest first,
	// used to find the fork point after an unclean shutdown.
	Locator []chainhash.Hash
}

// Wallet is a named set of accounts together with its synchronization tip.
type Wallet struct {
	// Name identifies the wallet.
	Name string

	// CreationTime is used to skip scanning blocks that predate the
	// wallet.
	CreationTime time.Time

	// Network is the chain the wallet lives on.
	Network *chaincfg.Params

	// Accounts holds the accounts in creation order.
	Accounts []*Account

	// Tip is None until a sync start point was assigned.
	Tip fn.Option[Tip]
}

// AccountByName looks up an account.
func (w *Wallet) AccountByName(name string) (*Account, bool) {
	for _, acct := range w.Accounts {
		if acct.Name == name {
			return acct, true
		}
	}

	return nil, false
}

// AccountByIndex looks up an account by number.
func (w *Wallet) AccountByIndex(index uint32) (*Account, bool) {
	for _, acct := range w.Accounts {
		if acct.Index == index {
			return acct, true
		}
	}

	return nil, false
}

// Addresses returns all addresses of all accounts.
func (w *Wallet) Addresses() []*Address {
	var addrs []*Address
	for _, acct := range w.Accounts {
		addrs = append(addrs, acct.Addresses()...)
	}

	return addrs
}

// ChangeScripts returns the set of change scripts of the wallet.
func (w *Wallet) ChangeScripts() map[string]struct{} {
	scripts := make(map[string]struct{})
	for _, acct := range w.Accounts {
		for _, addr := range acct.InternalAddresses {
			scripts[string(addr.ScriptPubKey)] = struct{}{}
		}
	}

	return scripts
}

// TipHeight returns the height of the wallet tip or -1 if unset.
func (w *Wallet) TipHeight() int32 {
	return fn.ElimOption(
		w.Tip, func() int32 { return -1 },
		func(t Tip) int32 { return t.Height },
	)
}
