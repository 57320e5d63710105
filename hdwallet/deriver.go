package hdwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// KeyDeriver derives the addresses of a wallet. The derivation scheme is up
// to the implementation; the sync engine only needs the resulting scripts.
type KeyDeriver interface {
	// DeriveAddress returns the address at the given position. The
	// returned address has no transactions.
	DeriveAddress(account, branch, index uint32) (*Address, error)
}

// HDDeriver is a KeyDeriver following a BIP-44 style account/branch/index
// layout below an extended key. A private root derives hardened accounts, a
// public root (a watch-only wallet) derives the account non-hardened.
type HDDeriver struct {
	root   *hdkeychain.ExtendedKey
	params *chaincfg.Params
}

// A compile-time check to ensure HDDeriver satisfies the KeyDeriver
// interface.
var _ KeyDeriver = (*HDDeriver)(nil)

// NewHDDeriver creates a deriver below the given extended key.
func NewHDDeriver(root *hdkeychain.ExtendedKey,
	params *chaincfg.Params) *HDDeriver {

	return &HDDeriver{
		root:   root,
		params: params,
	}
}

// NewHDDeriverFromString parses a serialized extended key.
func NewHDDeriverFromString(key string,
	params *chaincfg.Params) (*HDDeriver, error) {

	root, err := hdkeychain.NewKeyFromString(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse extended key: %w", err)
	}

	if !root.IsForNet(params) {
		return nil, fmt.Errorf("extended key is not for network %v",
			params.Name)
	}

	return NewHDDeriver(root, params), nil
}

// DeriveAddress derives a pay-to-witness-pubkey-hash address together with
// the pay-to-pubkey script of the same key.
func (d *HDDeriver) DeriveAddress(account, branch,
	index uint32) (*Address, error) {

	acctIndex := account
	if d.root.IsPrivate() {
		acctIndex += hdkeychain.HardenedKeyStart
	}

	key := d.root
	for _, i := range []uint32{acctIndex, branch, index} {
		var err error
		key, err = key.Derive(i)
		if err != nil {
			return nil, fmt.Errorf("unable to derive %d/%d/%d: %w",
				account, branch, index, err)
		}
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}
	pubBytes := pub.SerializeCompressed()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pubBytes), d.params,
	)
	if err != nil {
		return nil, err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	pkAddr, err := btcutil.NewAddressPubKey(pubBytes, d.params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(pkAddr)
	if err != nil {
		return nil, err
	}

	return &Address{
		Index:        index,
		IsChange:     branch == InternalBranch,
		Address:      addr.EncodeAddress(),
		ScriptPubKey: script,
		Pubkey:       pkScript,
	}, nil
}
