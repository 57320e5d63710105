package walletmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/walletsync/hdwallet"
)

// UnspentOutput is a spendable wallet output together with its location in
// the wallet.
type UnspentOutput struct {
	// Wallet and Account name the owner of the output.
	Wallet  string
	Account string

	// Address is the encoded address the output pays.
	Address string

	// Record is a copy of the output's record.
	Record *hdwallet.TxRecord

	// Confirmations is the depth of the output at the chain tip.
	Confirmations int32
}

// Balance sums the unspent outputs of an account.
type Balance struct {
	// Confirmed is the value of outputs included in a block.
	Confirmed btcutil.Amount

	// Unconfirmed is the value of outputs still waiting for a block.
	Unconfirmed btcutil.Amount
}

// SpendableOutputs returns the unspent outputs of an account with at least
// minConf confirmations. Coinbase and coinstake outputs are only returned
// once they matured. The result holds copies which the caller may keep.
func (m *Manager) SpendableOutputs(walletName, accountName string,
	minConf int32) ([]UnspentOutput, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	_, acct, err := m.accountLocked(walletName, accountName)
	if err != nil {
		return nil, err
	}

	tipHeight := m.cfg.Chain.Tip().Height
	maturity := int32(m.cfg.Params.CoinbaseMaturity)

	var utxos []UnspentOutput
	for _, addr := range acct.Addresses() {
		for _, rec := range addr.Transactions {
			if !rec.IsSpendable() {
				continue
			}

			confs := rec.Confirmations(tipHeight)
			if confs < minConf {
				continue
			}
			if (rec.IsCoinBase || rec.IsCoinStake) &&
				confs < maturity {

				continue
			}

			utxos = append(utxos, UnspentOutput{
				Wallet:        walletName,
				Account:       accountName,
				Address:       addr.Address,
				Record:        rec.Copy(),
				Confirmations: confs,
			})
		}
	}

	return utxos, nil
}

// AccountBalance returns the confirmed and unconfirmed balance of an account.
func (m *Manager) AccountBalance(walletName,
	accountName string) (Balance, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	_, acct, err := m.accountLocked(walletName, accountName)
	if err != nil {
		return Balance{}, err
	}

	var bal Balance
	for _, addr := range acct.Addresses() {
		for _, rec := range addr.Transactions {
			switch {
			case !rec.IsSpendable():
			case rec.IsConfirmed():
				bal.Confirmed += rec.Amount
			default:
				bal.Unconfirmed += rec.Amount
			}
		}
	}

	return bal, nil
}

// Transactions returns copies of all records of a wallet.
func (m *Manager) Transactions(walletName string) ([]*hdwallet.TxRecord,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.walletLocked(walletName)
	if err != nil {
		return nil, err
	}

	var recs []*hdwallet.TxRecord
	for _, addr := range entry.wallet.Addresses() {
		for _, rec := range addr.Transactions {
			recs = append(recs, rec.Copy())
		}
	}

	return recs, nil
}

// AddressByString returns a copy of a wallet address, without its records.
func (m *Manager) AddressByString(walletName,
	address string) (*hdwallet.Address, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.walletLocked(walletName)
	if err != nil {
		return nil, err
	}

	for _, addr := range entry.wallet.Addresses() {
		if addr.Address != address {
			continue
		}

		c := *addr
		c.ScriptPubKey = append([]byte(nil), addr.ScriptPubKey...)
		c.Pubkey = append([]byte(nil), addr.Pubkey...)
		c.Transactions = nil

		return &c, nil
	}

	return nil, fmt.Errorf("%w: %v in wallet %v", ErrAddressNotFound,
		address, walletName)
}

// UnusedAddress returns the first unused receiving or change address of an
// account.
func (m *Manager) UnusedAddress(walletName, accountName string,
	isChange bool) (string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	_, acct, err := m.accountLocked(walletName, accountName)
	if err != nil {
		return "", err
	}

	branch := acct.Branch(isChange)
	next := acct.LastUsedIndex(isChange) + 1
	if next >= len(branch) {
		return "", fmt.Errorf("%w: no unused address in account %v",
			ErrAddressNotFound, accountName)
	}

	return branch[next].Address, nil
}
