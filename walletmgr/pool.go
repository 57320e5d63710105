package walletmgr

import (
	"fmt"

	"github.com/lightninglabs/walletsync/hdwallet"
)

// ReplenishPools tops up the address pools of every account of a wallet and
// returns the addresses that were created.
func (m *Manager) ReplenishPools(walletName string) ([]*hdwallet.Address,
	error) {

	var n notifications

	m.mu.Lock()
	entry, err := m.walletLocked(walletName)
	if err == nil {
		for _, acct := range entry.wallet.Accounts {
			err = m.replenishLocked(entry, acct, &n)
			if err != nil {
				break
			}
		}
	}
	m.mu.Unlock()

	m.fire(&n)

	return n.created[walletName], err
}

// replenishLocked tops up both branches of an account.
//
// NOTE: must be called with the mutex held.
func (m *Manager) replenishLocked(entry *walletEntry, acct *hdwallet.Account,
	n *notifications) error {

	for _, isChange := range []bool{false, true} {
		err := m.replenishBranchLocked(entry, acct, isChange, n)
		if err != nil {
			return err
		}
	}

	return nil
}

// replenishBranchLocked derives new addresses until the branch ends with the
// configured number of unused addresses. New addresses are tracked right
// away so that later outputs of the same block already match them.
//
// NOTE: must be called with the mutex held.
func (m *Manager) replenishBranchLocked(entry *walletEntry,
	acct *hdwallet.Account, isChange bool, n *notifications) error {

	if entry.deriver == nil {
		return nil
	}

	branch := acct.Branch(isChange)
	unused := len(branch) - acct.LastUsedIndex(isChange) - 1
	missing := m.cfg.UnusedAddressBuffer - unused
	if missing <= 0 {
		return nil
	}

	branchNum := hdwallet.ExternalBranch
	if isChange {
		branchNum = hdwallet.InternalBranch
	}

	created := make([]*hdwallet.Address, 0, missing)
	for i := 0; i < missing; i++ {
		index := uint32(len(branch) + i)
		addr, err := entry.deriver.DeriveAddress(
			acct.Index, branchNum, index,
		)
		if err != nil {
			return fmt.Errorf("unable to extend pool of account "+
				"%v in wallet %v: %w", acct.Name,
				entry.wallet.Name, err)
		}
		addr.IsChange = isChange

		created = append(created, addr)
	}

	if isChange {
		acct.InternalAddresses = append(acct.InternalAddresses,
			created...)
	} else {
		acct.ExternalAddresses = append(acct.ExternalAddresses,
			created...)
	}
	for _, addr := range created {
		m.trackLocked(entry, acct, addr)
	}

	n.addCreated(entry.wallet.Name, created)

	log.Debugf("Derived %d addresses on branch %d of account %v in "+
		"wallet %v", len(created), branchNum, acct.Name,
		entry.wallet.Name)

	return nil
}
