package walletmgr

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightninglabs/walletsync/hdwallet"
)

// removedSet collects removed transactions without duplicates.
type removedSet struct {
	seen    map[removedKey]struct{}
	removed []RemovedTx
}

type removedKey struct {
	id   chainhash.Hash
	unix int64
}

func (s *removedSet) add(id chainhash.Hash, created time.Time) {
	key := removedKey{id: id, unix: created.Unix()}
	if _, ok := s.seen[key]; ok {
		return
	}
	if s.seen == nil {
		s.seen = make(map[removedKey]struct{})
	}

	s.seen[key] = struct{}{}
	s.removed = append(s.removed, RemovedTx{ID: id, CreationTime: created})
}

// RemoveTransactionsByIDs removes the unconfirmed transactions with the given
// ids from a wallet: records they created are deleted and spends they made
// are cleared. Confirmed transactions are left alone.
func (m *Manager) RemoveTransactionsByIDs(walletName string,
	ids []chainhash.Hash) ([]RemovedTx, error) {

	var n notifications

	m.mu.Lock()
	entry, err := m.walletLocked(walletName)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	removed := m.removeByIDsLocked(entry, ids, &n)
	m.mu.Unlock()

	m.fire(&n)

	return removed, nil
}

// removeByIDsLocked removes unconfirmed transactions from one wallet, or from
// all wallets if entry is nil, and rebuilds the index if anything changed.
//
// NOTE: must be called with the mutex held.
func (m *Manager) removeByIDsLocked(entry *walletEntry, ids []chainhash.Hash,
	n *notifications) []RemovedTx {

	drop := make(map[chainhash.Hash]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	entries := m.wallets
	if entry != nil {
		entries = []*walletEntry{entry}
	}

	var all []RemovedTx
	for _, e := range entries {
		var set removedSet
		for _, addr := range e.wallet.Addresses() {
			kept := addr.Transactions[:0]
			for _, rec := range addr.Transactions {
				_, match := drop[rec.ID]
				if match && !rec.IsConfirmed() {
					set.add(rec.ID, rec.CreationTime)
					continue
				}

				spend := rec.Spending
				if spend != nil && !spend.IsConfirmed() {
					if _, ok := drop[spend.TxID]; ok {
						set.add(spend.TxID,
							spend.CreationTime)
						rec.Spending = nil
					}
				}

				kept = append(kept, rec)
			}
			truncate(addr, kept)
		}

		n.addRemoved(e.wallet.Name, set.removed)
		all = append(all, set.removed...)
	}

	if len(all) > 0 {
		m.index.Rebuild(m.allAddressesLocked())

		log.Infof("Removed %d unconfirmed transactions", len(all))
	}

	return all
}

// RemoveAllTransactions deletes the whole history of a wallet.
func (m *Manager) RemoveAllTransactions(walletName string) ([]RemovedTx,
	error) {

	return m.removeMatching(walletName, func(*hdwallet.TxRecord) bool {
		return true
	})
}

// RemoveTransactionsFromDate deletes every record of a wallet created after
// the given time, confirmed or not.
func (m *Manager) RemoveTransactionsFromDate(walletName string,
	from time.Time) ([]RemovedTx, error) {

	return m.removeMatching(walletName, func(rec *hdwallet.TxRecord) bool {
		return rec.CreationTime.After(from)
	})
}

// removeMatching deletes the records of a wallet selected by match.
func (m *Manager) removeMatching(walletName string,
	match func(*hdwallet.TxRecord) bool) ([]RemovedTx, error) {

	var n notifications

	m.mu.Lock()
	entry, err := m.walletLocked(walletName)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	var set removedSet
	for _, addr := range entry.wallet.Addresses() {
		kept := addr.Transactions[:0]
		for _, rec := range addr.Transactions {
			if match(rec) {
				set.add(rec.ID, rec.CreationTime)
				continue
			}
			kept = append(kept, rec)
		}
		truncate(addr, kept)
	}

	if len(set.removed) > 0 {
		m.index.Rebuild(m.allAddressesLocked())
		n.addRemoved(walletName, set.removed)

		log.Infof("Removed %d transactions from wallet %v",
			len(set.removed), walletName)
	}
	m.mu.Unlock()

	m.fire(&n)

	return set.removed, nil
}

// RollbackAbove undoes every block above the fork: records created in those
// blocks vanish and spends confirmed in them are cleared, making the spent
// outputs available again. The wallet tip moves back to the fork.
func (m *Manager) RollbackAbove(fork *chainview.Header) {
	var n notifications

	m.mu.Lock()
	m.rollbackLocked(fork, &n)
	m.mu.Unlock()

	m.fire(&n)
}

// rollbackLocked undoes every block above the fork.
//
// NOTE: must be called with the mutex held.
func (m *Manager) rollbackLocked(fork *chainview.Header, n *notifications) {
	above := func(h int32) bool {
		return h > fork.Height
	}

	var dropped, restored int
	for _, addr := range m.allAddressesLocked() {
		kept := addr.Transactions[:0]
		for _, rec := range addr.Transactions {
			if above(rec.BlockHeight.UnwrapOr(-1)) {
				dropped++
				continue
			}

			spend := rec.Spending
			if spend != nil && above(spend.BlockHeight.UnwrapOr(-1)) {
				rec.Spending = nil
				restored++
			}

			kept = append(kept, rec)
		}
		truncate(addr, kept)
	}

	m.index.Rebuild(m.allAddressesLocked())
	m.setTipLocked(fork, n)

	log.Infof("Rolled wallets back to %v: %d records removed, %d "+
		"spends undone", fork, dropped, restored)
}

// truncate replaces the records of addr with kept, which shares its backing
// array, and clears the unused tail.
func truncate(addr *hdwallet.Address, kept []*hdwallet.TxRecord) {
	for i := len(kept); i < len(addr.Transactions); i++ {
		addr.Transactions[i] = nil
	}
	addr.Transactions = kept
}
