package walletmgr

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/lightninglabs/walletsync/hdwallet"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// confirmation describes where, if anywhere, an absorbed transaction was
// mined.
type confirmation struct {
	height fn.Option[int32]
	block  *btcutil.Block

	// blockHash, index and timestamp are only meaningful if block is set.
	blockHash chainhash.Hash
	index     int
	timestamp time.Time
}

func newConfirmation(tx *btcutil.Tx, height fn.Option[int32],
	block *btcutil.Block) *confirmation {

	conf := &confirmation{height: height, block: block}
	if block != nil {
		conf.blockHash = *block.Hash()
		conf.index = txIndex(block, tx.Hash())
		conf.timestamp = block.MsgBlock().Header.Timestamp
	}

	return conf
}

func (c *confirmation) confirmed() bool {
	return c.height.IsSome()
}

// inBlock reports whether the transaction was delivered as part of a block
// it is actually contained in.
func (c *confirmation) inBlock() bool {
	return c.block != nil && c.index >= 0
}

// ProcessTransaction absorbs a transaction into the wallets. It creates
// records for outputs paying tracked scripts, attaches spends to records
// whose outpoints the transaction consumes and evicts unconfirmed
// transactions competing for the same inputs. A transaction confirmed in a
// block passes its height and the block; unconfirmed transactions pass
// fn.None and nil.
//
// Absorbing the same transaction again only fills in facts that were missing
// before, so replays are harmless. The returned flag reports whether any
// wallet was touched.
func (m *Manager) ProcessTransaction(tx *btcutil.Tx, height fn.Option[int32],
	block *btcutil.Block, propagated bool) (bool, error) {

	var n notifications

	m.mu.Lock()
	found, err := m.absorbLocked(tx, newConfirmation(tx, height, block),
		propagated, &n)
	m.mu.Unlock()

	m.fire(&n)

	return found, err
}

// ProcessBlock absorbs every transaction of a block and then moves the wallet
// tip to it. The block must connect to the wallet tip, or lie at or below
// it; a block further ahead fails with ErrFutureBlock.
func (m *Manager) ProcessBlock(block *btcutil.Block,
	hdr *chainview.Header) error {

	var n notifications

	m.mu.Lock()
	err := m.processBlockLocked(block, hdr, &n)
	m.mu.Unlock()

	m.fire(&n)

	return err
}

func (m *Manager) processBlockLocked(block *btcutil.Block,
	hdr *chainview.Header, n *notifications) error {

	if len(m.wallets) == 0 {
		m.setTipLocked(hdr, n)
		return nil
	}

	prevHash := block.MsgBlock().Header.PrevBlock
	if prevHash != m.tipHash && hdr.Height > m.tipHeight {
		return fmt.Errorf("%w: block %v at height %d, wallet tip %v "+
			"at height %d", ErrFutureBlock, hdr.Hash, hdr.Height,
			m.tipHash, m.tipHeight)
	}

	var found int
	height := fn.Some(hdr.Height)
	for _, tx := range block.Transactions() {
		conf := newConfirmation(tx, height, block)
		touched, err := m.absorbLocked(tx, conf, true, n)
		if err != nil {
			return fmt.Errorf("unable to absorb tx %v of block %v: "+
				"%w", tx.Hash(), hdr, err)
		}
		if touched {
			found++
		}
	}

	// The tip only moves once the whole block is reflected in the
	// wallets.
	m.setTipLocked(hdr, n)

	if found > 0 {
		log.Debugf("Block %v contains %d transactions affecting "+
			"the wallets", hdr, found)
	}

	return nil
}

// absorbLocked runs the absorption algorithm for a single transaction. All
// checks that can fail happen before the first mutation.
//
// NOTE: must be called with the mutex held.
func (m *Manager) absorbLocked(tx *btcutil.Tx, conf *confirmation,
	propagated bool, n *notifications) (bool, error) {

	msg := tx.MsgTx()
	txid := *tx.Hash()
	isCoinBase := blockchain.IsCoinBaseTx(msg)

	var prevOuts []wire.OutPoint
	if !isCoinBase {
		prevOuts = make([]wire.OutPoint, 0, len(msg.TxIn))
		for _, in := range msg.TxIn {
			prevOuts = append(prevOuts, in.PreviousOutPoint)
		}
	}

	conflicts, ok, err := m.findConflictsLocked(txid, prevOuts, conf)
	if err != nil || !ok {
		return false, err
	}
	if len(conflicts) > 0 {
		log.Infof("Tx %v double spends unconfirmed wallet txns %v, "+
			"evicting them", txid, conflicts)

		m.removeByIDsLocked(nil, conflicts, n)
	}

	touched := make(map[*hdwallet.Address]struct{})

	isCoinStake := IsCoinStake(msg)
	for i, out := range msg.TxOut {
		if out.Value == 0 {
			continue
		}

		addr, ok := m.index.Lookup(out.PkScript)
		if !ok {
			continue
		}

		m.creditLocked(
			addr, tx, uint32(i), out, prevOuts, conf, isCoinBase,
			isCoinStake, propagated,
		)
		touched[addr] = struct{}{}
	}

	var spent int
	for _, op := range prevOuts {
		rec := m.index.OutPoint(op).UnwrapOr(nil)
		if rec == nil {
			continue
		}

		if m.debitLocked(rec, tx, conf, isCoinStake) {
			spent++
		}
	}

	for addr := range touched {
		owner, ok := m.owners[addr]
		if !ok {
			continue
		}

		// The credits are recorded already. A pool left short is
		// extended by the next replenishment.
		err := m.replenishBranchLocked(
			owner.entry, owner.account, addr.IsChange, n,
		)
		if err != nil {
			log.Errorf("Unable to replenish address pool after "+
				"tx %v: %v", txid, err)
		}
	}

	if len(touched) > 0 || spent > 0 {
		log.Debugf("Tx %v credited %d wallet addresses and spent %d "+
			"wallet outputs", txid, len(touched), spent)
		log.Tracef("Absorbed tx: %v", spewClosure(msg))

		return true, nil
	}

	return false, nil
}

// findConflictsLocked collects the ids of unconfirmed wallet transactions
// that spend one of prevOuts but are not the transaction txid itself. A
// conflict with a confirmed transaction fails with ErrDoubleConfirmedSpend
// if the incoming transaction is confirmed too. An unconfirmed transaction
// conflicting with a confirmed one is rejected by returning false.
//
// NOTE: must be called with the mutex held.
func (m *Manager) findConflictsLocked(txid chainhash.Hash,
	prevOuts []wire.OutPoint,
	conf *confirmation) ([]chainhash.Hash, bool, error) {

	seen := make(map[chainhash.Hash]struct{})
	var conflicts []chainhash.Hash

	check := func(op wire.OutPoint, id chainhash.Hash,
		confirmed bool) (bool, error) {

		if id == txid {
			return true, nil
		}

		if confirmed {
			if conf.confirmed() {
				return false, fmt.Errorf("%w: outpoint %v "+
					"spent by %v and %v", ErrDoubleConfirmedSpend,
					op, id, txid)
			}

			log.Debugf("Ignoring unconfirmed tx %v, outpoint "+
				"%v already spent by confirmed tx %v", txid,
				op, id)

			return false, nil
		}

		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			conflicts = append(conflicts, id)
		}

		return true, nil
	}

	for _, op := range prevOuts {
		// An unconfirmed wallet transaction spending the same input.
		spender := m.index.InputSpender(op)
		if spender.IsSome() {
			rec := spender.UnsafeFromSome()
			ok, err := check(op, rec.ID, rec.IsConfirmed())
			if err != nil || !ok {
				return nil, ok, err
			}
		}

		// A wallet output that already carries a different spend.
		owned := m.index.OutPoint(op)
		if owned.IsSome() {
			rec := owned.UnsafeFromSome()
			if rec.Spending != nil {
				ok, err := check(
					op, rec.Spending.TxID,
					rec.Spending.IsConfirmed(),
				)
				if err != nil || !ok {
					return nil, ok, err
				}
			}
		}
	}

	return conflicts, true, nil
}

// creditLocked creates the record of an output paying a tracked address, or
// fills in what an existing record still lacks.
//
// NOTE: must be called with the mutex held.
func (m *Manager) creditLocked(addr *hdwallet.Address, tx *btcutil.Tx,
	index uint32, out *wire.TxOut, prevOuts []wire.OutPoint,
	conf *confirmation, isCoinBase, isCoinStake, propagated bool) {

	txid := *tx.Hash()

	rec := addr.Record(txid, index)
	if rec == nil {
		rec = &hdwallet.TxRecord{
			ID:           txid,
			Index:        index,
			Amount:       btcutil.Amount(out.Value),
			ScriptPubKey: append([]byte(nil), out.PkScript...),
			IsCoinBase:   isCoinBase,
			IsCoinStake:  isCoinStake,
			CreationTime: m.cfg.Clock.Now(),
			IsPropagated: propagated,
		}
		m.confirmRecord(rec, tx, conf)

		if !rec.IsConfirmed() && len(prevOuts) > 0 {
			rec.Inputs = append([]wire.OutPoint(nil), prevOuts...)
			m.index.AddInputs(rec, rec.Inputs)
		}

		addr.Transactions = append(addr.Transactions, rec)
		m.index.AddOutPoint(rec)

		log.Debugf("New wallet output %v paying %v", rec.OutPoint(),
			addr.Address)

		return
	}

	m.confirmRecord(rec, tx, conf)
	if propagated {
		rec.IsPropagated = true
	}

	// A settled transaction no longer needs double spend tracking.
	if rec.IsConfirmed() && len(rec.Inputs) > 0 {
		m.index.RemoveInputs(rec.Inputs)
		rec.Inputs = nil
	}
}

// confirmRecord applies a confirmation to a credit. Block linkage is only set
// once, the creation time follows the block and a merkle proof is attached
// while the output is still unspent.
func (m *Manager) confirmRecord(rec *hdwallet.TxRecord, tx *btcutil.Tx,
	conf *confirmation) {

	if rec.BlockHeight.IsNone() && conf.confirmed() {
		rec.BlockHeight = conf.height
		if conf.inBlock() {
			rec.BlockHash = fn.Some(conf.blockHash)
			rec.BlockIndex = fn.Some(conf.index)
		}
	}

	if !conf.inBlock() {
		return
	}

	rec.CreationTime = conf.timestamp
	if rec.MerkleProof == nil && rec.IsSpendable() {
		rec.MerkleProof = merkleBranch(conf.block, conf.index)
	}
}

// debitLocked attaches the spend of the transaction to a wallet record whose
// outpoint it consumes. It returns true if the record was touched.
//
// NOTE: must be called with the mutex held.
func (m *Manager) debitLocked(rec *hdwallet.TxRecord, tx *btcutil.Tx,
	conf *confirmation, isCoinStake bool) bool {

	txid := *tx.Hash()

	switch {
	case rec.Spending == nil:
		rec.Spending = &hdwallet.SpendRecord{
			TxID:         txid,
			Payments:     m.destinationsLocked(tx.MsgTx(), isCoinStake),
			CreationTime: m.cfg.Clock.Now(),
			IsCoinStake:  isCoinStake,
		}
		rec.MerkleProof = nil

		log.Debugf("Wallet output %v spent by %v", rec.OutPoint(),
			txid)

	case rec.Spending.TxID != txid:
		// Conflicts were evicted before, so this is a spend we must
		// not overwrite.
		return false
	}

	spend := rec.Spending
	if spend.BlockHeight.IsNone() && conf.confirmed() {
		spend.BlockHeight = conf.height
		if conf.inBlock() {
			spend.BlockIndex = fn.Some(conf.index)
		}
	}
	if conf.inBlock() {
		spend.CreationTime = conf.timestamp
	}

	// A confirmed spend can not be spent again nor double spent.
	if spend.IsConfirmed() {
		m.index.RemoveOutPoint(rec.OutPoint())
	}

	return true
}

// destinationsLocked lists the payments made by a spending transaction.
// Empty outputs, change and outputs of coinstake transactions back to the
// wallet are not payments.
//
// NOTE: must be called with the mutex held.
func (m *Manager) destinationsLocked(msg *wire.MsgTx,
	isCoinStake bool) []hdwallet.Destination {

	var payments []hdwallet.Destination
	for _, out := range msg.TxOut {
		if len(out.PkScript) == 0 {
			continue
		}

		own, tracked := m.index.Lookup(out.PkScript)
		if tracked && (own.IsChange || isCoinStake) {
			continue
		}

		dest := hdwallet.Destination{
			Amount: btcutil.Amount(out.Value),
			Script: append([]byte(nil), out.PkScript...),
		}

		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			out.PkScript, m.cfg.Params,
		)
		switch {
		case err == nil && len(addrs) > 0:
			dest.Address = addrs[0].EncodeAddress()

		case tracked:
			dest.Address = own.Address
		}

		payments = append(payments, dest)
	}

	return payments
}
