package hdwallet

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Destination is a single payment made by a spending transaction.
type Destination struct {
	// Amount is the value paid.
	Amount btcutil.Amount

	// Script is the output script paid to.
	Script []byte

	// Address is the encoded address of the script, if it could be
	// resolved for the wallet's network.
	Address string
}

// SpendRecord describes the transaction that consumed a wallet output.
type SpendRecord struct {
	// TxID is the hash of the spending transaction.
	TxID chainhash.Hash

	// Payments lists where the spent funds went, excluding change.
	Payments []Destination

	// BlockHeight is set once the spending transaction confirms.
	BlockHeight fn.Option[int32]

	// BlockIndex is the position of the spending transaction within its
	// block.
	BlockIndex fn.Option[int]

	// CreationTime is the block time of the spend, or the time it was
	// first seen while unconfirmed.
	CreationTime time.Time

	// IsCoinStake marks spends made by a coinstake transaction.
	IsCoinStake bool
}

// IsConfirmed reports whether the spend is part of a block.
func (s *SpendRecord) IsConfirmed() bool {
	return s != nil && s.BlockHeight.IsSome()
}

// Copy returns a deep copy of the record.
func (s *SpendRecord) Copy() *SpendRecord {
	if s == nil {
		return nil
	}

	c := *s
	if s.Payments != nil {
		c.Payments = make([]Destination, len(s.Payments))
		for i, p := range s.Payments {
			p.Script = append([]byte(nil), p.Script...)
			c.Payments[i] = p
		}
	}

	return &c
}

// TxRecord is a credit to a tracked address: one output of one transaction.
type TxRecord struct {
	// ID is the hash of the transaction that created the output.
	ID chainhash.Hash

	// Index is the output index within the transaction.
	Index uint32

	// Amount is the value of the output.
	Amount btcutil.Amount

	// ScriptPubKey is the output script.
	ScriptPubKey []byte

	// IsCoinBase and IsCoinStake mark generation outputs which are subject
	// to maturity rules.
	IsCoinBase  bool
	IsCoinStake bool

	// BlockHeight, BlockHash and BlockIndex are set together once the
	// transaction confirms.
	BlockHeight fn.Option[int32]
	BlockHash   fn.Option[chainhash.Hash]
	BlockIndex  fn.Option[int]

	// CreationTime is the block time if confirmed, otherwise the time the
	// transaction was first seen.
	CreationTime time.Time

	// MerkleProof is the merkle branch from the transaction to the root of
	// its block. It is nil while unconfirmed and cleared once spent.
	MerkleProof []chainhash.Hash

	// IsPropagated is set once the transaction is known to have reached
	// the network.
	IsPropagated bool

	// Inputs are the outpoints spent by the creating transaction. They are
	// kept while the record is unconfirmed so that competing spends can be
	// detected.
	Inputs []wire.OutPoint

	// Spending is set once the output is consumed.
	Spending *SpendRecord
}

// OutPoint returns the outpoint of the record.
func (r *TxRecord) OutPoint() wire.OutPoint {
	return wire.OutPoint{Hash: r.ID, Index: r.Index}
}

// IsConfirmed reports whether the creating transaction is part of a block.
func (r *TxRecord) IsConfirmed() bool {
	return r.BlockHeight.IsSome()
}

// IsSpent reports whether the output has been consumed, confirmed or not.
func (r *TxRecord) IsSpent() bool {
	return r.Spending != nil
}

// IsSpendable reports whether the output is not spent at all, not even by an
// unconfirmed transaction.
func (r *TxRecord) IsSpendable() bool {
	return r.Spending == nil
}

// Confirmations returns the number of confirmations at the given tip height.
func (r *TxRecord) Confirmations(tipHeight int32) int32 {
	return fn.MapOptionZ(r.BlockHeight, func(h int32) int32 {
		if h > tipHeight {
			return 0
		}

		return tipHeight - h + 1
	})
}

// Copy returns a deep copy of the record, including its spend.
func (r *TxRecord) Copy() *TxRecord {
	c := *r
	c.ScriptPubKey = append([]byte(nil), r.ScriptPubKey...)
	if r.MerkleProof != nil {
		c.MerkleProof = make([]chainhash.Hash, len(r.MerkleProof))
		copy(c.MerkleProof, r.MerkleProof)
	}
	c.Inputs = append([]wire.OutPoint(nil), r.Inputs...)
	c.Spending = r.Spending.Copy()

	return &c
}
