package walletmgr

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// IsCoinStake reports whether the transaction is a proof-of-stake generation
// transaction: it spends at least one input and its first output is empty.
func IsCoinStake(msg *wire.MsgTx) bool {
	if len(msg.TxIn) == 0 || len(msg.TxOut) < 2 {
		return false
	}
	if blockchain.IsCoinBaseTx(msg) {
		return false
	}

	first := msg.TxOut[0]

	return first.Value == 0 && len(first.PkScript) == 0
}

// txIndex returns the position of a transaction within the block, or -1 if it
// is not part of it.
func txIndex(block *btcutil.Block, hash *chainhash.Hash) int {
	for i, tx := range block.Transactions() {
		if tx.Hash().IsEqual(hash) {
			return i
		}
	}

	return -1
}

// merkleBranch returns the sibling hashes needed to fold the transaction at
// position idx into the merkle root of the block, lowest level first.
func merkleBranch(block *btcutil.Block, idx int) []chainhash.Hash {
	txns := block.Transactions()
	store := blockchain.BuildMerkleTreeStore(txns, false)

	width := nextPowerOfTwo(len(txns))
	branch := make([]chainhash.Hash, 0, log2Floor(width))

	offset, pos := 0, idx
	for width > 1 {
		sibling := store[offset+(pos^1)]

		// A missing right node is hashed with its left sibling.
		if sibling == nil {
			sibling = store[offset+pos]
		}
		branch = append(branch, *sibling)

		offset += width
		pos >>= 1
		width >>= 1
	}

	return branch
}

// MerkleRootFromBranch folds a merkle branch produced for the transaction at
// position idx back into the root.
func MerkleRootFromBranch(leaf chainhash.Hash, idx int,
	branch []chainhash.Hash) chainhash.Hash {

	h := leaf
	for _, sibling := range branch {
		sibling := sibling
		if idx&1 == 0 {
			h = blockchain.HashMerkleBranches(&h, &sibling)
		} else {
			h = blockchain.HashMerkleBranches(&sibling, &h)
		}
		idx >>= 1
	}

	return h
}

func nextPowerOfTwo(n int) int {
	if n&(n-1) == 0 {
		return n
	}

	p := 1
	for p < n {
		p <<= 1
	}

	return p
}

func log2Floor(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}

	return l
}
