// Package chaintest provides an in-memory chain with a block factory for
// tests that need to connect, fork and reorganize blocks.
package chaintest

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/walletsync/chainview"
	"github.com/stretchr/testify/require"
)

// blockInterval is the timestamp distance between consecutive test blocks.
const blockInterval = 10 * time.Minute

// Harness bundles a chain index with a block store and builds blocks on top
// of arbitrary headers.
type Harness struct {
	t testing.TB

	Params *chaincfg.Params
	Chain  *chainview.Chain
	Store  *chainview.MemBlockStore

	mtx   sync.Mutex
	nonce uint32
}

// NewHarness creates a harness on top of the regression test network genesis
// block.
func NewHarness(t testing.TB) *Harness {
	params := &chaincfg.RegressionNetParams
	chain := chainview.NewChain(&params.GenesisBlock.Header)
	store := chainview.NewMemBlockStore(chain)

	genesis := btcutil.NewBlock(params.GenesisBlock)
	genesis.SetHeight(0)
	store.AddBlock(genesis)

	return &Harness{
		t:      t,
		Params: params,
		Chain:  chain,
		Store:  store,
	}
}

// MakeBlock builds and stores a block extending parent that contains a fresh
// coinbase followed by txs. The returned header is not made active.
func (h *Harness) MakeBlock(parent *chainview.Header,
	txs ...*wire.MsgTx) (*btcutil.Block, *chainview.Header) {

	h.mtx.Lock()
	h.nonce++
	nonce := h.nonce
	h.mtx.Unlock()

	msg := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   4,
		PrevBlock: parent.Hash,
		Timestamp: parent.Timestamp().Add(blockInterval),
		Bits:      h.Params.PowLimitBits,
		Nonce:     nonce,
	})
	cb := coinbase(parent.Height+1, nonce)
	require.NoError(h.t, msg.AddTransaction(cb))
	for _, tx := range txs {
		require.NoError(h.t, msg.AddTransaction(tx))
	}

	utxs := make([]*btcutil.Tx, len(msg.Transactions))
	for i, tx := range msg.Transactions {
		utxs[i] = btcutil.NewTx(tx)
	}
	msg.Header.MerkleRoot = blockchain.CalcMerkleRoot(utxs, false)

	block := btcutil.NewBlock(msg)
	block.SetHeight(parent.Height + 1)
	h.Store.AddBlock(block)

	return block, chainview.NewHeader(parent, &msg.Header)
}

// Mine extends the active chain with a block holding txs.
func (h *Harness) Mine(txs ...*wire.MsgTx) (*btcutil.Block,
	*chainview.Header) {

	block, hdr := h.MakeBlock(h.Chain.Tip(), txs...)
	h.Activate(hdr)

	return block, hdr
}

// MineEmpty extends the active chain with n coinbase-only blocks and returns
// them in height order.
func (h *Harness) MineEmpty(n int) []*btcutil.Block {
	blocks := make([]*btcutil.Block, 0, n)
	for i := 0; i < n; i++ {
		block, _ := h.Mine()
		blocks = append(blocks, block)
	}

	return blocks
}

// Branch builds n empty blocks on top of from without activating them.
func (h *Harness) Branch(from *chainview.Header,
	n int) ([]*btcutil.Block, *chainview.Header) {

	blocks := make([]*btcutil.Block, 0, n)
	tip := from
	for i := 0; i < n; i++ {
		var block *btcutil.Block
		block, tip = h.MakeBlock(tip)
		blocks = append(blocks, block)
	}

	return blocks, tip
}

// Activate makes the branch ending in tip the active chain.
func (h *Harness) Activate(tip *chainview.Header) {
	require.NoError(h.t, h.Chain.SetTip(tip))
}

// Block returns a stored block.
func (h *Harness) Block(hdr *chainview.Header) *btcutil.Block {
	block, err := h.Store.FetchBlock(&hdr.Hash)
	require.NoError(h.t, err)

	return block
}

// PayTo builds a transaction spending the given outpoints into one output
// per script, each paying amount.
func PayTo(amount btcutil.Amount, scripts [][]byte,
	inputs ...wire.OutPoint) *wire.MsgTx {

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, op := range inputs {
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	}
	for _, script := range scripts {
		tx.AddTxOut(wire.NewTxOut(int64(amount), script))
	}

	return tx
}

// ExternalInput returns an outpoint that no wallet can own, which is useful
// to fund test transactions out of thin air. Every seed gives a distinct
// outpoint.
func ExternalInput(seed uint32) wire.OutPoint {
	var op wire.OutPoint
	binary.BigEndian.PutUint32(op.Hash[:4], seed)
	op.Hash[31] = 0xee

	return op
}

func coinbase(height int32, nonce uint32) *wire.MsgTx {
	var script [8]byte
	binary.BigEndian.PutUint32(script[:4], uint32(height))
	binary.BigEndian.PutUint32(script[4:], nonce)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: math.MaxUint32},
		SignatureScript:  script[:],
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(50*btcutil.SatoshiPerBitcoin, []byte{0x51}))

	return tx
}
