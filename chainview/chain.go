package chainview

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Chain is an in-memory ChainIndex. It provides a flat view of the active
// branch of the header tree, from the genesis block up to the tip.
//
// For example, with a side chain as depicted below:
//
//	genesis -> 1 -> 2 -> 3 -> 4  -> 5
//	                      \-> 4a -> 5a -> 6a
//
// setting the tip to 6a makes the view
//
//	genesis -> 1 -> 2 -> 3 -> 4a -> 5a -> 6a
type Chain struct {
	mtx        sync.RWMutex
	nodes      []*Header
	byHash     map[chainhash.Hash]*Header
	downloaded bool
}

// A compile-time check to ensure Chain satisfies the ChainIndex interface.
var _ ChainIndex = (*Chain)(nil)

// NewChain creates a chain containing only the given genesis header.
func NewChain(genesis *wire.BlockHeader) *Chain {
	g := NewHeader(nil, genesis)

	return &Chain{
		nodes:      []*Header{g},
		byHash:     map[chainhash.Hash]*Header{g.Hash: g},
		downloaded: true,
	}
}

// Genesis returns the genesis header.
func (c *Chain) Genesis() *Header {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.nodes[0]
}

// Tip returns the header at the tip of the active chain.
func (c *Chain) Tip() *Header {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.nodes[len(c.nodes)-1]
}

// HeaderByHash resolves a hash on the active chain.
func (c *Chain) HeaderByHash(hash *chainhash.Hash) (*Header, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	h, ok := c.byHash[*hash]

	return h, ok
}

// HeaderByHeight returns the active chain header at the given height.
func (c *Chain) HeaderByHeight(height int32) (*Header, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if height < 0 || height >= int32(len(c.nodes)) {
		return nil, false
	}

	return c.nodes[height], true
}

// IsDownloaded reports whether the header chain is considered in sync with
// the network.
func (c *Chain) IsDownloaded() bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.downloaded
}

// SetDownloaded marks the header chain as (not) fully downloaded.
func (c *Chain) SetDownloaded(downloaded bool) {
	c.mtx.Lock()
	c.downloaded = downloaded
	c.mtx.Unlock()
}

// HeightForTime returns the height of the first active block whose
// timestamp is not before t.
func (c *Chain) HeightForTime(t time.Time) int32 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	idx := sort.Search(len(c.nodes), func(i int) bool {
		return !c.nodes[i].Timestamp().Before(t)
	})
	if idx == len(c.nodes) {
		idx--
	}

	return int32(idx)
}

// Connect extends the active chain with the given header, which must build
// on the current tip.
func (c *Chain) Connect(hdr *wire.BlockHeader) (*Header, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	tip := c.nodes[len(c.nodes)-1]
	if hdr.PrevBlock != tip.Hash {
		return nil, fmt.Errorf("header %v does not connect to tip %v",
			hdr.BlockHash(), tip)
	}

	h := NewHeader(tip, hdr)
	c.nodes = append(c.nodes, h)
	c.byHash[h.Hash] = h

	return h, nil
}

// SetTip makes the branch ending in tip the active chain. The header must
// share the genesis of the chain.
func (c *Chain) SetTip(tip *Header) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	fork := tip.FindFork(c.nodes[len(c.nodes)-1])
	if fork == nil {
		return fmt.Errorf("header %v is not part of this chain", tip)
	}

	for _, n := range c.nodes[fork.Height+1:] {
		delete(c.byHash, n.Hash)
	}

	needed := tip.Height + 1
	if int32(cap(c.nodes)) < needed {
		nodes := make([]*Header, needed)
		copy(nodes, c.nodes[:fork.Height+1])
		c.nodes = nodes
	} else {
		c.nodes = c.nodes[:needed]
	}

	for n := tip; n != nil && n.Height > fork.Height; n = n.parent {
		c.nodes[n.Height] = n
		c.byHash[n.Hash] = n
	}

	return nil
}
