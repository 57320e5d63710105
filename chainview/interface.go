package chainview

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrBlockNotYetAvailable is returned by a BlockStore when the header of
	// a block is known but the block itself has not been persisted yet.
	// Callers may retry later.
	ErrBlockNotYetAvailable = errors.New("block not yet available")

	// ErrBlockUnknown is returned by a BlockStore for a block that will
	// never be served, for example because its header is not part of the
	// chain.
	ErrBlockUnknown = errors.New("block unknown")
)

// ChainIndex is the canonical header chain as seen by the node.
type ChainIndex interface {
	// Genesis returns the genesis header.
	Genesis() *Header

	// Tip returns the header at the tip of the active chain.
	Tip() *Header

	// HeaderByHash resolves a hash on the active chain. Headers of
	// branches that were reorganized away do not resolve.
	HeaderByHash(hash *chainhash.Hash) (*Header, bool)

	// HeaderByHeight returns the active chain header at the given height.
	HeaderByHeight(height int32) (*Header, bool)

	// IsDownloaded reports whether the header chain has caught up with
	// the network.
	IsDownloaded() bool

	// HeightForTime returns the height of the first block whose timestamp
	// is not before t. The tip height is returned if no such block exists.
	HeightForTime(t time.Time) int32
}

// BlockStore serves full blocks by hash.
type BlockStore interface {
	// FetchBlock returns the block with the given hash. The returned error
	// wraps ErrBlockNotYetAvailable or ErrBlockUnknown when the block can
	// not be served.
	FetchBlock(hash *chainhash.Hash) (*btcutil.Block, error)
}

// FindFork returns the deepest header common to a and b.
func FindFork(a, b *Header) *Header {
	return a.FindFork(b)
}

// OnActiveChain reports whether the header is part of the active chain of
// the index.
func OnActiveChain(index ChainIndex, h *Header) bool {
	if h == nil {
		return false
	}

	active, ok := index.HeaderByHeight(h.Height)

	return ok && active.Hash == h.Hash
}
