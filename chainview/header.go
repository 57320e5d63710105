package chainview

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Header is a reference to a block position in a header chain. Headers form
// a tree through their parent pointers, so two headers on competing branches
// can always be compared for ancestry.
type Header struct {
	// Hash is the block hash of the header.
	Hash chainhash.Hash

	// Height is the height of the block within the chain.
	Height int32

	// BlockHeader is the raw wire header.
	BlockHeader wire.BlockHeader

	// parent is nil only for the genesis header.
	parent *Header
}

// NewHeader creates a header extending parent. A nil parent creates a
// genesis header at height zero.
func NewHeader(parent *Header, hdr *wire.BlockHeader) *Header {
	h := &Header{
		Hash:        hdr.BlockHash(),
		BlockHeader: *hdr,
		parent:      parent,
	}
	if parent != nil {
		h.Height = parent.Height + 1
	}

	return h
}

// Parent returns the header this one extends, or nil for genesis.
func (h *Header) Parent() *Header {
	return h.parent
}

// PrevHash returns the hash of the previous block as committed to in the
// header.
func (h *Header) PrevHash() chainhash.Hash {
	return h.BlockHeader.PrevBlock
}

// Timestamp returns the block time.
func (h *Header) Timestamp() time.Time {
	return h.BlockHeader.Timestamp
}

// Ancestor returns the ancestor of the header at the given height, or nil if
// the height is above this header or negative.
func (h *Header) Ancestor(height int32) *Header {
	if height < 0 || height > h.Height {
		return nil
	}

	n := h
	for n != nil && n.Height != height {
		n = n.parent
	}

	return n
}

// IsAncestorOf reports whether h is other or one of other's ancestors.
func (h *Header) IsAncestorOf(other *Header) bool {
	if other == nil {
		return false
	}

	anc := other.Ancestor(h.Height)

	return anc != nil && anc.Hash == h.Hash
}

// FindFork returns the deepest header that both h and other descend from.
// Nil is returned if the two headers do not share a genesis.
func (h *Header) FindFork(other *Header) *Header {
	if h == nil || other == nil {
		return nil
	}

	a, b := h, other
	if a.Height > b.Height {
		a = a.Ancestor(b.Height)
	} else if b.Height > a.Height {
		b = b.Ancestor(a.Height)
	}

	for a != nil && b != nil && a.Hash != b.Hash {
		a = a.parent
		b = b.parent
	}
	if a == nil || b == nil {
		return nil
	}

	return a
}

// String returns the header as height:hash.
func (h *Header) String() string {
	if h == nil {
		return "<nil>"
	}

	return fmt.Sprintf("%d:%v", h.Height, h.Hash)
}
