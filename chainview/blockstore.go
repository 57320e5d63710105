package chainview

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MemBlockStore is an in-memory BlockStore. Blocks whose header is known to
// the chain index but which have not been added yet are reported as not yet
// available.
type MemBlockStore struct {
	index ChainIndex

	mtx    sync.RWMutex
	blocks map[chainhash.Hash]*btcutil.Block
}

// A compile-time check to ensure MemBlockStore satisfies the BlockStore
// interface.
var _ BlockStore = (*MemBlockStore)(nil)

// NewMemBlockStore creates an empty block store backed by the index for
// availability decisions.
func NewMemBlockStore(index ChainIndex) *MemBlockStore {
	return &MemBlockStore{
		index:  index,
		blocks: make(map[chainhash.Hash]*btcutil.Block),
	}
}

// AddBlock stores the block.
func (s *MemBlockStore) AddBlock(block *btcutil.Block) {
	s.mtx.Lock()
	s.blocks[*block.Hash()] = block
	s.mtx.Unlock()
}

// RemoveBlock drops a stored block, which makes it look like it was never
// persisted.
func (s *MemBlockStore) RemoveBlock(hash *chainhash.Hash) {
	s.mtx.Lock()
	delete(s.blocks, *hash)
	s.mtx.Unlock()
}

// FetchBlock returns the block with the given hash.
func (s *MemBlockStore) FetchBlock(hash *chainhash.Hash) (*btcutil.Block,
	error) {

	s.mtx.RLock()
	block, ok := s.blocks[*hash]
	s.mtx.RUnlock()

	if ok {
		return block, nil
	}

	if _, known := s.index.HeaderByHash(hash); known {
		return nil, fmt.Errorf("block %v: %w", hash,
			ErrBlockNotYetAvailable)
	}

	return nil, fmt.Errorf("block %v: %w", hash, ErrBlockUnknown)
}
