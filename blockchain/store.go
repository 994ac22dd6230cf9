package blockchain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type SortOrder int

const (
	SortAscending SortOrder = iota
	SortDescending
)

// BlockSource resolves blocks by hash, stale or not. Lookups of unknown
// hashes return ErrBlockNotFound.
type BlockSource interface {
	Block(hash chainhash.Hash) (*Block, error)
}

// Store is the persistence collaborator of the header chain.
type Store interface {
	BlockSource

	// LastBlock returns the highest stored block, stale or not.
	LastBlock() (*Block, error)

	// BlockByStale returns the lowest (SortAscending) or highest
	// (SortDescending) block with the given stale flag.
	BlockByStale(stale bool, order SortOrder) (*Block, error)

	// AddBlocks stores a chained batch atomically. Main-chain blocks at
	// the heights it occupies are marked stale.
	AddBlocks(blocks []*Block) error
}

// chainView overlays a batch that is being validated on top of the store,
// so windowed rules can see headers that are not persisted yet.
type chainView struct {
	store   Store
	pending map[chainhash.Hash]*Block
}

func newChainView(store Store) *chainView {
	return &chainView{
		store:   store,
		pending: make(map[chainhash.Hash]*Block),
	}
}

func (v *chainView) Block(hash chainhash.Hash) (*Block, error) {
	if block, ok := v.pending[hash]; ok {
		return block, nil
	}
	return v.store.Block(hash)
}

func (v *chainView) add(block *Block) {
	v.pending[block.Hash] = block
}

func (v *chainView) reset() {
	v.pending = make(map[chainhash.Hash]*Block)
}
