package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ForkValidator pins the first block of a chain split to a known hash.
type ForkValidator struct {
	height int32
	hash   chainhash.Hash
}

func (v *ForkValidator) IsValidatable(block, _ *Block) bool {
	return block.Height == v.height
}

func (v *ForkValidator) Validate(block, _ *Block) error {
	if block.Hash != v.hash {
		return fmt.Errorf("%w: height %d has %v, want %v", ErrForkHashMismatch, block.Height, block.Hash, v.hash)
	}
	return nil
}
