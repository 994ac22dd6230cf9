package blockchain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

// UnknownHeight marks a BlockHash whose height has not been assigned yet.
const UnknownHeight int32 = -1

// Block is an accepted header together with its position in the chain.
type Block struct {
	Header btcwire.BlockHeader
	Hash   chainhash.Hash
	Height int32

	// Stale is set by storage when the block ends up on an abandoned fork.
	Stale bool
}

func NewBlock(header *btcwire.BlockHeader, hash chainhash.Hash, height int32) *Block {
	return &Block{
		Header: *header,
		Hash:   hash,
		Height: height,
	}
}

func (b *Block) PrevHash() chainhash.Hash {
	return b.Header.PrevBlock
}

func (b *Block) Bits() uint32 {
	return b.Header.Bits
}

// Timestamp returns the header time in unix seconds.
func (b *Block) Timestamp() int64 {
	return b.Header.Timestamp.Unix()
}

// BlockHash is a header hash that still has to be fetched in full.
type BlockHash struct {
	Hash   chainhash.Hash
	Height int32
}
