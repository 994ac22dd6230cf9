package blockchain

import (
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

// memStore is an in-memory Store with the same stale semantics as the
// bbolt implementation.
type memStore struct {
	blocks map[chainhash.Hash]*Block
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[chainhash.Hash]*Block)}
}

func (s *memStore) Block(hash chainhash.Hash) (*Block, error) {
	block, ok := s.blocks[hash]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return block, nil
}

func (s *memStore) sorted(filter func(*Block) bool) []*Block {
	var out []*Block
	for _, b := range s.blocks {
		if filter(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

func (s *memStore) LastBlock() (*Block, error) {
	all := s.sorted(func(*Block) bool { return true })
	if len(all) == 0 {
		return nil, ErrBlockNotFound
	}
	return all[len(all)-1], nil
}

func (s *memStore) BlockByStale(stale bool, order SortOrder) (*Block, error) {
	matching := s.sorted(func(b *Block) bool { return b.Stale == stale })
	if len(matching) == 0 {
		return nil, ErrBlockNotFound
	}
	if order == SortAscending {
		return matching[0], nil
	}
	return matching[len(matching)-1], nil
}

func (s *memStore) AddBlocks(blocks []*Block) error {
	for _, block := range blocks {
		for _, existing := range s.blocks {
			if existing.Height == block.Height && existing.Hash != block.Hash {
				existing.Stale = true
			}
		}
		stored := *block
		stored.Stale = false
		s.blocks[block.Hash] = &stored
	}
	return nil
}

// chainBuilder grows a synthetic chain in a memStore. Hashes are real header
// hashes but headers are not mined; validators are exercised directly.
type chainBuilder struct {
	store  *memStore
	blocks []*Block
}

func newChainBuilder(height int32, timestamp int64, bits uint32) *chainBuilder {
	header := btcwire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(timestamp, 0),
		Bits:      bits,
	}
	root := NewBlock(&header, header.BlockHash(), height)
	store := newMemStore()
	store.blocks[root.Hash] = root
	return &chainBuilder{store: store, blocks: []*Block{root}}
}

func (b *chainBuilder) tip() *Block {
	return b.blocks[len(b.blocks)-1]
}

// child returns an unstored child of the tip.
func (b *chainBuilder) child(timestamp int64, bits uint32) *Block {
	parent := b.tip()
	header := btcwire.BlockHeader{
		Version:   1,
		PrevBlock: parent.Hash,
		Timestamp: time.Unix(timestamp, 0),
		Bits:      bits,
	}
	return NewBlock(&header, header.BlockHash(), parent.Height+1)
}

func (b *chainBuilder) add(timestamp int64, bits uint32) *Block {
	block := b.child(timestamp, bits)
	b.store.blocks[block.Hash] = block
	b.blocks = append(b.blocks, block)
	return block
}

// extend appends count blocks spaced spacing seconds after the tip.
func (b *chainBuilder) extend(count int, spacing int64, bits uint32) {
	for i := 0; i < count; i++ {
		b.add(b.tip().Timestamp()+spacing, bits)
	}
}

func (b *chainBuilder) helper() *blockHelper {
	return &blockHelper{source: b.store}
}
