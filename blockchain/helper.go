package blockchain

import (
	"errors"
	"fmt"
	"sort"
)

const medianTimeBlocks = 11

type blockHelper struct {
	source BlockSource
}

func (h *blockHelper) parent(block *Block) (*Block, error) {
	parent, err := h.source.Block(block.PrevHash())
	if errors.Is(err, ErrBlockNotFound) {
		return nil, fmt.Errorf("%w: parent of block %d (%v)", ErrMissingAncestor, block.Height, block.Hash)
	}
	if err != nil {
		return nil, err
	}
	return parent, nil
}

// ancestor returns the block n generations below block.
func (h *blockHelper) ancestor(block *Block, n int32) (*Block, error) {
	cur := block
	for i := int32(0); i < n; i++ {
		parent, err := h.parent(cur)
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	return cur, nil
}

// medianTimePast is the median timestamp of block and its ten predecessors,
// or of fewer near the genesis block.
func (h *blockHelper) medianTimePast(block *Block) (int64, error) {
	timestamps := make([]int64, 0, medianTimeBlocks)
	cur := block
	for {
		timestamps = append(timestamps, cur.Timestamp())
		if len(timestamps) == medianTimeBlocks || cur.Height == 0 {
			break
		}
		parent, err := h.parent(cur)
		if err != nil {
			return 0, err
		}
		cur = parent
	}

	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps[len(timestamps)/2], nil
}

// withinGrace reports whether block is close enough to the checkpoint that a
// windowed rule cannot be evaluated and the block is trusted instead.
func withinGrace(block *Block, checkpointHeight, grace int32) bool {
	return grace > 0 && block.Height <= checkpointHeight+grace
}
