package blockchain

import (
	"errors"
	"math/big"
	"sort"

	btcchain "github.com/btcsuite/btcd/blockchain"
)

var oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)

// DAAValidator implements the cash difficulty adjustment: the target follows
// the work done over a 144 block window, measured between two suitable
// blocks to damp timestamp noise.
type DAAValidator struct {
	helper           *blockHelper
	spacing          int64
	window           int32
	activationHeight int32
	powLimit         *big.Int
	checkpointHeight int32
	grace            int32
}

func (v *DAAValidator) IsValidatable(_, previous *Block) bool {
	return previous.Height >= v.activationHeight
}

func (v *DAAValidator) Validate(block, previous *Block) error {
	expected, err := v.nextBits(previous)
	if errors.Is(err, ErrMissingAncestor) && withinGrace(block, v.checkpointHeight, v.grace) {
		return nil
	}
	if err != nil {
		return err
	}
	return checkBits(block, expected)
}

func (v *DAAValidator) nextBits(previous *Block) (uint32, error) {
	last, err := v.suitableBlock(previous)
	if err != nil {
		return 0, err
	}
	windowStart, err := v.helper.ancestor(previous, v.window)
	if err != nil {
		return 0, err
	}
	first, err := v.suitableBlock(windowStart)
	if err != nil {
		return 0, err
	}

	work := new(big.Int)
	cur := last
	for cur.Height > first.Height {
		work.Add(work, btcchain.CalcWork(cur.Bits()))
		cur, err = v.helper.parent(cur)
		if err != nil {
			return 0, err
		}
	}

	timespan := last.Timestamp() - first.Timestamp()
	if timespan > 288*v.spacing {
		timespan = 288 * v.spacing
	} else if timespan < 72*v.spacing {
		timespan = 72 * v.spacing
	}

	work.Mul(work, big.NewInt(v.spacing))
	work.Div(work, big.NewInt(timespan))
	if work.Sign() == 0 {
		return btcchain.BigToCompact(v.powLimit), nil
	}

	// (2^256 - work) / work
	target := new(big.Int).Sub(oneLsh256, work)
	target.Div(target, work)
	if target.Cmp(v.powLimit) > 0 {
		target.Set(v.powLimit)
	}
	return btcchain.BigToCompact(target), nil
}

func (v *DAAValidator) suitableBlock(block *Block) (*Block, error) {
	parent, err := v.helper.parent(block)
	if err != nil {
		return nil, err
	}
	grandparent, err := v.helper.parent(parent)
	if err != nil {
		return nil, err
	}
	return SuitableBlock(grandparent, parent, block), nil
}

// SuitableBlock returns the median by timestamp of three consecutive blocks.
// The blocks are put in height order first and then sorted with the fixed
// three-comparison network, so the result does not depend on argument
// order and ties resolve the same way every time.
func SuitableBlock(a, b, c *Block) *Block {
	blocks := [3]*Block{a, b, c}
	sort.Slice(blocks[:], func(i, j int) bool { return blocks[i].Height < blocks[j].Height })

	if blocks[0].Timestamp() > blocks[2].Timestamp() {
		blocks[0], blocks[2] = blocks[2], blocks[0]
	}
	if blocks[0].Timestamp() > blocks[1].Timestamp() {
		blocks[0], blocks[1] = blocks[1], blocks[0]
	}
	if blocks[1].Timestamp() > blocks[2].Timestamp() {
		blocks[1], blocks[2] = blocks[2], blocks[1]
	}
	return blocks[1]
}
