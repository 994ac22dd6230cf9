package blockchain

import (
	"math/big"

	btcchain "github.com/btcsuite/btcd/blockchain"
)

// BitsValidator keeps bits unchanged between retarget boundaries.
type BitsValidator struct {
	interval int32
}

func (v *BitsValidator) IsValidatable(block, _ *Block) bool {
	return block.Height%v.interval != 0
}

func (v *BitsValidator) Validate(block, previous *Block) error {
	return checkBits(block, previous.Bits())
}

// LegacyDifficultyAdjustmentValidator is the original Bitcoin retarget run
// on every interval-th block.
type LegacyDifficultyAdjustmentValidator struct {
	helper           *blockHelper
	interval         int32
	targetTimespan   int64
	adjustmentFactor int64
	powLimit         *big.Int
	fullLookback     bool
}

func (v *LegacyDifficultyAdjustmentValidator) IsValidatable(block, _ *Block) bool {
	return block.Height%v.interval == 0
}

func (v *LegacyDifficultyAdjustmentValidator) Validate(block, previous *Block) error {
	lookback := v.interval - 1
	if v.fullLookback && block.Height != v.interval {
		lookback = v.interval
	}
	first, err := v.helper.ancestor(previous, lookback)
	if err != nil {
		return err
	}

	return checkBits(block, v.nextBits(previous, previous.Timestamp()-first.Timestamp()))
}

func (v *LegacyDifficultyAdjustmentValidator) nextBits(previous *Block, actualTimespan int64) uint32 {
	minTimespan := v.targetTimespan / v.adjustmentFactor
	maxTimespan := v.targetTimespan * v.adjustmentFactor
	if actualTimespan < minTimespan {
		actualTimespan = minTimespan
	} else if actualTimespan > maxTimespan {
		actualTimespan = maxTimespan
	}

	target := btcchain.CompactToBig(previous.Bits())
	target.Mul(target, big.NewInt(actualTimespan))
	target.Div(target, big.NewInt(v.targetTimespan))
	if target.Cmp(v.powLimit) > 0 {
		target.Set(v.powLimit)
	}
	return btcchain.BigToCompact(target)
}

// LegacyTestNetDifficultyValidator implements the testnet rule allowing a
// minimum difficulty block after twice the target spacing without blocks.
// Otherwise the block inherits the last bits that were not the minimum
// difficulty, found by walking back to the previous retarget boundary.
type LegacyTestNetDifficultyValidator struct {
	helper         *blockHelper
	interval       int32
	reductionTime  int64
	maxTargetBits  uint32
	activationTime int64
}

func (v *LegacyTestNetDifficultyValidator) IsValidatable(_, previous *Block) bool {
	return previous.Timestamp() > v.activationTime
}

func (v *LegacyTestNetDifficultyValidator) Validate(block, previous *Block) error {
	if block.Timestamp() > previous.Timestamp()+v.reductionTime {
		return checkBits(block, v.maxTargetBits)
	}

	cur := previous
	for cur.Height%v.interval != 0 && cur.Bits() == v.maxTargetBits {
		parent, err := v.helper.parent(cur)
		if err != nil {
			return err
		}
		cur = parent
	}
	return checkBits(block, cur.Bits())
}
