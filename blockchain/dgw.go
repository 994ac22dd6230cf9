package blockchain

import (
	"math/big"

	btcchain "github.com/btcsuite/btcd/blockchain"
)

// DarkGravityWaveValidator retargets every block from a weighted average of
// the last pastBlocks targets.
type DarkGravityWaveValidator struct {
	helper           *blockHelper
	spacing          int64
	pastBlocks       int32
	activationHeight int32
	powLimit         *big.Int
}

func (v *DarkGravityWaveValidator) IsValidatable(block, _ *Block) bool {
	return block.Height >= v.activationHeight
}

func (v *DarkGravityWaveValidator) Validate(block, previous *Block) error {
	expected, err := v.nextBits(previous)
	if err != nil {
		return err
	}
	return checkBits(block, expected)
}

func (v *DarkGravityWaveValidator) nextBits(previous *Block) (uint32, error) {
	if previous.Height < v.pastBlocks {
		return btcchain.BigToCompact(v.powLimit), nil
	}

	cur := previous
	avg := new(big.Int)
	for count := int64(1); count <= int64(v.pastBlocks); count++ {
		target := btcchain.CompactToBig(cur.Bits())
		if count == 1 {
			avg.Set(target)
		} else {
			avg.Mul(avg, big.NewInt(count))
			avg.Add(avg, target)
			avg.Div(avg, big.NewInt(count+1))
		}

		if count != int64(v.pastBlocks) {
			parent, err := v.helper.parent(cur)
			if err != nil {
				return 0, err
			}
			cur = parent
		}
	}

	targetTimespan := int64(v.pastBlocks) * v.spacing
	actualTimespan := previous.Timestamp() - cur.Timestamp()
	if actualTimespan < targetTimespan/3 {
		actualTimespan = targetTimespan / 3
	}
	if actualTimespan > targetTimespan*3 {
		actualTimespan = targetTimespan * 3
	}

	next := avg.Mul(avg, big.NewInt(actualTimespan))
	next.Div(next, big.NewInt(targetTimespan))
	if next.Cmp(v.powLimit) > 0 {
		next.Set(v.powLimit)
	}
	return btcchain.BigToCompact(next), nil
}

// DarkGravityWaveTestNetValidator handles testnet blocks arriving long after
// their parent: past four spacings the target is ten times the parent's,
// past two full retarget windows it drops to the minimum difficulty.
type DarkGravityWaveTestNetValidator struct {
	spacing          int64
	pastBlocks       int32
	activationHeight int32
	powLimit         *big.Int
	maxTargetBits    uint32
}

func (v *DarkGravityWaveTestNetValidator) IsValidatable(block, previous *Block) bool {
	return block.Height >= v.activationHeight && block.Timestamp() > previous.Timestamp()+4*v.spacing
}

func (v *DarkGravityWaveTestNetValidator) Validate(block, previous *Block) error {
	if block.Timestamp() > previous.Timestamp()+2*int64(v.pastBlocks)*v.spacing {
		return checkBits(block, v.maxTargetBits)
	}

	target := btcchain.CompactToBig(previous.Bits())
	target.Mul(target, big.NewInt(10))
	if target.Cmp(v.powLimit) > 0 {
		target.Set(v.powLimit)
	}
	return checkBits(block, btcchain.BigToCompact(target))
}
