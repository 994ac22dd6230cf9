package blockchain

import (
	"errors"
	"math/big"

	btcchain "github.com/btcsuite/btcd/blockchain"
)

const edaThreshold = 12 * 60 * 60

// EDAValidator implements the emergency difficulty adjustment: when the six
// blocks before the parent took more than twelve hours by median time past,
// the target is eased by a quarter.
type EDAValidator struct {
	helper           *blockHelper
	activationHeight int32
	maxTargetBits    uint32
	powLimit         *big.Int
	checkpointHeight int32
	grace            int32
}

func (v *EDAValidator) IsValidatable(block, _ *Block) bool {
	return block.Height > v.activationHeight
}

func (v *EDAValidator) Validate(block, previous *Block) error {
	if previous.Bits() == v.maxTargetBits {
		return checkBits(block, v.maxTargetBits)
	}

	expected, err := v.nextBits(previous)
	if errors.Is(err, ErrMissingAncestor) && withinGrace(block, v.checkpointHeight, v.grace) {
		return nil
	}
	if err != nil {
		return err
	}
	return checkBits(block, expected)
}

func (v *EDAValidator) nextBits(previous *Block) (uint32, error) {
	sixBack, err := v.helper.ancestor(previous, 6)
	if err != nil {
		return 0, err
	}
	mtpPrevious, err := v.helper.medianTimePast(previous)
	if err != nil {
		return 0, err
	}
	mtpSixBack, err := v.helper.medianTimePast(sixBack)
	if err != nil {
		return 0, err
	}

	if mtpPrevious-mtpSixBack < edaThreshold {
		return previous.Bits(), nil
	}

	target := btcchain.CompactToBig(previous.Bits())
	target.Add(target, new(big.Int).Rsh(target, 2))
	if target.Cmp(v.powLimit) > 0 {
		return v.maxTargetBits, nil
	}
	return btcchain.BigToCompact(target), nil
}
