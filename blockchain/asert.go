package blockchain

import (
	"math/big"

	btcchain "github.com/btcsuite/btcd/blockchain"

	"spvkit/chaincfg"
)

// AsertValidator implements aserti3-2d: the target grows or shrinks by a
// power of two for every half-life the chain drifts from its ideal schedule
// relative to a fixed anchor block.
type AsertValidator struct {
	anchor    chaincfg.AsertAnchor
	spacing   int64
	powLimit  *big.Int
	refTarget *big.Int
}

func NewAsertValidator(anchor chaincfg.AsertAnchor, spacing int64, powLimit *big.Int) *AsertValidator {
	return &AsertValidator{
		anchor:    anchor,
		spacing:   spacing,
		powLimit:  powLimit,
		refTarget: btcchain.CompactToBig(anchor.Bits),
	}
}

func (v *AsertValidator) IsValidatable(block, _ *Block) bool {
	return block.Height > v.anchor.Height
}

func (v *AsertValidator) Validate(block, previous *Block) error {
	return checkBits(block, btcchain.BigToCompact(v.NextTarget(previous.Height, previous.Timestamp())))
}

// NextTarget computes the target of the child of a block at prevHeight with
// timestamp prevTime, using 16 bit fixed point for the fractional exponent.
func (v *AsertValidator) NextTarget(prevHeight int32, prevTime int64) *big.Int {
	timeDiff := prevTime - v.anchor.ParentTimestamp
	heightDiff := int64(prevHeight - v.anchor.Height)

	exponent := ((timeDiff - v.spacing*(heightDiff+1)) * 65536) / v.anchor.HalfLife
	shifts := exponent >> 16
	frac := uint64(uint16(exponent))

	// Cubic approximation of 2^frac, error below 0.013%.
	factor := 65536 + ((195766423245049*frac +
		971821376*frac*frac +
		5127*frac*frac*frac +
		(1 << 47)) >> 48)

	next := new(big.Int).Mul(v.refTarget, new(big.Int).SetUint64(factor))
	shifts -= 16
	if shifts <= 0 {
		next.Rsh(next, uint(-shifts))
	} else {
		next.Lsh(next, uint(shifts))
	}

	if next.Sign() == 0 {
		return big.NewInt(1)
	}
	if next.Cmp(v.powLimit) > 0 {
		return new(big.Int).Set(v.powLimit)
	}
	return next
}
