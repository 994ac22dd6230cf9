package blockchain

import (
	"fmt"
	"math/big"

	btcchain "github.com/btcsuite/btcd/blockchain"

	"spvkit/consensus"
)

// ProofOfWorkValidator requires the proof-of-work hash, read as a little
// endian integer, to be strictly below the target encoded in bits.
type ProofOfWorkValidator struct {
	powHash  consensus.HeaderHasher
	powLimit *big.Int
}

func NewProofOfWorkValidator(powHash consensus.HeaderHasher, powLimit *big.Int) *ProofOfWorkValidator {
	return &ProofOfWorkValidator{powHash: powHash, powLimit: powLimit}
}

func (v *ProofOfWorkValidator) Validate(block, _ *Block) error {
	target := btcchain.CompactToBig(block.Bits())
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: target %064x is not positive", ErrInvalidProofOfWork, target)
	}
	if target.Cmp(v.powLimit) > 0 {
		return fmt.Errorf("%w: target %064x above pow limit", ErrInvalidProofOfWork, target)
	}

	hash := v.powHash(&block.Header)
	if btcchain.HashToBig(&hash).Cmp(target) >= 0 {
		return fmt.Errorf("%w: hash %v not below target %064x", ErrInvalidProofOfWork, hash, target)
	}
	return nil
}
