package blockchain

import (
	"spvkit/chaincfg"
)

// ChainedValidator is one difficulty rule. IsValidatable is the activation
// predicate; the first validator in registration order whose predicate
// matches is the only one run for a block.
type ChainedValidator interface {
	IsValidatable(block, previous *Block) bool
	Validate(block, previous *Block) error
}

// ValidatorChain runs proof of work on every block and then at most one
// difficulty rule. It performs no I/O besides parent lookups.
type ValidatorChain struct {
	pow        *ProofOfWorkValidator
	validators []ChainedValidator
}

func NewEmptyValidatorChain(pow *ProofOfWorkValidator) *ValidatorChain {
	return &ValidatorChain{pow: pow}
}

// NewValidatorChain registers the difficulty rules of params in their
// activation order. source resolves ancestors for windowed rules.
func NewValidatorChain(params *chaincfg.Params, source BlockSource) *ValidatorChain {
	helper := &blockHelper{source: source}
	chain := NewEmptyValidatorChain(NewProofOfWorkValidator(params.PowHash, params.PowLimit))

	spacing := int64(params.TargetTimePerBlock.Seconds())
	checkpoint := params.Checkpoint.Height

	if params.ForkHash != nil {
		chain.Add(&ForkValidator{height: params.ForkHeight, hash: *params.ForkHash})
	}
	if params.Asert != nil {
		chain.Add(NewAsertValidator(*params.Asert, spacing, params.PowLimit))
	}
	if params.DAAHeight > 0 {
		chain.Add(&DAAValidator{
			helper:           helper,
			spacing:          spacing,
			window:           params.DAAWindow,
			activationHeight: params.DAAHeight,
			powLimit:         params.PowLimit,
			checkpointHeight: checkpoint,
			grace:            params.DAAGraceWindow,
		})
	}

	if params.DGWHeight > 0 {
		if params.ReduceMinDifficulty {
			chain.Add(&DarkGravityWaveTestNetValidator{
				spacing:          spacing,
				pastBlocks:       params.DGWPastBlocks,
				activationHeight: params.DGWHeight,
				powLimit:         params.PowLimit,
				maxTargetBits:    params.PowLimitBits,
			})
		}
		chain.Add(&DarkGravityWaveValidator{
			helper:           helper,
			spacing:          spacing,
			pastBlocks:       params.DGWPastBlocks,
			activationHeight: params.DGWHeight,
			powLimit:         params.PowLimit,
		})
		return chain
	}

	interval := params.RetargetInterval()
	chain.Add(&LegacyDifficultyAdjustmentValidator{
		helper:           helper,
		interval:         interval,
		targetTimespan:   int64(params.TargetTimespan.Seconds()),
		adjustmentFactor: params.RetargetAdjustmentFactor,
		powLimit:         params.PowLimit,
		fullLookback:     params.RetargetFullLookback,
	})
	if params.ReduceMinDifficulty {
		chain.Add(&LegacyTestNetDifficultyValidator{
			helper:         helper,
			interval:       interval,
			reductionTime:  int64(params.MinDiffReductionTime.Seconds()),
			maxTargetBits:  params.PowLimitBits,
			activationTime: params.MinDiffActivationTime,
		})
	}
	if params.EDAHeight > 0 {
		chain.Add(&EDAValidator{
			helper:           helper,
			activationHeight: params.EDAHeight,
			maxTargetBits:    params.PowLimitBits,
			powLimit:         params.PowLimit,
			checkpointHeight: checkpoint,
			grace:            params.EDAGraceWindow,
		})
	}
	chain.Add(&BitsValidator{interval: interval})
	return chain
}

// Add appends a validator after the already registered ones.
func (c *ValidatorChain) Add(v ChainedValidator) {
	c.validators = append(c.validators, v)
}

// Validate checks block against its accepted parent.
func (c *ValidatorChain) Validate(block, previous *Block) error {
	if block.PrevHash() != previous.Hash {
		return ErrPrevHashMismatch
	}
	if err := c.pow.Validate(block, previous); err != nil {
		return err
	}
	for _, v := range c.validators {
		if v.IsValidatable(block, previous) {
			return v.Validate(block, previous)
		}
	}
	return nil
}
