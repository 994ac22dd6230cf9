package blockchain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"spvkit/chaincfg/chaintest"
)

func TestForkValidatorTakesPrecedence(t *testing.T) {
	params := chaintest.Params()
	b := newChainBuilder(9, chaintest.GenesisTime, chaintest.EasyBits)

	forkBlock := b.child(chaintest.GenesisTime+600, 0x207ffff0)
	chaintest.Mine(&forkBlock.Header, params.PowHash)
	forkBlock.Hash = forkBlock.Header.BlockHash()

	validators := NewEmptyValidatorChain(NewProofOfWorkValidator(params.PowHash, params.PowLimit))
	validators.Add(&ForkValidator{height: 10, hash: forkBlock.Hash})
	validators.Add(&BitsValidator{interval: 2016})

	// The pinned hash wins over the bits rule the block would break.
	require.NoError(t, validators.Validate(forkBlock, b.tip()))

	other := b.child(chaintest.GenesisTime+1200, chaintest.EasyBits)
	chaintest.Mine(&other.Header, params.PowHash)
	other.Hash = other.Header.BlockHash()

	err := validators.Validate(other, b.tip())
	require.ErrorIs(t, err, ErrForkHashMismatch)
	require.True(t, IsConsensusError(err))
}

func TestValidatorChainRejectsWrongParent(t *testing.T) {
	params := chaintest.Params()
	b := newChainBuilder(0, chaintest.GenesisTime, chaintest.EasyBits)
	orphan := newChainBuilder(0, chaintest.GenesisTime+1, chaintest.EasyBits)

	block := b.child(chaintest.GenesisTime+600, chaintest.EasyBits)
	validators := NewValidatorChain(params, b.store)
	require.ErrorIs(t, validators.Validate(block, orphan.tip()), ErrPrevHashMismatch)
}
