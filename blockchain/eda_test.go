package blockchain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"spvkit/chaincfg"
)

func newTestEDA(b *chainBuilder, checkpointHeight, grace int32) *EDAValidator {
	return &EDAValidator{
		helper:           b.helper(),
		activationHeight: 0,
		maxTargetBits:    testMaxBits,
		powLimit:         chaincfg.BitcoinCashParams.PowLimit,
		checkpointHeight: checkpointHeight,
		grace:            grace,
	}
}

func TestEDA(t *testing.T) {
	tests := []struct {
		name    string
		bits    uint32
		spacing int64
		want    uint32
	}{
		{name: "regular spacing", bits: testBits, spacing: 600, want: testBits},
		{name: "just under twelve hours", bits: testBits, spacing: 7199, want: testBits},
		{name: "twelve hours", bits: testBits, spacing: 7200, want: 0x1c140000},
		{name: "capped", bits: 0x1d00fff0, spacing: 7200, want: testMaxBits},
		{name: "already minimum", bits: testMaxBits, spacing: 600, want: testMaxBits},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newChainBuilder(0, 1500000000, tt.bits)
			b.extend(20, tt.spacing, tt.bits)
			v := newTestEDA(b, 0, 0)

			next := b.child(b.tip().Timestamp()+600, tt.want)
			require.True(t, v.IsValidatable(next, b.tip()))
			require.NoError(t, v.Validate(next, b.tip()))

			next = b.child(b.tip().Timestamp()+600, tt.want-1)
			require.ErrorIs(t, v.Validate(next, b.tip()), ErrBitsMismatch)
		})
	}
}

func TestEDAGraceWindow(t *testing.T) {
	b := newChainBuilder(100, 1500000000, testBits)
	b.extend(3, 600, testBits)
	next := b.child(b.tip().Timestamp()+600, testBits+1)

	require.NoError(t, newTestEDA(b, 100, 6).Validate(next, b.tip()))
	require.ErrorIs(t, newTestEDA(b, 100, 0).Validate(next, b.tip()), ErrMissingAncestor)
}
