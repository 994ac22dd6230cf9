package blockchain

import (
	"math/big"
	"testing"

	btcchain "github.com/btcsuite/btcd/blockchain"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"spvkit/chaincfg"
)

const (
	asertAnchorHeight = 100
	asertAnchorTime   = 1000000
	asertHalfLife     = 2 * 24 * 60 * 60
)

func newTestAsert() *AsertValidator {
	anchor := chaincfg.AsertAnchor{
		Height:          asertAnchorHeight,
		Bits:            testBits,
		ParentTimestamp: asertAnchorTime,
		HalfLife:        asertHalfLife,
	}
	return NewAsertValidator(anchor, 600, chaincfg.BitcoinCashParams.PowLimit)
}

func TestAsertNextTarget(t *testing.T) {
	ref := btcchain.CompactToBig(testBits)
	v := newTestAsert()

	tests := []struct {
		name       string
		prevHeight int32
		prevTime   int64
		want       *big.Int
	}{
		{
			name:       "on schedule",
			prevHeight: asertAnchorHeight,
			prevTime:   asertAnchorTime + 600,
			want:       ref,
		},
		{
			name:       "on schedule later",
			prevHeight: asertAnchorHeight + 1000,
			prevTime:   asertAnchorTime + 600*1001,
			want:       ref,
		},
		{
			name:       "one half-life behind",
			prevHeight: asertAnchorHeight,
			prevTime:   asertAnchorTime + 600 + asertHalfLife,
			want:       new(big.Int).Mul(ref, big.NewInt(2)),
		},
		{
			name:       "one half-life ahead",
			prevHeight: asertAnchorHeight + 288,
			prevTime:   asertAnchorTime + 600*289 - asertHalfLife,
			want:       new(big.Int).Div(ref, big.NewInt(2)),
		},
		{
			name:       "capped at pow limit",
			prevHeight: asertAnchorHeight,
			prevTime:   asertAnchorTime + 600 + 100*asertHalfLife,
			want:       chaincfg.BitcoinCashParams.PowLimit,
		},
		{
			name:       "never below one",
			prevHeight: asertAnchorHeight + 100000,
			prevTime:   asertAnchorTime,
			want:       big.NewInt(1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.NextTarget(tt.prevHeight, tt.prevTime)
			require.Zero(t, tt.want.Cmp(got), "got %x, want %x", got, tt.want)
		})
	}
}

func TestAsertTargetBounds(t *testing.T) {
	v := newTestAsert()
	powLimit := chaincfg.BitcoinCashParams.PowLimit

	rapid.Check(t, func(t *rapid.T) {
		height := rapid.Int32Range(asertAnchorHeight, asertAnchorHeight+1000000).Draw(t, "height")
		drift := rapid.Int64Range(-1e9, 1e9).Draw(t, "drift")

		got := v.NextTarget(height, asertAnchorTime+drift)
		if got.Sign() <= 0 || got.Cmp(powLimit) > 0 {
			t.Fatalf("target %x out of range", got)
		}
	})
}

func TestAsertValidate(t *testing.T) {
	b := newChainBuilder(asertAnchorHeight, asertAnchorTime+600, testBits)
	v := newTestAsert()

	next := b.child(b.tip().Timestamp()+600, testBits)
	require.True(t, v.IsValidatable(next, b.tip()))
	require.NoError(t, v.Validate(next, b.tip()))

	next = b.child(b.tip().Timestamp()+600, testBits+1)
	require.ErrorIs(t, v.Validate(next, b.tip()), ErrBitsMismatch)

	anchor := newChainBuilder(asertAnchorHeight-1, asertAnchorTime, testBits)
	require.False(t, v.IsValidatable(anchor.child(asertAnchorTime+600, testBits), anchor.tip()))
}

func TestAsertBitcoinCashAnchor(t *testing.T) {
	params := chaincfg.BitcoinCashParams
	anchor := *params.Asert
	v := NewAsertValidator(anchor, int64(params.TargetTimePerBlock.Seconds()), params.PowLimit)

	tests := []struct {
		name       string
		prevHeight int32
		prevTime   int64
		want       uint32
	}{
		{
			name:       "anchor on schedule",
			prevHeight: anchor.Height,
			prevTime:   anchor.ParentTimestamp + 600,
			want:       0x1804dafe,
		},
		{
			name:       "anchor ten minutes late",
			prevHeight: anchor.Height,
			prevTime:   anchor.ParentTimestamp + 1200,
			want:       0x1804ddfd,
		},
		{
			name:       "anchor one minute after parent",
			prevHeight: anchor.Height,
			prevTime:   anchor.ParentTimestamp + 60,
			want:       0x1804d851,
		},
		{
			name:       "ten blocks an hour early",
			prevHeight: anchor.Height + 10,
			prevTime:   anchor.ParentTimestamp + 600*11 - 3600,
			want:       0x1804c938,
		},
		{
			name:       "a day late after 144 blocks",
			prevHeight: anchor.Height + 144,
			prevTime:   anchor.ParentTimestamp + 600*145 + 86400,
			want:       0x1806ddb4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := btcchain.BigToCompact(v.NextTarget(tt.prevHeight, tt.prevTime))
			require.Equal(t, tt.want, got, "got %08x, want %08x", got, tt.want)
		})
	}
}
