package chaincfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckpointHashes(t *testing.T) {
	for _, params := range []*Params{&MainNetParams, &TestNet3Params, &BitcoinCashParams, &LitecoinParams} {
		t.Run(params.Name, func(t *testing.T) {
			require.NoError(t, params.Validate())
			header := params.Checkpoint.Header
			require.Equal(t, params.Checkpoint.Hash, params.BlockHash(&header))
		})
	}
}

func TestDashRequiresHeaderHasher(t *testing.T) {
	require.ErrorIs(t, DashParams.Validate(), ErrNoHeaderHasher)
	require.ErrorIs(t, DashTestNetParams.Validate(), ErrNoHeaderHasher)
}

func TestRetargetInterval(t *testing.T) {
	tests := []struct {
		params *Params
		want   int32
	}{
		{params: &MainNetParams, want: 2016},
		{params: &LitecoinParams, want: 2016},
		{params: &BitcoinCashParams, want: 2016},
	}
	for _, tt := range tests {
		if got := tt.params.RetargetInterval(); got != tt.want {
			t.Errorf("%s: RetargetInterval() = %d, want %d", tt.params.Name, got, tt.want)
		}
	}
}

func TestParamsForName(t *testing.T) {
	params, err := ParamsForName("testnet3")
	require.NoError(t, err)
	require.Equal(t, time.Minute*20, params.MinDiffReductionTime)

	_, err = ParamsForName("nonesuch")
	require.Error(t, err)
}
