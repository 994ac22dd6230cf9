package consensus

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func genesisHeader(t *testing.T) *btcwire.BlockHeader {
	merkle, err := chainhash.NewHashFromStr("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b")
	require.NoError(t, err)
	return &btcwire.BlockHeader{
		Version:    1,
		MerkleRoot: *merkle,
		Timestamp:  time.Unix(1231006505, 0),
		Bits:       0x1d00ffff,
		Nonce:      2083236893,
	}
}

func TestDoubleSHA256(t *testing.T) {
	hash := DoubleSHA256(genesisHeader(t))
	require.Equal(t, "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f", hash.String())
}

func TestSerializeHeader(t *testing.T) {
	raw := SerializeHeader(genesisHeader(t))
	require.Len(t, raw, btcwire.MaxBlockHeaderPayload)
	require.Equal(t, chainhash.DoubleHashH(raw), DoubleSHA256(genesisHeader(t)))
}

// TestScryptDeterministic ensures the scrypt digest depends only on the
// header contents.
func TestScryptDeterministic(t *testing.T) {
	header := genesisHeader(t)

	first := Scrypt(header)
	second := Scrypt(header)
	require.Equal(t, first, second)
	require.NotEqual(t, DoubleSHA256(header), first)

	header.Nonce++
	require.NotEqual(t, first, Scrypt(header))
}
