package chaincfg

import (
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
)

// bitcoinGenesisHeader is shared by Bitcoin and Bitcoin Cash.
var bitcoinGenesisHeader = btcwire.BlockHeader{
	Version:    1,
	MerkleRoot: mustHash("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"),
	Timestamp:  time.Unix(1231006505, 0),
	Bits:       0x1d00ffff,
	Nonce:      2083236893,
}

var testNet3GenesisHeader = btcwire.BlockHeader{
	Version:    1,
	MerkleRoot: mustHash("4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"),
	Timestamp:  time.Unix(1296688602, 0),
	Bits:       0x1d00ffff,
	Nonce:      414098458,
}

var litecoinGenesisHeader = btcwire.BlockHeader{
	Version:    1,
	MerkleRoot: mustHash("97ddfbbae6be97fd6cdf3e7ca13232a3afff2353e29badfab7f73011edd4ced9"),
	Timestamp:  time.Unix(1317972665, 0),
	Bits:       0x1e0ffff0,
	Nonce:      2084524493,
}

func dashGenesisHeader(timestamp int64, nonce uint32) btcwire.BlockHeader {
	return btcwire.BlockHeader{
		Version:    1,
		MerkleRoot: mustHash("e0028eb9648db56b1ac77cf090b99048a8007e2bb64b68f092c03c7f56a662c7"),
		Timestamp:  time.Unix(timestamp, 0),
		Bits:       0x1e0ffff0,
		Nonce:      nonce,
	}
}
