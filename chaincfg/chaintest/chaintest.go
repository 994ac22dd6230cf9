// Package chaintest provides a low difficulty network and a header miner
// for tests that need headers passing real proof-of-work checks.
package chaintest

import (
	"math/big"
	"time"

	btcchain "github.com/btcsuite/btcd/blockchain"
	btcwire "github.com/btcsuite/btcd/wire"

	"spvkit/chaincfg"
	"spvkit/consensus"
	"spvkit/wire"
)

// EasyBits encodes a target just below 2^255, so about every second nonce
// satisfies it.
const EasyBits = 0x207fffff

// GenesisTime is the timestamp of the test checkpoint.
const GenesisTime = 1600000000

// Params returns a fresh network without retargeting inside the first
// RetargetInterval blocks.
func Params() *chaincfg.Params {
	genesis := btcwire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(GenesisTime, 0),
		Bits:      EasyBits,
	}
	return &chaincfg.Params{
		Name:            "chaintest",
		Net:             0xdab5bffa,
		ProtocolVersion: btcwire.ProtocolVersion,
		DefaultPort:     "18444",
		MaxBlockSize:    1000000,

		PowLimit:                 new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1)),
		PowLimitBits:             EasyBits,
		TargetTimespan:           time.Hour * 24 * 14,
		TargetTimePerBlock:       time.Minute * 10,
		RetargetAdjustmentFactor: 4,

		Checkpoint: chaincfg.Checkpoint{
			Height: 0,
			Hash:   genesis.BlockHash(),
			Header: genesis,
		},

		BlockHash: consensus.DoubleSHA256,
		PowHash:   consensus.DoubleSHA256,
		Checksum:  wire.DoubleSHA256Checksum,

		PubKeyHashAddrID: 0x6f,
		Bech32HRPSegwit:  "bcrt",
		HDCoinType:       1,
	}
}

// Mine increments the nonce of header until its proof-of-work hash is below
// the target encoded in its bits.
func Mine(header *btcwire.BlockHeader, powHash consensus.HeaderHasher) {
	target := btcchain.CompactToBig(header.Bits)
	for {
		hash := powHash(header)
		if btcchain.HashToBig(&hash).Cmp(target) < 0 {
			return
		}
		header.Nonce++
	}
}

// Unmine increments the nonce until the header fails proof of work.
func Unmine(header *btcwire.BlockHeader, powHash consensus.HeaderHasher) {
	target := btcchain.CompactToBig(header.Bits)
	for {
		hash := powHash(header)
		if btcchain.HashToBig(&hash).Cmp(target) >= 0 {
			return
		}
		header.Nonce++
	}
}

// MineHeaders extends parent with count mined headers spaced ten minutes
// apart, carrying EasyBits.
func MineHeaders(params *chaincfg.Params, parent *btcwire.BlockHeader, count int) []*btcwire.BlockHeader {
	headers := make([]*btcwire.BlockHeader, 0, count)
	prev := parent
	for i := 0; i < count; i++ {
		header := &btcwire.BlockHeader{
			Version:   1,
			PrevBlock: params.BlockHash(prev),
			Timestamp: prev.Timestamp.Add(params.TargetTimePerBlock),
			Bits:      EasyBits,
		}
		Mine(header, params.PowHash)
		headers = append(headers, header)
		prev = header
	}
	return headers
}
