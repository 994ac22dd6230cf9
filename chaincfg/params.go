package chaincfg

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"

	"spvkit/consensus"
	"spvkit/wire"
)

// MaxHeadersPerMessage is the protocol ceiling for a headers response. A
// shorter response means the remote has no more headers to offer.
const MaxHeadersPerMessage = btcwire.MaxBlockHeadersPerMsg

var ErrNoHeaderHasher = errors.New("network has no header hasher configured")

// Checkpoint is a trusted header that roots the accepted chain. Ancestors
// are additional trusted headers directly below it, oldest first, so that
// windowed difficulty rules have history right after the checkpoint.
type Checkpoint struct {
	Height    int32
	Hash      chainhash.Hash
	Header    btcwire.BlockHeader
	Ancestors []btcwire.BlockHeader
}

// AsertAnchor fixes the reference block of the aserti3-2d algorithm.
type AsertAnchor struct {
	Height          int32
	Bits            uint32
	ParentTimestamp int64
	HalfLife        int64
}

// Params defines a network configuration. Values are set once at startup
// and never modified afterwards.
type Params struct {
	Name            string
	Net             uint32
	ProtocolVersion uint32
	DefaultPort     string
	DNSSeeds        []string
	MaxBlockSize    uint32

	PowLimit                 *big.Int
	PowLimitBits             uint32
	TargetTimespan           time.Duration
	TargetTimePerBlock       time.Duration
	RetargetAdjustmentFactor int64

	// Litecoin looks back a full interval on every retarget except the
	// first one, closing the off-by-one of the Bitcoin rule.
	RetargetFullLookback bool

	// Testnet minimum difficulty rule, active for blocks whose parent is
	// newer than MinDiffActivationTime.
	ReduceMinDifficulty   bool
	MinDiffActivationTime int64
	MinDiffReductionTime  time.Duration

	// Fork block check. Zero ForkHeight disables it.
	ForkHeight int32
	ForkHash   *chainhash.Hash

	// Emergency difficulty adjustment, active above EDAHeight.
	EDAHeight      int32
	EDAGraceWindow int32

	// Cash DAA, active once the parent height reaches DAAHeight.
	DAAHeight      int32
	DAAWindow      int32
	DAAGraceWindow int32

	Asert *AsertAnchor

	// Dark Gravity Wave, active from DGWHeight.
	DGWHeight     int32
	DGWPastBlocks int32

	Checkpoint Checkpoint

	BlockHash consensus.HeaderHasher
	PowHash   consensus.HeaderHasher
	Checksum  wire.ChecksumFunc

	PubKeyHashAddrID byte
	Bech32HRPSegwit  string
	HDCoinType       uint32
}

// RetargetInterval is the number of blocks between legacy retargets.
func (p *Params) RetargetInterval() int32 {
	return int32(p.TargetTimespan / p.TargetTimePerBlock)
}

// Validate reports parameter sets that cannot be used to sync.
func (p *Params) Validate() error {
	if p.BlockHash == nil || p.PowHash == nil {
		return fmt.Errorf("%s: %w", p.Name, ErrNoHeaderHasher)
	}
	if p.PowLimit == nil || p.PowLimit.Sign() <= 0 {
		return fmt.Errorf("%s: invalid pow limit", p.Name)
	}
	if p.TargetTimePerBlock <= 0 || p.TargetTimespan < p.TargetTimePerBlock {
		return fmt.Errorf("%s: invalid target timing", p.Name)
	}
	return nil
}

// NewCodec returns the wire codec for this network.
func (p *Params) NewCodec() *wire.Codec {
	return wire.NewCodec(p.Net, p.ProtocolVersion, p.Checksum)
}

// powLimit returns 2^bits - 1.
func powLimit(bits uint) *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bits), big.NewInt(1))
}

func mustHash(s string) chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic(err)
	}
	return *hash
}

func hashPtr(s string) *chainhash.Hash {
	hash := mustHash(s)
	return &hash
}

var MainNetParams = Params{
	Name:            "mainnet",
	Net:             0xd9b4bef9,
	ProtocolVersion: 70016,
	DefaultPort:     "8333",
	DNSSeeds: []string{
		"seed.bitcoin.sipa.be",
		"dnsseed.bluematt.me",
		"dnsseed.bitcoin.dashjr.org",
		"seed.bitcoinstats.com",
		"seed.bitcoin.jonasschnelli.ch",
		"seed.btc.petertodd.org",
	},
	MaxBlockSize: 1000000,

	PowLimit:                 powLimit(224),
	PowLimitBits:             0x1d00ffff,
	TargetTimespan:           time.Hour * 24 * 14,
	TargetTimePerBlock:       time.Minute * 10,
	RetargetAdjustmentFactor: 4,

	Checkpoint: Checkpoint{
		Height: 0,
		Hash:   mustHash("000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"),
		Header: bitcoinGenesisHeader,
	},

	BlockHash: consensus.DoubleSHA256,
	PowHash:   consensus.DoubleSHA256,
	Checksum:  wire.DoubleSHA256Checksum,

	PubKeyHashAddrID: 0x00,
	Bech32HRPSegwit:  "bc",
	HDCoinType:       0,
}

var TestNet3Params = Params{
	Name:            "testnet3",
	Net:             0x0709110b,
	ProtocolVersion: 70016,
	DefaultPort:     "18333",
	DNSSeeds: []string{
		"testnet-seed.bitcoin.jonasschnelli.ch",
		"seed.tbtc.petertodd.org",
		"testnet-seed.bluematt.me",
	},
	MaxBlockSize: 1000000,

	PowLimit:                 powLimit(224),
	PowLimitBits:             0x1d00ffff,
	TargetTimespan:           time.Hour * 24 * 14,
	TargetTimePerBlock:       time.Minute * 10,
	RetargetAdjustmentFactor: 4,

	ReduceMinDifficulty:   true,
	MinDiffActivationTime: 1329264000, // February 15th 2012
	MinDiffReductionTime:  time.Minute * 20,

	Checkpoint: Checkpoint{
		Height: 0,
		Hash:   mustHash("000000000933ea01ad0ee984209779baaec3ced90fa3f408719526f8d77f4943"),
		Header: testNet3GenesisHeader,
	},

	BlockHash: consensus.DoubleSHA256,
	PowHash:   consensus.DoubleSHA256,
	Checksum:  wire.DoubleSHA256Checksum,

	PubKeyHashAddrID: 0x6f,
	Bech32HRPSegwit:  "tb",
	HDCoinType:       1,
}

var BitcoinCashParams = Params{
	Name:            "bitcoincash",
	Net:             0xe8f3e1e3,
	ProtocolVersion: 70015,
	DefaultPort:     "8333",
	DNSSeeds: []string{
		"seed.bitcoinabc.org",
		"seed-abc.bitcoinforks.org",
		"btccash-seeder.bitcoinunlimited.info",
		"seed.bchd.cash",
	},
	MaxBlockSize: 32000000,

	PowLimit:                 powLimit(224),
	PowLimitBits:             0x1d00ffff,
	TargetTimespan:           time.Hour * 24 * 14,
	TargetTimePerBlock:       time.Minute * 10,
	RetargetAdjustmentFactor: 4,

	ForkHeight: 478559,
	ForkHash:   hashPtr("000000000000000000651ef99cb9fcbe0dadde1d424bd9f15ff20136191a5eec"),

	EDAHeight:      478558,
	EDAGraceWindow: 6,

	DAAHeight:      504031,
	DAAWindow:      144,
	DAAGraceWindow: 147,

	Asert: &AsertAnchor{
		Height:          661647,
		Bits:            0x1804dafe,
		ParentTimestamp: 1605447844,
		HalfLife:        2 * 24 * 60 * 60,
	},

	Checkpoint: Checkpoint{
		Height: 0,
		Hash:   mustHash("000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"),
		Header: bitcoinGenesisHeader,
	},

	BlockHash: consensus.DoubleSHA256,
	PowHash:   consensus.DoubleSHA256,
	Checksum:  wire.DoubleSHA256Checksum,

	PubKeyHashAddrID: 0x00,
	HDCoinType:       145,
}

var LitecoinParams = Params{
	Name:            "litecoin",
	Net:             0xdbb6c0fb,
	ProtocolVersion: 70015,
	DefaultPort:     "9333",
	DNSSeeds: []string{
		"seed-a.litecoin.loshan.co.uk",
		"dnsseed.thrasher.io",
		"dnsseed.litecointools.com",
		"dnsseed.litecoinpool.org",
	},
	MaxBlockSize: 1000000,

	PowLimit:                 powLimit(236),
	PowLimitBits:             0x1e0fffff,
	TargetTimespan:           time.Hour * 84,
	TargetTimePerBlock:       time.Second * 150,
	RetargetAdjustmentFactor: 4,
	RetargetFullLookback:     true,

	Checkpoint: Checkpoint{
		Height: 0,
		Hash:   mustHash("12a765e31ffd4059bada1e25190f6e98c99d9714d334efa41a195a7e7e04bfe2"),
		Header: litecoinGenesisHeader,
	},

	BlockHash: consensus.DoubleSHA256,
	PowHash:   consensus.Scrypt,
	Checksum:  wire.DoubleSHA256Checksum,

	PubKeyHashAddrID: 0x30,
	Bech32HRPSegwit:  "ltc",
	HDCoinType:       2,
}

// DashParams leaves BlockHash and PowHash unset: Dash identifies headers by
// their X11 digest, which callers must supply before syncing.
var DashParams = Params{
	Name:            "dash",
	Net:             0xbd6b0cbf,
	ProtocolVersion: 70220,
	DefaultPort:     "9999",
	DNSSeeds: []string{
		"dnsseed.dash.org",
		"dnsseed.dashdot.io",
	},
	MaxBlockSize: 2000000,

	PowLimit:                 powLimit(236),
	PowLimitBits:             0x1e0fffff,
	TargetTimespan:           time.Hour * 24,
	TargetTimePerBlock:       time.Second * 150,
	RetargetAdjustmentFactor: 4,

	DGWHeight:     34140,
	DGWPastBlocks: 24,

	Checkpoint: Checkpoint{
		Height: 0,
		Hash:   mustHash("00000ffd590b1485b3caadc19b22e6379c733355108f107a430458cdf3407ab6"),
		Header: dashGenesisHeader(1390095618, 28917698),
	},

	Checksum: wire.DoubleSHA256Checksum,

	PubKeyHashAddrID: 0x4c,
	HDCoinType:       5,
}

var DashTestNetParams = Params{
	Name:            "dash-testnet",
	Net:             0xffcae2ce,
	ProtocolVersion: 70220,
	DefaultPort:     "19999",
	DNSSeeds: []string{
		"testnet-seed.dashdot.io",
	},
	MaxBlockSize: 2000000,

	PowLimit:                 powLimit(236),
	PowLimitBits:             0x1e0fffff,
	TargetTimespan:           time.Hour * 24,
	TargetTimePerBlock:       time.Second * 150,
	RetargetAdjustmentFactor: 4,

	ReduceMinDifficulty: true,

	DGWHeight:     4002,
	DGWPastBlocks: 24,

	Checkpoint: Checkpoint{
		Height: 0,
		Hash:   mustHash("00000bafbc94add76cb75e2ec92894837288a481e5c005f6563d91623bf8bc2c"),
		Header: dashGenesisHeader(1390666206, 3861367235),
	},

	Checksum: wire.DoubleSHA256Checksum,

	PubKeyHashAddrID: 0x8c,
	HDCoinType:       1,
}

var registry = map[string]*Params{
	MainNetParams.Name:     &MainNetParams,
	TestNet3Params.Name:    &TestNet3Params,
	BitcoinCashParams.Name: &BitcoinCashParams,
	LitecoinParams.Name:    &LitecoinParams,
	DashParams.Name:        &DashParams,
	DashTestNetParams.Name: &DashTestNetParams,
}

// ParamsForName looks up a registered network.
func ParamsForName(name string) (*Params, error) {
	params, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", name)
	}
	return params, nil
}
