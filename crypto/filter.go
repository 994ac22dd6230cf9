package crypto

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bloom"
	btcwire "github.com/btcsuite/btcd/wire"
)

const DefaultFalsePositiveRate = 0.0005

// KeySource lists the keys a filter has to match.
type KeySource interface {
	WatchKeys() ([]*Key, error)
}

// FilterProvider builds the BIP37 filter peers apply to blocks and
// transactions relayed to us.
type FilterProvider struct {
	keys   KeySource
	fpRate float64
	tweak  uint32
}

func NewFilterProvider(keys KeySource, fpRate float64) (*FilterProvider, error) {
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}
	tweak, err := btcwire.RandomUint64()
	if err != nil {
		return nil, err
	}
	return &FilterProvider{keys: keys, fpRate: fpRate, tweak: uint32(tweak)}, nil
}

// FilterLoad matches every watched public key and its hash160, so both
// P2PK and P2PKH/P2WPKH outputs and their spends are relayed.
func (p *FilterProvider) FilterLoad() (*btcwire.MsgFilterLoad, error) {
	keys, err := p.keys.WatchKeys()
	if err != nil {
		return nil, fmt.Errorf("failed to list watched keys: %w", err)
	}

	filter := bloom.NewFilter(uint32(len(keys)*2), p.tweak, p.fpRate, btcwire.BloomUpdateP2PubkeyOnly)
	for _, key := range keys {
		filter.Add(key.PubKey)
		filter.Add(key.PubKeyHash())
	}
	return filter.MsgFilterLoad(), nil
}
