package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"spvkit/blockchain"
	"spvkit/chaincfg"
	"spvkit/crypto"
)

// AddressKey is a derived key the way it shows up in index results.
type AddressKey struct {
	Index     int
	Addresses []string
	Scripts   [][]byte
}

// NewAddressKeys lists the P2PKH and, where the network has one, P2WPKH
// forms of keys.
func NewAddressKeys(keys []*crypto.Key, params *chaincfg.Params) ([]AddressKey, error) {
	out := make([]AddressKey, 0, len(keys))
	for _, key := range keys {
		ak := AddressKey{
			Index:     int(key.Index),
			Addresses: []string{key.Address(params)},
		}
		p2pkh, err := key.P2PKHScript()
		if err != nil {
			return nil, err
		}
		ak.Scripts = append(ak.Scripts, p2pkh)

		segwit, err := key.SegwitAddress(params)
		switch {
		case errors.Is(err, crypto.ErrNoSegwit):
		case err != nil:
			return nil, err
		default:
			p2wpkh, err := key.P2WPKHScript()
			if err != nil {
				return nil, err
			}
			ak.Addresses = append(ak.Addresses, segwit)
			ak.Scripts = append(ak.Scripts, p2wpkh)
		}
		out = append(out, ak)
	}
	return out, nil
}

// LastUsedIndex returns the highest key index whose address or script
// appears in items, or -1 when none does.
func LastUsedIndex(keys []AddressKey, items []Transaction) int {
	addrs := make(map[string]struct{})
	scripts := make(map[string]struct{})
	for _, tx := range items {
		for _, a := range tx.Addresses {
			addrs[a] = struct{}{}
		}
		for _, s := range tx.Scripts {
			scripts[string(s)] = struct{}{}
		}
	}

	last := -1
	for _, key := range keys {
		if key.Index <= last {
			continue
		}
		if used(key, addrs, scripts) {
			last = key.Index
		}
	}
	return last
}

func used(key AddressKey, addrs, scripts map[string]struct{}) bool {
	for _, a := range key.Addresses {
		if _, ok := addrs[a]; ok {
			return true
		}
	}
	for _, s := range key.Scripts {
		if _, ok := scripts[string(s)]; ok {
			return true
		}
	}
	return false
}

// DefaultBackOff retries an index query five times with exponential delay.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithMaxRetries(b, 5)
}

// FetchResult is the outcome of one index query over two key lists.
type FetchResult struct {
	BlockHashes      []blockchain.BlockHash
	LastUsedExternal int
	LastUsedInternal int
}

// BlockHashFetcher turns key batches into the blocks that confirm their
// history.
type BlockHashFetcher struct {
	api        IndexAPI
	newBackOff func() backoff.BackOff
	log        *logrus.Entry
}

func NewBlockHashFetcher(api IndexAPI, newBackOff func() backoff.BackOff, log *logrus.Entry) *BlockHashFetcher {
	if newBackOff == nil {
		newBackOff = DefaultBackOff
	}
	if log == nil {
		log = logrus.WithField("component", "discovery")
	}
	return &BlockHashFetcher{api: api, newBackOff: newBackOff, log: log}
}

// Fetch queries the history of both lists at once. Failed queries are
// retried per the backoff policy.
func (f *BlockHashFetcher) Fetch(ctx context.Context, external, internal []AddressKey) (*FetchResult, error) {
	var addrs []string
	for _, list := range [][]AddressKey{external, internal} {
		for _, key := range list {
			addrs = append(addrs, key.Addresses...)
		}
	}

	var txs []Transaction
	op := func() error {
		var err error
		txs, err = f.api.Transactions(ctx, addrs)
		if err != nil {
			f.log.WithError(err).WithField("addresses", len(addrs)).Warn("Index query failed")
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(f.newBackOff(), ctx)); err != nil {
		return nil, err
	}

	res := &FetchResult{
		LastUsedExternal: LastUsedIndex(external, txs),
		LastUsedInternal: LastUsedIndex(internal, txs),
	}
	seen := make(map[chainhash.Hash]struct{})
	for _, tx := range txs {
		if !tx.Confirmed() {
			continue
		}
		if _, ok := seen[tx.BlockHash]; ok {
			continue
		}
		seen[tx.BlockHash] = struct{}{}
		res.BlockHashes = append(res.BlockHashes, blockchain.BlockHash{Hash: tx.BlockHash, Height: tx.BlockHeight})
	}
	return res, nil
}

// KeyDeriver derives public keys, implemented by crypto.Keychain.
type KeyDeriver interface {
	DeriveKeys(account uint32, branch crypto.Branch, start, count uint32) ([]*crypto.Key, error)
}

// AccountResult is what discovery learned about one account.
type AccountResult struct {
	Account     uint32
	BlockHashes []blockchain.BlockHash

	// ExternalKeys and InternalKeys are one past the last used index.
	ExternalKeys uint32
	InternalKeys uint32
}

func (r *AccountResult) Used() bool {
	return r.ExternalKeys > 0 || r.InternalKeys > 0
}

// BlockDiscovery scans one account a gap limit at a time.
type BlockDiscovery struct {
	params   *chaincfg.Params
	keys     KeyDeriver
	fetcher  *BlockHashFetcher
	gapLimit uint32
	log      *logrus.Entry
}

func NewBlockDiscovery(params *chaincfg.Params, keys KeyDeriver, fetcher *BlockHashFetcher, gapLimit uint32, log *logrus.Entry) *BlockDiscovery {
	if gapLimit == 0 {
		gapLimit = crypto.DefaultGapLimit
	}
	if log == nil {
		log = logrus.WithField("component", "discovery")
	}
	return &BlockDiscovery{params: params, keys: keys, fetcher: fetcher, gapLimit: gapLimit, log: log}
}

// DiscoverAccount derives batches of gapLimit keys on both branches until a
// batch shows no usage on either.
func (d *BlockDiscovery) DiscoverAccount(ctx context.Context, account uint32) (*AccountResult, error) {
	res := &AccountResult{Account: account}
	seen := make(map[chainhash.Hash]struct{})

	for start := uint32(0); ; start += d.gapLimit {
		external, err := d.batch(account, crypto.External, start)
		if err != nil {
			return nil, err
		}
		internal, err := d.batch(account, crypto.Internal, start)
		if err != nil {
			return nil, err
		}

		fetched, err := d.fetcher.Fetch(ctx, external, internal)
		if err != nil {
			return nil, err
		}
		for _, bh := range fetched.BlockHashes {
			if _, ok := seen[bh.Hash]; !ok {
				seen[bh.Hash] = struct{}{}
				res.BlockHashes = append(res.BlockHashes, bh)
			}
		}

		d.log.WithFields(logrus.Fields{
			"account":  account,
			"start":    start,
			"external": fetched.LastUsedExternal,
			"internal": fetched.LastUsedInternal,
			"blocks":   len(fetched.BlockHashes),
		}).Debug("Scanned key batch")

		if fetched.LastUsedExternal < 0 && fetched.LastUsedInternal < 0 {
			return res, nil
		}
		if fetched.LastUsedExternal >= 0 {
			res.ExternalKeys = uint32(fetched.LastUsedExternal) + 1
		}
		if fetched.LastUsedInternal >= 0 {
			res.InternalKeys = uint32(fetched.LastUsedInternal) + 1
		}
	}
}

func (d *BlockDiscovery) batch(account uint32, branch crypto.Branch, start uint32) ([]AddressKey, error) {
	keys, err := d.keys.DeriveKeys(account, branch, start, d.gapLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}
	return NewAddressKeys(keys, d.params)
}
