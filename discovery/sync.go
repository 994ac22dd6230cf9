package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"spvkit/blockchain"
	"spvkit/chaincfg"
)

const DefaultMaxAccounts = 100

// ErrSyncFailed is returned when discovery could not complete, typically
// because the index kept failing after retries.
var ErrSyncFailed = errors.New("initial sync failed")

// KeyWatermark records how many keys each account uses, implemented by
// crypto.Keychain.
type KeyWatermark interface {
	SetKeyCount(account, external, internal uint32)
}

// BlockHashStore receives the blocks to fetch in full.
type BlockHashStore interface {
	AddBlockHashes(hashes []blockchain.BlockHash) error
}

type SyncerConfig struct {
	Params    *chaincfg.Params
	API       IndexAPI
	Keys      KeyDeriver
	Watermark KeyWatermark
	Store     BlockHashStore

	GapLimit    uint32
	MaxAccounts uint32
	NewBackOff  func() backoff.BackOff
	Log         *logrus.Entry
}

// SyncResult summarizes an initial sync.
type SyncResult struct {
	Accounts    []*AccountResult
	BlockHashes []blockchain.BlockHash
}

// InitialSyncer runs block discovery over consecutive accounts until one
// shows no activity.
type InitialSyncer struct {
	cfg       SyncerConfig
	discovery *BlockDiscovery
	log       *logrus.Entry
}

func NewInitialSyncer(cfg SyncerConfig) (*InitialSyncer, error) {
	if cfg.Params == nil || cfg.API == nil || cfg.Keys == nil || cfg.Store == nil {
		return nil, errors.New("initial sync requires params, index api, keys and store")
	}
	if cfg.MaxAccounts == 0 {
		cfg.MaxAccounts = DefaultMaxAccounts
	}
	if cfg.Log == nil {
		cfg.Log = logrus.WithField("component", "discovery")
	}
	fetcher := NewBlockHashFetcher(cfg.API, cfg.NewBackOff, cfg.Log)
	return &InitialSyncer{
		cfg:       cfg,
		discovery: NewBlockDiscovery(cfg.Params, cfg.Keys, fetcher, cfg.GapLimit, cfg.Log),
		log:       cfg.Log,
	}, nil
}

// Sync discovers accounts 0, 1, ... and queues the union of their blocks,
// one per height in ascending order.
func (s *InitialSyncer) Sync(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}
	byHeight := make(map[int32]blockchain.BlockHash)

	for account := uint32(0); account < s.cfg.MaxAccounts; account++ {
		res, err := s.discovery.DiscoverAccount(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("%w: account %d: %w", ErrSyncFailed, account, err)
		}
		if !res.Used() {
			break
		}
		result.Accounts = append(result.Accounts, res)
		for _, bh := range res.BlockHashes {
			if _, ok := byHeight[bh.Height]; !ok {
				byHeight[bh.Height] = bh
			}
		}
		s.log.WithFields(logrus.Fields{
			"account":  account,
			"external": res.ExternalKeys,
			"internal": res.InternalKeys,
			"blocks":   len(res.BlockHashes),
		}).Info("Discovered account")
	}

	for _, bh := range byHeight {
		result.BlockHashes = append(result.BlockHashes, bh)
	}
	sort.Slice(result.BlockHashes, func(i, j int) bool {
		return result.BlockHashes[i].Height < result.BlockHashes[j].Height
	})

	if len(result.BlockHashes) > 0 {
		if err := s.cfg.Store.AddBlockHashes(result.BlockHashes); err != nil {
			return nil, fmt.Errorf("%w: failed to store block hashes: %w", ErrSyncFailed, err)
		}
	}
	if s.cfg.Watermark != nil {
		for _, res := range result.Accounts {
			s.cfg.Watermark.SetKeyCount(res.Account, res.ExternalKeys, res.InternalKeys)
		}
	}

	s.log.WithFields(logrus.Fields{
		"accounts": len(result.Accounts),
		"blocks":   len(result.BlockHashes),
	}).Info("Initial sync complete")
	return result, nil
}
