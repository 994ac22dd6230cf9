package blockchain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"spvkit/chaincfg"
)

// locatorDepth is how many recent hashes lead a header locator before it
// falls back to the checkpoint.
const locatorDepth = 10

// ConnectResult describes a batch accepted by ConnectHeaders.
type ConnectResult struct {
	Blocks []*Block

	// ForkPoint is set when the batch replaced part of the main chain.
	ForkPoint *Block
}

// Chain is the header chain rooted at the network checkpoint. ConnectHeaders
// must be called from a single goroutine; the read methods only touch the
// store and may be called from anywhere.
type Chain struct {
	params    *chaincfg.Params
	store     Store
	view      *chainView
	validator *ValidatorChain
	log       *logrus.Entry
}

// NewChain opens the header chain on store, seeding the checkpoint and its
// trusted ancestors on first use.
func NewChain(params *chaincfg.Params, store Store, log *logrus.Entry) (*Chain, error) {
	if log == nil {
		log = logrus.WithField("component", "chain")
	}

	view := newChainView(store)
	c := &Chain{
		params:    params,
		store:     store,
		view:      view,
		validator: NewValidatorChain(params, view),
		log:       log,
	}

	if _, err := store.LastBlock(); errors.Is(err, ErrBlockNotFound) {
		if err := c.seedCheckpoint(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load chain tip: %w", err)
	}
	return c, nil
}

func (c *Chain) seedCheckpoint() error {
	cp := c.params.Checkpoint
	blocks := make([]*Block, 0, len(cp.Ancestors)+1)
	base := cp.Height - int32(len(cp.Ancestors))
	for i := range cp.Ancestors {
		header := cp.Ancestors[i]
		blocks = append(blocks, NewBlock(&header, c.params.BlockHash(&header), base+int32(i)))
	}
	header := cp.Header
	blocks = append(blocks, NewBlock(&header, cp.Hash, cp.Height))

	if err := c.store.AddBlocks(blocks); err != nil {
		return fmt.Errorf("failed to seed checkpoint: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"height": cp.Height,
		"hash":   cp.Hash,
	}).Info("Seeded chain from checkpoint")
	return nil
}

// SetValidator replaces the validator chain, for coin-specific extensions.
func (c *Chain) SetValidator(v *ValidatorChain) {
	c.validator = v
}

// View is the block source windowed validators should resolve ancestors
// through, so that they see headers of the batch being connected.
func (c *Chain) View() BlockSource {
	return c.view
}

// Tip is the highest block of the main chain.
func (c *Chain) Tip() (*Block, error) {
	return c.store.BlockByStale(false, SortDescending)
}

func (c *Chain) Block(hash chainhash.Hash) (*Block, error) {
	return c.store.Block(hash)
}

// Locator lists the tip and its recent ancestors, newest first, ending with
// the checkpoint hash.
func (c *Chain) Locator() ([]chainhash.Hash, error) {
	tip, err := c.Tip()
	if err != nil {
		return nil, err
	}

	cpHash := c.params.Checkpoint.Hash
	locator := make([]chainhash.Hash, 0, locatorDepth+1)
	cur := tip
	for len(locator) < locatorDepth {
		locator = append(locator, cur.Hash)
		if cur.Hash == cpHash || cur.Height <= c.params.Checkpoint.Height {
			return locator, nil
		}
		parent, err := c.store.Block(cur.PrevHash())
		if err != nil {
			break
		}
		cur = parent
	}
	return append(locator, cpHash), nil
}

// ConnectHeaders validates headers in order against the running tip and
// stores the whole batch, or nothing if any header fails.
func (c *Chain) ConnectHeaders(headers []*btcwire.BlockHeader) (*ConnectResult, error) {
	if len(headers) == 0 {
		return &ConnectResult{}, nil
	}

	c.view.reset()
	defer c.view.reset()

	tip, err := c.Tip()
	if err != nil {
		return nil, err
	}

	parent, err := c.view.Block(headers[0].PrevBlock)
	if errors.Is(err, ErrBlockNotFound) {
		return nil, fmt.Errorf("%w: batch starts at unknown block %v", ErrPrevHashMismatch, headers[0].PrevBlock)
	}
	if err != nil {
		return nil, err
	}
	if parent.Height < c.params.Checkpoint.Height {
		return nil, fmt.Errorf("%w: batch connects below the checkpoint", ErrPrevHashMismatch)
	}

	var (
		blocks    []*Block
		forkPoint *Block
	)
	for _, header := range headers {
		if header.PrevBlock != parent.Hash {
			return nil, fmt.Errorf("%w: header after %v claims parent %v",
				ErrPrevHashMismatch, parent.Hash, header.PrevBlock)
		}

		hash := c.params.BlockHash(header)
		if len(blocks) == 0 {
			if known, err := c.store.Block(hash); err == nil && !known.Stale {
				parent = known
				continue
			}
			if parent.Hash != tip.Hash {
				forkPoint = parent
			}
		}

		block := NewBlock(header, hash, parent.Height+1)
		if err := c.validator.Validate(block, parent); err != nil {
			return nil, fmt.Errorf("block %d (%v): %w", block.Height, hash, err)
		}
		c.view.add(block)
		blocks = append(blocks, block)
		parent = block
	}

	if len(blocks) == 0 {
		return &ConnectResult{}, nil
	}
	if forkPoint != nil && parent.Height <= tip.Height {
		return nil, fmt.Errorf("%w: fork at %d reaches %d, tip is %d",
			ErrStaleBranch, forkPoint.Height, parent.Height, tip.Height)
	}

	if err := c.store.AddBlocks(blocks); err != nil {
		return nil, fmt.Errorf("failed to store headers: %w", err)
	}

	fields := logrus.Fields{
		"from":  blocks[0].Height,
		"to":    parent.Height,
		"count": len(blocks),
	}
	if forkPoint != nil {
		fields["fork_height"] = forkPoint.Height
		c.log.WithFields(fields).Warn("Chain reorganized")
	} else {
		c.log.WithFields(fields).Debug("Connected headers")
	}

	return &ConnectResult{Blocks: blocks, ForkPoint: forkPoint}, nil
}
