package network

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"

	"spvkit/consensus"
	"spvkit/wire"
)

// MerkleBlock is a filtered block together with its matched transactions.
type MerkleBlock struct {
	Header       btcwire.BlockHeader
	Hash         chainhash.Hash
	Matched      []chainhash.Hash
	Transactions []*btcwire.MsgTx
}

func (b *MerkleBlock) complete() bool {
	return len(b.Transactions) == len(b.Matched)
}

// GetMerkleBlocksTask downloads filtered blocks. The request is followed by
// a ping; a reply to it that arrives while blocks are still outstanding
// means the remote will not send them.
type GetMerkleBlocksTask struct {
	hashes    []chainhash.Hash
	blockHash consensus.HeaderHasher
	nonce     uint64
	timeout   time.Duration

	residual  map[chainhash.Hash]struct{}
	awaiting  map[chainhash.Hash]*MerkleBlock
	completed []*MerkleBlock
	started   bool
}

// NewGetMerkleBlocksTask requests hashes. blockHash identifies incoming
// merkle blocks and must match the network header hash.
func NewGetMerkleBlocksTask(hashes []chainhash.Hash, blockHash consensus.HeaderHasher) *GetMerkleBlocksTask {
	residual := make(map[chainhash.Hash]struct{}, len(hashes))
	for _, hash := range hashes {
		residual[hash] = struct{}{}
	}
	return &GetMerkleBlocksTask{
		hashes:    hashes,
		blockHash: blockHash,
		residual:  residual,
		awaiting:  make(map[chainhash.Hash]*MerkleBlock),
	}
}

// SetTimeout overrides the peer task timeout for this batch.
func (t *GetMerkleBlocksTask) SetTimeout(d time.Duration) *GetMerkleBlocksTask {
	t.timeout = d
	return t
}

func (t *GetMerkleBlocksTask) Timeout() time.Duration {
	return t.timeout
}

func (t *GetMerkleBlocksTask) Kind() string {
	return "getmerkleblocks"
}

func (t *GetMerkleBlocksTask) Start(r Requester) error {
	getData := btcwire.NewMsgGetDataSizeHint(uint(len(t.hashes)))
	for i := range t.hashes {
		if err := getData.AddInvVect(btcwire.NewInvVect(btcwire.InvTypeFilteredBlock, &t.hashes[i])); err != nil {
			return err
		}
	}
	nonce, err := btcwire.RandomUint64()
	if err != nil {
		return err
	}
	t.nonce = nonce
	t.started = true

	if err := r.SendMessage(getData); err != nil {
		return err
	}
	return r.SendMessage(btcwire.NewMsgPing(t.nonce))
}

func (t *GetMerkleBlocksTask) HandleMessage(_ Requester, msg btcwire.Message) (bool, error) {
	switch m := msg.(type) {
	case *btcwire.MsgMerkleBlock:
		return t.handleMerkleBlock(m)

	case *btcwire.MsgTx:
		hash := m.TxHash()
		block, ok := t.awaiting[hash]
		if !ok {
			return false, nil
		}
		delete(t.awaiting, hash)
		block.Transactions = append(block.Transactions, m)
		if block.complete() {
			t.finish(block)
		}
		return true, nil

	case *btcwire.MsgPong:
		if m.Nonce != t.nonce {
			return false, nil
		}
		if len(t.residual) > 0 {
			return true, fmt.Errorf("%w: %d of %d blocks missing", ErrBlockNotReceived, len(t.residual), len(t.hashes))
		}
		return true, nil
	}
	return false, nil
}

func (t *GetMerkleBlocksTask) handleMerkleBlock(m *btcwire.MsgMerkleBlock) (bool, error) {
	hash := t.blockHash(&m.Header)
	if _, ok := t.residual[hash]; !ok {
		return false, nil
	}

	matches, err := wire.ExtractMerkleMatches(m)
	if err != nil {
		return true, fmt.Errorf("block %v: %w", hash, err)
	}
	if matches.Root != m.Header.MerkleRoot {
		return true, fmt.Errorf("block %v: %w", hash, ErrMerkleRootMismatch)
	}

	block := &MerkleBlock{
		Header:  m.Header,
		Hash:    hash,
		Matched: matches.Matched,
	}
	for _, txHash := range matches.Matched {
		t.awaiting[txHash] = block
	}
	if block.complete() {
		t.finish(block)
	}
	return true, nil
}

func (t *GetMerkleBlocksTask) finish(block *MerkleBlock) {
	delete(t.residual, block.Hash)
	t.completed = append(t.completed, block)
}

func (t *GetMerkleBlocksTask) Done() bool {
	return t.started && len(t.residual) == 0
}

// Blocks returns the fully received blocks in completion order.
func (t *GetMerkleBlocksTask) Blocks() []*MerkleBlock {
	return t.completed
}

// Remaining lists the requested hashes not yet fully received.
func (t *GetMerkleBlocksTask) Remaining() []chainhash.Hash {
	var out []chainhash.Hash
	for _, hash := range t.hashes {
		if _, ok := t.residual[hash]; ok {
			out = append(out, hash)
		}
	}
	return out
}
