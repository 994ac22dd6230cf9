package wire

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

var ErrMalformedMerkleBlock = errors.New("malformed merkle block")

// MerkleMatches is the result of walking the partial merkle tree carried by
// a merkleblock message.
type MerkleMatches struct {
	Root    chainhash.Hash
	Matched []chainhash.Hash
}

// partialTree walks a BIP37 partial merkle tree depth first, consuming one
// flag bit per visited node and one hash per pruned node or leaf.
type partialTree struct {
	txCount    uint32
	hashes     []*chainhash.Hash
	flags      []byte
	bitsUsed   int
	hashesUsed int
	matched    []chainhash.Hash
}

// ExtractMerkleMatches rebuilds the merkle root of msg and collects the
// hashes of the transactions the remote filter matched. The caller compares
// Root against msg.Header.MerkleRoot.
func ExtractMerkleMatches(msg *btcwire.MsgMerkleBlock) (*MerkleMatches, error) {
	if msg.Transactions == 0 {
		return nil, fmt.Errorf("%w: no transactions", ErrMalformedMerkleBlock)
	}
	if uint32(len(msg.Hashes)) > msg.Transactions {
		return nil, fmt.Errorf("%w: more hashes than transactions", ErrMalformedMerkleBlock)
	}
	if len(msg.Flags)*8 < len(msg.Hashes) {
		return nil, fmt.Errorf("%w: not enough flag bits", ErrMalformedMerkleBlock)
	}

	t := &partialTree{
		txCount: msg.Transactions,
		hashes:  msg.Hashes,
		flags:   msg.Flags,
	}

	var height uint32
	for t.width(height) > 1 {
		height++
	}

	root, err := t.traverse(height, 0)
	if err != nil {
		return nil, err
	}
	if (t.bitsUsed+7)/8 != len(t.flags) {
		return nil, fmt.Errorf("%w: unused flag bytes", ErrMalformedMerkleBlock)
	}
	if t.hashesUsed != len(t.hashes) {
		return nil, fmt.Errorf("%w: unused hashes", ErrMalformedMerkleBlock)
	}

	return &MerkleMatches{Root: root, Matched: t.matched}, nil
}

func (t *partialTree) width(height uint32) uint32 {
	return (t.txCount + (1 << height) - 1) >> height
}

func (t *partialTree) traverse(height, pos uint32) (chainhash.Hash, error) {
	if t.bitsUsed >= len(t.flags)*8 {
		return chainhash.Hash{}, fmt.Errorf("%w: flag bits exhausted", ErrMalformedMerkleBlock)
	}
	flag := (t.flags[t.bitsUsed/8] >> (t.bitsUsed % 8)) & 1
	t.bitsUsed++

	if height == 0 || flag == 0 {
		if t.hashesUsed >= len(t.hashes) {
			return chainhash.Hash{}, fmt.Errorf("%w: hashes exhausted", ErrMalformedMerkleBlock)
		}
		hash := *t.hashes[t.hashesUsed]
		t.hashesUsed++
		if height == 0 && flag == 1 {
			t.matched = append(t.matched, hash)
		}
		return hash, nil
	}

	left, err := t.traverse(height-1, pos*2)
	if err != nil {
		return chainhash.Hash{}, err
	}
	right := left
	if pos*2+1 < t.width(height-1) {
		right, err = t.traverse(height-1, pos*2+1)
		if err != nil {
			return chainhash.Hash{}, err
		}
		// Identical siblings would let a peer forge duplicate leaves.
		if right == left {
			return chainhash.Hash{}, fmt.Errorf("%w: duplicate sibling hashes", ErrMalformedMerkleBlock)
		}
	}

	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:]), nil
}
