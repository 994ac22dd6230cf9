// Package discovery finds the blocks holding wallet history by asking an
// address index service, so that only those blocks are fetched in full.
package discovery

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Transaction is one history entry returned by an index service.
type Transaction struct {
	TxID string

	// BlockHash and BlockHeight are zero and -1 for unconfirmed entries.
	BlockHash   chainhash.Hash
	BlockHeight int32

	// Addresses lists input and output addresses; Scripts the output
	// scripts.
	Addresses []string
	Scripts   [][]byte
}

func (t *Transaction) Confirmed() bool {
	return t.BlockHeight >= 0 && t.BlockHash != (chainhash.Hash{})
}

// IndexAPI is an address index service.
type IndexAPI interface {
	// Transactions returns the history of every address in addrs.
	Transactions(ctx context.Context, addrs []string) ([]Transaction, error)
}
