package network

import (
	btcwire "github.com/btcsuite/btcd/wire"

	"spvkit/blockchain"
)

// PeerGroupListener observes peer lifecycle. Callbacks run on the peer
// group goroutine and must return quickly.
type PeerGroupListener interface {
	OnPeerConnect(host string)
	OnPeerReady(host string)
	OnPeerDisconnect(host string, err error)
}

// SyncListener observes chain and wallet data as it arrives. Callbacks run
// on the peer group goroutine and must return quickly.
type SyncListener interface {
	OnHeadersAccepted(blocks []*blockchain.Block)
	OnHeadersSynced(tip *blockchain.Block)
	OnMerkleBlock(block *MerkleBlock)
	OnTransactions(txs []*btcwire.MsgTx)
}

// ReorgListener is optionally implemented by a SyncListener that wants to
// know when accepted headers replaced part of the main chain.
type ReorgListener interface {
	OnReorganize(forkPoint *blockchain.Block, blocks []*blockchain.Block)
}
