package rpcserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"

	"spvkit/blockchain"
	"spvkit/network"
)

func (s *Server) getBlockCount() (interface{}, error) {
	tip, err := s.chain.Tip()
	if err != nil {
		return nil, err
	}
	return tip.Height, nil
}

func (s *Server) getBestBlockHash() (interface{}, error) {
	tip, err := s.chain.Tip()
	if err != nil {
		return nil, err
	}
	return tip.Hash.String(), nil
}

// getBlockHeader returns a stored header by hash.
func (s *Server) getBlockHeader(params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, invalidParams("missing block hash")
	}
	str, ok := params[0].(string)
	if !ok {
		return nil, invalidParams("block hash must be a string")
	}
	hash, err := chainhash.NewHashFromStr(str)
	if err != nil {
		return nil, invalidParams("invalid block hash: %v", err)
	}

	block, err := s.chain.Block(*hash)
	if errors.Is(err, blockchain.ErrBlockNotFound) {
		return nil, &JSONRPCError{Code: -5, Message: "block not found"}
	}
	if err != nil {
		return nil, err
	}
	return headerInfo(block), nil
}

func headerInfo(b *blockchain.Block) *HeaderInfo {
	return &HeaderInfo{
		Hash:       b.Hash.String(),
		Height:     b.Height,
		Version:    b.Header.Version,
		PrevBlock:  b.Header.PrevBlock.String(),
		MerkleRoot: b.Header.MerkleRoot.String(),
		Timestamp:  b.Timestamp(),
		Bits:       fmt.Sprintf("%08x", b.Header.Bits),
		Nonce:      b.Header.Nonce,
		Stale:      b.Stale,
	}
}

func (s *Server) getBlockchainInfo(ctx context.Context) (interface{}, error) {
	tip, err := s.chain.Tip()
	if err != nil {
		return nil, err
	}
	info := &ChainInfo{
		Chain:            s.params.Name,
		Headers:          tip.Height,
		BestBlockHash:    tip.Hash.String(),
		CheckpointHeight: s.params.Checkpoint.Height,
	}
	peers, err := s.peers(ctx)
	if err != nil {
		return nil, err
	}
	info.Peers = len(peers)
	return info, nil
}

func (s *Server) getPeerInfo(ctx context.Context) (interface{}, error) {
	peers, err := s.peers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerInfo{
			Addr:         p.Host,
			Score:        p.Score,
			StartHeight:  p.BestHeight,
			PendingTasks: p.PendingTasks,
			Synced:       p.Synced,
			SyncPeer:     p.SyncPeer,
		})
	}
	return out, nil
}

func (s *Server) getConnectionCount(ctx context.Context) (interface{}, error) {
	peers, err := s.peers(ctx)
	if err != nil {
		return nil, err
	}
	return len(peers), nil
}

// peers treats a group that has not started yet as having no peers.
func (s *Server) peers(ctx context.Context) ([]network.PeerInfo, error) {
	peers, err := s.group.Peers(ctx)
	if errors.Is(err, network.ErrNotStarted) {
		return nil, nil
	}
	return peers, err
}

// sendRawTransaction relays a signed transaction to every connected peer.
func (s *Server) sendRawTransaction(ctx context.Context, params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, invalidParams("missing transaction hex")
	}
	str, ok := params[0].(string)
	if !ok {
		return nil, invalidParams("transaction must be a hex string")
	}
	raw, err := hex.DecodeString(str)
	if err != nil {
		return nil, invalidParams("invalid transaction hex: %v", err)
	}

	tx := &btcwire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, invalidParams("invalid transaction: %v", err)
	}
	if err := s.group.SendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx.TxHash().String(), nil
}
