package network_test

import (
	"context"
	"net"
	"testing"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"spvkit/chaincfg/chaintest"
	"spvkit/network"
	"spvkit/wire"
)

func TestHandshake(t *testing.T) {
	params := chaintest.Params()

	tests := []struct {
		name    string
		version *btcwire.MsgVersion
		wantErr error
	}{
		{
			name:    "bloom node",
			version: nodeVersion(120, fullServices),
		},
		{
			name: "old protocol without bloom flag",
			version: func() *btcwire.MsgVersion {
				v := nodeVersion(120, btcwire.SFNodeNetwork)
				v.ProtocolVersion = int32(btcwire.BIP0111Version) - 1
				return v
			}(),
		},
		{
			name:    "no bloom service",
			version: nodeVersion(120, btcwire.SFNodeNetwork),
			wantErr: network.ErrPeerRejected,
		},
		{
			name:    "pruned node",
			version: nodeVersion(120, btcwire.SFNodeBloom),
			wantErr: network.ErrPeerRejected,
		},
		{
			name:    "empty chain",
			version: nodeVersion(0, fullServices),
			wantErr: network.ErrPeerRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := net.Pipe()
			defer remote.Close()

			node := newFakeNode(remote, params)
			go node.handshake(tt.version)

			cfg := &network.ConnConfig{
				Params:     params,
				BestHeight: func() int32 { return 5 },
			}
			conn := network.NewConnection(local, "node:18444", cfg)
			defer conn.Close()

			err := conn.Handshake(context.Background(), cfg)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, int32(120), conn.RemoteVersion().LastBlock)
			require.Equal(t, "/fakenode:1.0/", conn.RemoteVersion().UserAgent)
		})
	}
}

func TestHandshakeSendsVersion(t *testing.T) {
	params := chaintest.Params()
	local, remote := net.Pipe()
	defer remote.Close()
	node := newFakeNode(remote, params)

	got := make(chan *btcwire.MsgVersion, 1)
	go func() {
		v, err := expectMessage[*btcwire.MsgVersion](node)
		if err != nil {
			close(got)
			return
		}
		got <- v
		_ = node.send(nodeVersion(10, fullServices))
		_ = node.send(btcwire.NewMsgVerAck())
	}()

	cfg := &network.ConnConfig{
		Params:     params,
		UserAgent:  "/test:0.0.1/",
		BestHeight: func() int32 { return 42 },
	}
	conn := network.NewConnection(local, "node:18444", cfg)
	defer conn.Close()
	require.NoError(t, conn.Handshake(context.Background(), cfg))

	v, ok := <-got
	require.True(t, ok)
	require.Equal(t, int32(42), v.LastBlock)
	require.Equal(t, "/test:0.0.1/", v.UserAgent)
	require.True(t, v.DisableRelayTx)
	require.Equal(t, int32(params.ProtocolVersion), v.ProtocolVersion)
}

func TestHandshakeTimeout(t *testing.T) {
	params := chaintest.Params()
	local, remote := net.Pipe()
	defer remote.Close()
	newFakeNode(remote, params)

	cfg := &network.ConnConfig{Params: params, HandshakeTimeout: 50 * time.Millisecond}
	conn := network.NewConnection(local, "node:18444", cfg)
	defer conn.Close()

	err := conn.Handshake(context.Background(), cfg)
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}

func TestHandshakeContextCancel(t *testing.T) {
	params := chaintest.Params()
	local, remote := net.Pipe()
	defer remote.Close()
	newFakeNode(remote, params)

	ctx, cancel := context.WithCancel(context.Background())
	cfg := &network.ConnConfig{Params: params}
	conn := network.NewConnection(local, "node:18444", cfg)
	defer conn.Close()

	errc := make(chan error, 1)
	go func() { errc <- conn.Handshake(ctx, cfg) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handshake ignored cancellation")
	}
}

func TestReadLoopSkipsUnknownMessages(t *testing.T) {
	params := chaintest.Params()
	local, remote := net.Pipe()
	defer remote.Close()
	node := newFakeNode(remote, params)
	go func() {
		if node.handshake(nodeVersion(10, fullServices)) != nil {
			return
		}
		_ = node.send(&wire.UnknownMessage{Cmd: "spvtest", Payload: []byte{0, 1, 0, 0, 0, 0, 0, 0, 0}})
		_ = node.send(btcwire.NewMsgPing(99))
		remote.Close()
	}()

	cfg := &network.ConnConfig{Params: params}
	conn := network.NewConnection(local, "node:18444", cfg)
	require.NoError(t, conn.Handshake(context.Background(), cfg))

	var got []btcwire.Message
	err := conn.ReadLoop(func(msg btcwire.Message) {
		got = append(got, msg)
	})
	require.Error(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(99), got[0].(*btcwire.MsgPing).Nonce)
}
