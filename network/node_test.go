package network_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"

	"spvkit/chaincfg"
	"spvkit/wire"
)

const nodeTimeout = 10 * time.Second

var errNodeTimeout = errors.New("timed out waiting for message")

// fakeNode plays the remote side of a session. Reads run on their own
// goroutine so that both ends may write at the same time over net.Pipe.
type fakeNode struct {
	conn    net.Conn
	codec   *wire.Codec
	inbound chan btcwire.Message
}

func newFakeNode(conn net.Conn, params *chaincfg.Params) *fakeNode {
	n := &fakeNode{
		conn:    conn,
		codec:   params.NewCodec(),
		inbound: make(chan btcwire.Message, 1024),
	}
	go n.readLoop()
	return n
}

func (n *fakeNode) readLoop() {
	defer close(n.inbound)
	r := bufio.NewReader(n.conn)
	for {
		msg, err := n.codec.ReadMessage(r)
		if err != nil {
			return
		}
		n.inbound <- msg
	}
}

func (n *fakeNode) send(msg btcwire.Message) error {
	return n.codec.WriteMessage(n.conn, msg)
}

func (n *fakeNode) next() (btcwire.Message, error) {
	select {
	case msg, ok := <-n.inbound:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-time.After(nodeTimeout):
		return nil, errNodeTimeout
	}
}

// expectMessage skips inbound messages until one of type T arrives.
func expectMessage[T btcwire.Message](n *fakeNode) (T, error) {
	var zero T
	for {
		msg, err := n.next()
		if err != nil {
			return zero, err
		}
		if m, ok := msg.(T); ok {
			return m, nil
		}
	}
}

func (n *fakeNode) handshake(version *btcwire.MsgVersion) error {
	if _, err := expectMessage[*btcwire.MsgVersion](n); err != nil {
		return err
	}
	if err := n.send(version); err != nil {
		return err
	}
	if err := n.send(btcwire.NewMsgVerAck()); err != nil {
		return err
	}
	_, err := expectMessage[*btcwire.MsgVerAck](n)
	return err
}

func nodeVersion(height int32, services btcwire.ServiceFlag) *btcwire.MsgVersion {
	addr := btcwire.NewNetAddressIPPort(net.IPv4(127, 0, 0, 1), 18444, services)
	msg := btcwire.NewMsgVersion(addr, addr, 7, height)
	msg.Services = services
	msg.UserAgent = "/fakenode:1.0/"
	return msg
}

const fullServices = btcwire.SFNodeNetwork | btcwire.SFNodeBloom

// headerSource answers getheaders from a fixed chain built on the
// checkpoint.
type headerSource struct {
	headers []*btcwire.BlockHeader
	index   map[chainhash.Hash]int
}

func newHeaderSource(params *chaincfg.Params, headers []*btcwire.BlockHeader) *headerSource {
	s := &headerSource{
		headers: headers,
		index:   map[chainhash.Hash]int{params.Checkpoint.Hash: -1},
	}
	for i, h := range headers {
		s.index[params.BlockHash(h)] = i
	}
	return s
}

func (s *headerSource) after(locator []*chainhash.Hash) *btcwire.MsgHeaders {
	start := 0
	for _, hash := range locator {
		if i, ok := s.index[*hash]; ok {
			start = i + 1
			break
		}
	}
	end := start + chaincfg.MaxHeadersPerMessage
	if end > len(s.headers) {
		end = len(s.headers)
	}
	msg := btcwire.NewMsgHeaders()
	for _, h := range s.headers[start:end] {
		if err := msg.AddBlockHeader(h); err != nil {
			panic(err)
		}
	}
	return msg
}

// pipeDialer connects hosts to in-process fake nodes.
type pipeDialer struct {
	mu    sync.Mutex
	nodes map[string]func(net.Conn)
	once  map[string]bool
	dials map[string]int
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{
		nodes: make(map[string]func(net.Conn)),
		once:  make(map[string]bool),
		dials: make(map[string]int),
	}
}

// handle serves host with serve on every dial.
func (d *pipeDialer) handle(host string, serve func(net.Conn)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[host] = serve
}

// handleOnce serves host for one dial only; later dials are refused.
func (d *pipeDialer) handleOnce(host string, serve func(net.Conn)) {
	d.handle(host, serve)
	d.mu.Lock()
	d.once[host] = true
	d.mu.Unlock()
}

func (d *pipeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	serve, ok := d.nodes[address]
	d.dials[address]++
	if d.once[address] {
		delete(d.nodes, address)
	}
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}

	local, remote := net.Pipe()
	go serve(remote)
	return local, nil
}

func (d *pipeDialer) dialCount(host string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[host]
}
