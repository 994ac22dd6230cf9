package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"spvkit/chaincfg"
	"spvkit/wire"
)

const (
	DefaultUserAgent        = "/spvkit:0.1.0/"
	DefaultHandshakeTimeout = 30 * time.Second

	// bloomServiceVersion is the first protocol version where bloom
	// filtering has to be advertised with NODE_BLOOM.
	bloomServiceVersion = btcwire.BIP0111Version
)

// ErrPeerRejected is returned when a remote node cannot serve an SPV client.
var ErrPeerRejected = errors.New("peer rejected")

// Dialer opens the transport of a peer session. *net.Dialer and tor.Dialer
// both satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnConfig configures peer sessions.
type ConnConfig struct {
	Params *chaincfg.Params
	Codec  *wire.Codec
	Dialer Dialer

	UserAgent        string
	HandshakeTimeout time.Duration

	// BestHeight reports our tip height for the version message.
	BestHeight func() int32

	Log *logrus.Entry
}

func (cfg *ConnConfig) codec() *wire.Codec {
	if cfg.Codec == nil {
		cfg.Codec = cfg.Params.NewCodec()
	}
	return cfg.Codec
}

// Connection is one handshaked session with a remote node. Writes are
// serialized; reads happen only on the goroutine running ReadLoop.
type Connection struct {
	host   string
	conn   net.Conn
	reader *bufio.Reader
	codec  *wire.Codec
	log    *logrus.Entry

	writeMu sync.Mutex
	remote  *btcwire.MsgVersion

	closeOnce sync.Once
}

// Dial connects to host and performs the version handshake.
func Dial(ctx context.Context, cfg *ConnConfig, host string) (*Connection, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: DefaultHandshakeTimeout}
	}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", host, err)
	}

	c := NewConnection(conn, host, cfg)
	if err := c.Handshake(ctx, cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewConnection wraps an established transport. Handshake must be called
// before the connection is used.
func NewConnection(conn net.Conn, host string, cfg *ConnConfig) *Connection {
	log := cfg.Log
	if log == nil {
		log = logrus.WithField("component", "peer")
	}
	return &Connection{
		host:   host,
		conn:   conn,
		reader: bufio.NewReader(conn),
		codec:  cfg.codec(),
		log:    log.WithField("peer", host),
	}
}

// Handshake exchanges version and verack messages and checks that the
// remote serves headers and bloom filtered blocks.
func (c *Connection) Handshake(ctx context.Context, cfg *ConnConfig) error {
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer c.conn.SetDeadline(time.Time{})

	// Unblock pending reads and writes when ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.SendMessage(c.versionMessage(cfg)); err != nil {
		return fmt.Errorf("failed to send version: %w", err)
	}

	var gotVerAck bool
	for c.remote == nil || !gotVerAck {
		msg, err := c.ReadMessage()
		if err != nil {
			return fmt.Errorf("handshake with %s failed: %w", c.host, err)
		}

		switch m := msg.(type) {
		case *btcwire.MsgVersion:
			if c.remote != nil {
				return fmt.Errorf("%w: duplicate version message", ErrPeerRejected)
			}
			if err := checkRemoteVersion(m); err != nil {
				return err
			}
			c.remote = m
			if err := c.SendMessage(btcwire.NewMsgVerAck()); err != nil {
				return fmt.Errorf("failed to send verack: %w", err)
			}
		case *btcwire.MsgVerAck:
			gotVerAck = true
		default:
			c.log.WithField("command", msg.Command()).Debug("Ignoring message during handshake")
		}
	}

	c.log.WithFields(logrus.Fields{
		"version":    c.remote.ProtocolVersion,
		"user_agent": c.remote.UserAgent,
		"height":     c.remote.LastBlock,
	}).Debug("Handshake complete")
	return nil
}

func (c *Connection) versionMessage(cfg *ConnConfig) *btcwire.MsgVersion {
	you := &btcwire.NetAddress{Timestamp: time.Unix(time.Now().Unix(), 0)}
	if addr, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		you = btcwire.NewNetAddressIPPort(addr.IP, uint16(addr.Port), 0)
	}
	me := &btcwire.NetAddress{Timestamp: you.Timestamp}

	var height int32
	if cfg.BestHeight != nil {
		height = cfg.BestHeight()
	}

	nonce, _ := btcwire.RandomUint64()
	msg := btcwire.NewMsgVersion(me, you, nonce, height)
	msg.ProtocolVersion = int32(c.codec.ProtocolVersion())
	msg.UserAgent = cfg.UserAgent
	if msg.UserAgent == "" {
		msg.UserAgent = DefaultUserAgent
	}
	// Transactions are only relayed once a bloom filter is loaded.
	msg.DisableRelayTx = true
	return msg
}

func checkRemoteVersion(m *btcwire.MsgVersion) error {
	switch {
	case !m.HasService(btcwire.SFNodeNetwork):
		return fmt.Errorf("%w: does not serve full blocks", ErrPeerRejected)
	case uint32(m.ProtocolVersion) >= bloomServiceVersion && !m.HasService(btcwire.SFNodeBloom):
		return fmt.Errorf("%w: does not support bloom filters", ErrPeerRejected)
	case m.LastBlock <= 0:
		return fmt.Errorf("%w: reports best height %d", ErrPeerRejected, m.LastBlock)
	}
	return nil
}

func (c *Connection) Host() string {
	return c.host
}

// RemoteVersion is the version message the remote sent during handshake.
func (c *Connection) RemoteVersion() *btcwire.MsgVersion {
	return c.remote
}

func (c *Connection) ProtocolVersion() uint32 {
	return c.codec.ProtocolVersion()
}

// SendMessage frames and writes msg. Safe for concurrent use.
func (c *Connection) SendMessage(msg btcwire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.codec.WriteMessage(c.conn, msg)
}

// ReadMessage decodes the next inbound frame.
func (c *Connection) ReadMessage() (btcwire.Message, error) {
	return c.codec.ReadMessage(c.reader)
}

// ReadLoop delivers inbound messages to handle until reading fails, and
// returns the cause.
func (c *Connection) ReadLoop(handle func(btcwire.Message)) error {
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			return err
		}
		if unknown, ok := msg.(*wire.UnknownMessage); ok {
			c.log.WithFields(logrus.Fields{
				"command": unknown.Cmd,
				"bytes":   len(unknown.Payload),
			}).Trace("Skipping unknown message")
			continue
		}
		handle(msg)
	}
}

func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// remoteHeight is the best height the remote announced.
func (c *Connection) remoteHeight() int32 {
	if c.remote == nil {
		return 0
	}
	return c.remote.LastBlock
}
