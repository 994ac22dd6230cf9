package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

const (
	// CommandSize is the fixed size of the command field in a frame.
	CommandSize = 12

	// HeaderSize is magic + command + length + checksum.
	HeaderSize = 4 + CommandSize + 4 + 4

	// MaxPayloadSize is the hard ceiling for a single message payload.
	MaxPayloadSize = 32 * 1024 * 1024
)

var (
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum message size")
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
	ErrWrongNetwork     = errors.New("message magic does not match network")
	ErrMalformedCommand = errors.New("malformed command")
)

// MessageError describes a frame that could not be decoded. All of them are
// fatal for the session that produced them.
type MessageError struct {
	Command string
	Err     error
}

func (e *MessageError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("wire: %v", e.Err)
	}
	return fmt.Sprintf("wire: %s: %v", e.Command, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// ChecksumFunc computes the 4 byte frame checksum of a payload.
type ChecksumFunc func(payload []byte) [4]byte

// DoubleSHA256Checksum is the checksum used by Bitcoin and most of its forks.
func DoubleSHA256Checksum(payload []byte) [4]byte {
	var sum [4]byte
	copy(sum[:], chainhash.DoubleHashB(payload)[:4])
	return sum
}

// MessageHeader is the decoded fixed-size frame header.
type MessageHeader struct {
	Magic    uint32
	Command  string
	Length   uint32
	Checksum [4]byte
}

// UnknownMessage carries the raw payload of a command the codec has no
// factory for. Receiving one is not an error.
type UnknownMessage struct {
	Cmd     string
	Payload []byte
}

func (m *UnknownMessage) BtcDecode(r io.Reader, _ uint32, _ btcwire.MessageEncoding) error {
	payload, err := io.ReadAll(r)
	m.Payload = payload
	return err
}

func (m *UnknownMessage) BtcEncode(w io.Writer, _ uint32, _ btcwire.MessageEncoding) error {
	_, err := w.Write(m.Payload)
	return err
}

func (m *UnknownMessage) Command() string {
	return m.Cmd
}

func (m *UnknownMessage) MaxPayloadLength(uint32) uint32 {
	return MaxPayloadSize
}

// Codec frames and unframes peer-to-peer messages for one network.
// Register must be called before the codec is shared between goroutines.
type Codec struct {
	magic     uint32
	pver      uint32
	checksum  ChecksumFunc
	factories map[string]func() btcwire.Message
}

// NewCodec returns a codec with the standard SPV message set registered.
// A nil checksum selects DoubleSHA256Checksum.
func NewCodec(magic, pver uint32, checksum ChecksumFunc) *Codec {
	if checksum == nil {
		checksum = DoubleSHA256Checksum
	}
	c := &Codec{
		magic:     magic,
		pver:      pver,
		checksum:  checksum,
		factories: make(map[string]func() btcwire.Message),
	}
	c.Register(btcwire.CmdVersion, func() btcwire.Message { return &btcwire.MsgVersion{} })
	c.Register(btcwire.CmdVerAck, func() btcwire.Message { return &btcwire.MsgVerAck{} })
	c.Register(btcwire.CmdPing, func() btcwire.Message { return &btcwire.MsgPing{} })
	c.Register(btcwire.CmdPong, func() btcwire.Message { return &btcwire.MsgPong{} })
	c.Register(btcwire.CmdAddr, func() btcwire.Message { return &btcwire.MsgAddr{} })
	c.Register(btcwire.CmdGetAddr, func() btcwire.Message { return &btcwire.MsgGetAddr{} })
	c.Register(btcwire.CmdInv, func() btcwire.Message { return &btcwire.MsgInv{} })
	c.Register(btcwire.CmdGetData, func() btcwire.Message { return &btcwire.MsgGetData{} })
	c.Register(btcwire.CmdNotFound, func() btcwire.Message { return &btcwire.MsgNotFound{} })
	c.Register(btcwire.CmdGetHeaders, func() btcwire.Message { return &btcwire.MsgGetHeaders{} })
	c.Register(btcwire.CmdHeaders, func() btcwire.Message { return &btcwire.MsgHeaders{} })
	c.Register(btcwire.CmdMerkleBlock, func() btcwire.Message { return &btcwire.MsgMerkleBlock{} })
	c.Register(btcwire.CmdTx, func() btcwire.Message { return &btcwire.MsgTx{} })
	c.Register(btcwire.CmdFilterLoad, func() btcwire.Message { return &btcwire.MsgFilterLoad{} })
	c.Register(btcwire.CmdFilterAdd, func() btcwire.Message { return &btcwire.MsgFilterAdd{} })
	c.Register(btcwire.CmdFilterClear, func() btcwire.Message { return &btcwire.MsgFilterClear{} })
	c.Register(btcwire.CmdReject, func() btcwire.Message { return &btcwire.MsgReject{} })
	c.Register(btcwire.CmdSendHeaders, func() btcwire.Message { return &btcwire.MsgSendHeaders{} })
	c.Register(btcwire.CmdFeeFilter, func() btcwire.Message { return &btcwire.MsgFeeFilter{} })
	return c
}

// Register adds or replaces the factory for a command. Coin-specific
// extensions use it to layer their own messages on the same framing.
func (c *Codec) Register(command string, factory func() btcwire.Message) {
	c.factories[command] = factory
}

// ProtocolVersion is the version payloads are encoded with.
func (c *Codec) ProtocolVersion() uint32 {
	return c.pver
}

// WriteMessage frames msg and writes it to w in a single call.
func (c *Codec) WriteMessage(w io.Writer, msg btcwire.Message) error {
	cmd := msg.Command()
	if len(cmd) > CommandSize {
		return &MessageError{Command: cmd, Err: ErrMalformedCommand}
	}

	var payload bytes.Buffer
	if err := msg.BtcEncode(&payload, c.pver, btcwire.LatestEncoding); err != nil {
		return &MessageError{Command: cmd, Err: err}
	}
	if payload.Len() > MaxPayloadSize {
		return &MessageError{Command: cmd, Err: ErrPayloadTooLarge}
	}

	frame := make([]byte, HeaderSize+payload.Len())
	binary.LittleEndian.PutUint32(frame[0:4], c.magic)
	copy(frame[4:4+CommandSize], cmd)
	binary.LittleEndian.PutUint32(frame[16:20], uint32(payload.Len()))
	sum := c.checksum(payload.Bytes())
	copy(frame[20:24], sum[:])
	copy(frame[HeaderSize:], payload.Bytes())

	_, err := w.Write(frame)
	return err
}

// ReadMessage reads exactly one frame from r. I/O errors are returned as
// is; framing and payload errors are returned as *MessageError.
func (c *Codec) ReadMessage(r io.Reader) (btcwire.Message, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, err
	}

	hdr, err := c.parseHeader(raw)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if c.checksum(payload) != hdr.Checksum {
		return nil, &MessageError{Command: hdr.Command, Err: ErrChecksumMismatch}
	}

	factory, ok := c.factories[hdr.Command]
	if !ok {
		return &UnknownMessage{Cmd: hdr.Command, Payload: payload}, nil
	}

	msg := factory()
	if err := msg.BtcDecode(bytes.NewReader(payload), c.pver, btcwire.LatestEncoding); err != nil {
		return nil, &MessageError{Command: hdr.Command, Err: err}
	}
	return msg, nil
}

func (c *Codec) parseHeader(raw [HeaderSize]byte) (*MessageHeader, error) {
	hdr := &MessageHeader{
		Magic:  binary.LittleEndian.Uint32(raw[0:4]),
		Length: binary.LittleEndian.Uint32(raw[16:20]),
	}
	copy(hdr.Checksum[:], raw[20:24])

	if hdr.Magic != c.magic {
		return nil, &MessageError{Err: fmt.Errorf("%w: got %08x", ErrWrongNetwork, hdr.Magic)}
	}

	cmd, err := parseCommand(raw[4 : 4+CommandSize])
	if err != nil {
		return nil, &MessageError{Err: err}
	}
	hdr.Command = cmd

	if hdr.Length > MaxPayloadSize {
		return nil, &MessageError{
			Command: cmd,
			Err:     fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, hdr.Length),
		}
	}
	return hdr, nil
}

// parseCommand accepts printable ASCII followed only by NUL padding.
func parseCommand(field []byte) (string, error) {
	end := bytes.IndexByte(field, 0)
	if end < 0 {
		end = len(field)
	}
	for _, b := range field[end:] {
		if b != 0 {
			return "", ErrMalformedCommand
		}
	}
	for _, b := range field[:end] {
		if b < 0x20 || b > 0x7e {
			return "", ErrMalformedCommand
		}
	}
	if end == 0 {
		return "", ErrMalformedCommand
	}
	return string(field[:end]), nil
}
