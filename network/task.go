package network

import (
	"errors"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
)

var (
	// ErrTaskTimeout fails a task that saw no matching message in time.
	ErrTaskTimeout = errors.New("peer task timed out")

	// ErrPeerClosed fails every task still pending on a closed peer.
	ErrPeerClosed = errors.New("peer closed")

	// ErrBlockNotReceived means the remote answered the sentinel ping
	// before delivering every requested merkle block.
	ErrBlockNotReceived = errors.New("requested block not received")

	ErrMerkleRootMismatch = errors.New("merkle root does not match header")
)

// Requester is the peer side a task talks through.
type Requester interface {
	SendMessage(msg btcwire.Message) error
	Host() string
	ProtocolVersion() uint32
}

// Task is a request/response exchange with a single peer. Start sends the
// initiating request. HandleMessage is offered inbound messages in arrival
// order and reports whether it consumed msg; a non-nil error fails the
// task. Done reports completion after a consumed message.
//
// Start and HandleMessage are never called concurrently for one task.
type Task interface {
	Kind() string
	Start(r Requester) error
	HandleMessage(r Requester, msg btcwire.Message) (bool, error)
	Done() bool
}

// TimedTask is implemented by tasks that carry their own idle timeout. A
// zero timeout falls back to the peer default.
type TimedTask interface {
	Timeout() time.Duration
}

// TaskCallback is implemented by tasks that want to learn their outcome
// when they were added through PeerGroup.AddTask.
type TaskCallback interface {
	Finished(err error)
}
