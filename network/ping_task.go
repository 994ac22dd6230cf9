package network

import (
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultPingTimeout bounds a keep-alive round trip.
const DefaultPingTimeout = 30 * time.Second

// PingTask measures round trip time with a nonce-correlated ping.
type PingTask struct {
	clock  clock.Clock
	nonce  uint64
	sentAt time.Time
	rtt    time.Duration
	done   bool
}

func NewPingTask(clk clock.Clock) *PingTask {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &PingTask{clock: clk}
}

func (t *PingTask) Timeout() time.Duration {
	return DefaultPingTimeout
}

func (t *PingTask) Kind() string {
	return "ping"
}

func (t *PingTask) Start(r Requester) error {
	nonce, err := btcwire.RandomUint64()
	if err != nil {
		return err
	}
	t.nonce = nonce
	t.sentAt = t.clock.Now()
	return r.SendMessage(btcwire.NewMsgPing(nonce))
}

func (t *PingTask) HandleMessage(_ Requester, msg btcwire.Message) (bool, error) {
	pong, ok := msg.(*btcwire.MsgPong)
	if !ok || pong.Nonce != t.nonce {
		return false, nil
	}
	t.rtt = t.clock.Now().Sub(t.sentAt)
	t.done = true
	return true, nil
}

func (t *PingTask) Done() bool {
	return t.done
}

func (t *PingTask) RoundTrip() time.Duration {
	return t.rtt
}
