package network

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

// GetHeadersTask requests the headers following a locator.
type GetHeadersTask struct {
	locator []chainhash.Hash
	stop    chainhash.Hash

	timeout time.Duration

	headers []*btcwire.BlockHeader
	done    bool
}

func NewGetHeadersTask(locator []chainhash.Hash, stop chainhash.Hash) *GetHeadersTask {
	return &GetHeadersTask{locator: locator, stop: stop}
}

// SetTimeout overrides the peer task timeout for this request.
func (t *GetHeadersTask) SetTimeout(d time.Duration) *GetHeadersTask {
	t.timeout = d
	return t
}

func (t *GetHeadersTask) Timeout() time.Duration {
	return t.timeout
}

func (t *GetHeadersTask) Kind() string {
	return "getheaders"
}

func (t *GetHeadersTask) Start(r Requester) error {
	msg := btcwire.NewMsgGetHeaders()
	msg.ProtocolVersion = r.ProtocolVersion()
	msg.HashStop = t.stop
	for i := range t.locator {
		if err := msg.AddBlockLocatorHash(&t.locator[i]); err != nil {
			return err
		}
	}
	return r.SendMessage(msg)
}

func (t *GetHeadersTask) HandleMessage(_ Requester, msg btcwire.Message) (bool, error) {
	headers, ok := msg.(*btcwire.MsgHeaders)
	if !ok {
		return false, nil
	}
	t.headers = headers.Headers
	t.done = true
	return true, nil
}

func (t *GetHeadersTask) Done() bool {
	return t.done
}

func (t *GetHeadersTask) Locator() []chainhash.Hash {
	return t.locator
}

// Headers is the response, valid once the task is done.
func (t *GetHeadersTask) Headers() []*btcwire.BlockHeader {
	return t.headers
}
