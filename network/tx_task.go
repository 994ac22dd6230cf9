package network

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

// SendTransactionTask announces a transaction and serves it once the remote
// asks for it.
type SendTransactionTask struct {
	tx   *btcwire.MsgTx
	hash chainhash.Hash
	done bool
}

func NewSendTransactionTask(tx *btcwire.MsgTx) *SendTransactionTask {
	return &SendTransactionTask{tx: tx, hash: tx.TxHash()}
}

func (t *SendTransactionTask) Kind() string {
	return "sendtx"
}

func (t *SendTransactionTask) Start(r Requester) error {
	inv := btcwire.NewMsgInv()
	if err := inv.AddInvVect(btcwire.NewInvVect(btcwire.InvTypeTx, &t.hash)); err != nil {
		return err
	}
	return r.SendMessage(inv)
}

func (t *SendTransactionTask) HandleMessage(r Requester, msg btcwire.Message) (bool, error) {
	getData, ok := msg.(*btcwire.MsgGetData)
	if !ok {
		return false, nil
	}
	for _, iv := range getData.InvList {
		if iv.Hash != t.hash || (iv.Type != btcwire.InvTypeTx && iv.Type != btcwire.InvTypeWitnessTx) {
			continue
		}
		if err := r.SendMessage(t.tx); err != nil {
			return true, err
		}
		t.done = true
		return true, nil
	}
	return false, nil
}

func (t *SendTransactionTask) Done() bool {
	return t.done
}

func (t *SendTransactionTask) Hash() chainhash.Hash {
	return t.hash
}

// RequestTransactionsTask fetches announced transactions by hash.
type RequestTransactionsTask struct {
	hashes   []chainhash.Hash
	residual map[chainhash.Hash]struct{}
	txs      []*btcwire.MsgTx
	started  bool
}

func NewRequestTransactionsTask(hashes []chainhash.Hash) *RequestTransactionsTask {
	residual := make(map[chainhash.Hash]struct{}, len(hashes))
	for _, hash := range hashes {
		residual[hash] = struct{}{}
	}
	return &RequestTransactionsTask{hashes: hashes, residual: residual}
}

func (t *RequestTransactionsTask) Kind() string {
	return "gettx"
}

func (t *RequestTransactionsTask) Start(r Requester) error {
	getData := btcwire.NewMsgGetDataSizeHint(uint(len(t.hashes)))
	for i := range t.hashes {
		if err := getData.AddInvVect(btcwire.NewInvVect(btcwire.InvTypeTx, &t.hashes[i])); err != nil {
			return err
		}
	}
	t.started = true
	return r.SendMessage(getData)
}

func (t *RequestTransactionsTask) HandleMessage(_ Requester, msg btcwire.Message) (bool, error) {
	switch m := msg.(type) {
	case *btcwire.MsgTx:
		hash := m.TxHash()
		if _, ok := t.residual[hash]; !ok {
			return false, nil
		}
		delete(t.residual, hash)
		t.txs = append(t.txs, m)
		return true, nil

	case *btcwire.MsgNotFound:
		// Evicted from the remote mempool; nothing more will come.
		var claimed bool
		for _, iv := range m.InvList {
			if _, ok := t.residual[iv.Hash]; ok {
				delete(t.residual, iv.Hash)
				claimed = true
			}
		}
		return claimed, nil
	}
	return false, nil
}

func (t *RequestTransactionsTask) Done() bool {
	return t.started && len(t.residual) == 0
}

func (t *RequestTransactionsTask) Transactions() []*btcwire.MsgTx {
	return t.txs
}
