package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/sirupsen/logrus"

	"spvkit/blockchain"
	"spvkit/chaincfg"
	"spvkit/metrics"
)

const (
	DefaultPeerSize           = 4
	DefaultMaxBlocksPerPeer   = 100
	DefaultPingInterval       = 2 * time.Minute
	DefaultRedialDelay        = 5 * time.Second
	DefaultMisbehaviorPenalty = 10

	eventBacklog = 256
)

var (
	ErrNotStarted   = errors.New("peer group not started")
	ErrNoPeers      = errors.New("no connected peers")
	ErrNoReadyPeer  = errors.New("no ready peer")
	ErrNoFilter     = errors.New("no filter provider configured")
	ErrGroupStopped = errors.New("peer group stopped")
)

// BlockHashStore is the queue of blocks whose filtered version still has
// to be downloaded.
type BlockHashStore interface {
	AddBlockHashes(hashes []blockchain.BlockHash) error
	BlockHashes(limit int) ([]blockchain.BlockHash, error)
	RemoveBlockHash(hash chainhash.Hash) error
}

// FilterProvider builds the bloom filter peers should apply.
type FilterProvider interface {
	FilterLoad() (*btcwire.MsgFilterLoad, error)
}

// Config configures a PeerGroup. Params, Chain and Addresses are required.
type Config struct {
	Params      *chaincfg.Params
	Chain       *blockchain.Chain
	Addresses   *AddressManager
	BlockHashes BlockHashStore
	Filter      FilterProvider
	Dialer      Dialer

	PeerSize           int
	MaxBlocksPerPeer   int
	UserAgent          string
	ConnectTimeout     time.Duration
	TaskTimeout        time.Duration
	HeadersTimeout     time.Duration // zero uses TaskTimeout
	MerkleTimeout      time.Duration // zero uses TaskTimeout
	PingInterval       time.Duration
	RedialDelay        time.Duration
	MisbehaviorPenalty int32

	Clock   clock.Clock
	Metrics *metrics.PeerGroup
	Log     *logrus.Entry
}

// PeerGroup keeps PeerSize peers connected, downloads headers from one sync
// peer at a time and spreads filtered block downloads over the others.
//
// All state below the event channel is owned by the loop goroutine.
type PeerGroup struct {
	cfg     Config
	connCfg *ConnConfig
	clock   clock.Clock
	metrics *metrics.PeerGroup
	log     *logrus.Entry

	peerListeners []PeerGroupListener
	syncListeners []SyncListener

	events     chan interface{}
	wg         sync.WaitGroup // dial and retry goroutines
	started    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	bestHeight atomic.Int32

	peers         map[string]*Peer
	dialing       int
	syncPeer      *Peer
	headersSynced bool
	syncPaused    bool
	roundBlocks   int
	inflight      map[chainhash.Hash]string
	requestedTx   map[chainhash.Hash]struct{}
}

func NewPeerGroup(cfg Config) (*PeerGroup, error) {
	if cfg.Params == nil || cfg.Chain == nil || cfg.Addresses == nil {
		return nil, errors.New("peer group requires params, chain and address manager")
	}
	if cfg.PeerSize <= 0 {
		cfg.PeerSize = DefaultPeerSize
	}
	if cfg.MaxBlocksPerPeer <= 0 {
		cfg.MaxBlocksPerPeer = DefaultMaxBlocksPerPeer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.RedialDelay <= 0 {
		cfg.RedialDelay = DefaultRedialDelay
	}
	if cfg.MisbehaviorPenalty <= 0 {
		cfg.MisbehaviorPenalty = DefaultMisbehaviorPenalty
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewPeerGroup(cfg.Params.Name)
	}
	if cfg.Log == nil {
		cfg.Log = logrus.WithField("component", "peergroup")
	}

	g := &PeerGroup{
		cfg:         cfg,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
		events:      make(chan interface{}, eventBacklog),
		done:        make(chan struct{}),
		peers:       make(map[string]*Peer),
		inflight:    make(map[chainhash.Hash]string),
		requestedTx: make(map[chainhash.Hash]struct{}),
	}
	g.connCfg = &ConnConfig{
		Params:           cfg.Params,
		Dialer:           cfg.Dialer,
		UserAgent:        cfg.UserAgent,
		HandshakeTimeout: cfg.ConnectTimeout,
		BestHeight:       g.bestHeight.Load,
		Log:              cfg.Log,
	}

	tip, err := cfg.Chain.Tip()
	if err != nil {
		return nil, fmt.Errorf("failed to load chain tip: %w", err)
	}
	g.bestHeight.Store(tip.Height)
	return g, nil
}

// AddPeerGroupListener registers l. Must be called before Start.
func (g *PeerGroup) AddPeerGroupListener(l PeerGroupListener) {
	g.peerListeners = append(g.peerListeners, l)
}

// AddSyncListener registers l. Must be called before Start.
func (g *PeerGroup) AddSyncListener(l SyncListener) {
	g.syncListeners = append(g.syncListeners, l)
}

// Start begins dialing and syncing. The group runs until ctx is cancelled
// or Stop is called.
func (g *PeerGroup) Start(ctx context.Context) error {
	if g.started.Swap(true) {
		return errors.New("peer group already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	g.log.WithFields(logrus.Fields{
		"network":   g.cfg.Params.Name,
		"peer_size": g.cfg.PeerSize,
		"height":    g.bestHeight.Load(),
	}).Info("Starting peer group")

	go g.loop()
	return nil
}

// Stop disconnects every peer and waits for the group goroutines to exit.
func (g *PeerGroup) Stop() {
	if !g.started.Load() {
		return
	}
	g.cancel()
	<-g.done
}

// BestHeight is the height of the main chain tip.
func (g *PeerGroup) BestHeight() int32 {
	return g.bestHeight.Load()
}

type (
	peerConnectedEvent struct {
		conn *Connection
		addr PeerAddress
	}
	dialFailedEvent struct {
		host string
		err  error
	}
	peerMessageEvent struct {
		peer *Peer
		msg  btcwire.Message
	}
	taskDoneEvent struct {
		peer *Peer
		task Task
		err  error
	}
	peerDisconnectedEvent struct {
		peer *Peer
		err  error
	}
	sendTxRequest struct {
		tx    *btcwire.MsgTx
		reply chan error
	}
	updateFilterRequest struct {
		reply chan error
	}
	addTaskRequest struct {
		task  Task
		reply chan addTaskResult
	}
	peersRequest struct {
		reply chan []PeerInfo
	}
	resumeSyncEvent struct{}
)

type addTaskResult struct {
	host string
	err  error
}

// PeerInfo is a snapshot of one connected peer.
type PeerInfo struct {
	Host         string
	Score        int32
	BestHeight   int32
	PendingTasks int
	Synced       bool
	SyncPeer     bool
}

// post delivers an event to the loop unless the group is shutting down.
func (g *PeerGroup) post(ev interface{}) bool {
	select {
	case g.events <- ev:
		return true
	case <-g.ctx.Done():
		return false
	}
}

func (g *PeerGroup) request(ctx context.Context, ev interface{}) error {
	if !g.started.Load() {
		return ErrNotStarted
	}
	select {
	case g.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrGroupStopped
	}
}

func awaitReply[T any](ctx context.Context, g *PeerGroup, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-g.done:
		return zero, ErrGroupStopped
	}
}

// SendTransaction relays tx through every connected peer.
func (g *PeerGroup) SendTransaction(ctx context.Context, tx *btcwire.MsgTx) error {
	req := &sendTxRequest{tx: tx, reply: make(chan error, 1)}
	if err := g.request(ctx, req); err != nil {
		return err
	}
	result, err := awaitReply(ctx, g, req.reply)
	if err != nil {
		return err
	}
	return result
}

// UpdateFilter pushes the current bloom filter to every connected peer.
func (g *PeerGroup) UpdateFilter(ctx context.Context) error {
	req := &updateFilterRequest{reply: make(chan error, 1)}
	if err := g.request(ctx, req); err != nil {
		return err
	}
	result, err := awaitReply(ctx, g, req.reply)
	if err != nil {
		return err
	}
	return result
}

// AddTask runs task on the best scored ready peer and returns its host.
// Tasks implementing TaskCallback learn their outcome.
func (g *PeerGroup) AddTask(ctx context.Context, task Task) (string, error) {
	req := &addTaskRequest{task: task, reply: make(chan addTaskResult, 1)}
	if err := g.request(ctx, req); err != nil {
		return "", err
	}
	res, err := awaitReply(ctx, g, req.reply)
	if err != nil {
		return "", err
	}
	return res.host, res.err
}

// Peers returns a snapshot of the connected peers.
func (g *PeerGroup) Peers(ctx context.Context) ([]PeerInfo, error) {
	req := &peersRequest{reply: make(chan []PeerInfo, 1)}
	if err := g.request(ctx, req); err != nil {
		return nil, err
	}
	return awaitReply(ctx, g, req.reply)
}

func (g *PeerGroup) loop() {
	defer close(g.done)

	g.fillPeers()
	pingTick := g.clock.TickAfter(g.cfg.PingInterval)
	for {
		select {
		case <-g.ctx.Done():
			g.shutdown()
			return

		case ev := <-g.events:
			g.handleEvent(ev)

		case <-pingTick:
			g.pingPeers()
			pingTick = g.clock.TickAfter(g.cfg.PingInterval)
		}
	}
}

func (g *PeerGroup) shutdown() {
	for _, p := range g.peers {
		p.Close(ErrGroupStopped)
	}
	for _, p := range g.peers {
		p.Wait()
	}
	g.wg.Wait()

	// Drain so late requests are not left waiting.
	for {
		select {
		case ev := <-g.events:
			g.rejectRequest(ev)
		default:
			g.log.Info("Peer group stopped")
			return
		}
	}
}

func (g *PeerGroup) rejectRequest(ev interface{}) {
	switch e := ev.(type) {
	case *peerConnectedEvent:
		e.conn.Close()
	case *sendTxRequest:
		e.reply <- ErrGroupStopped
	case *updateFilterRequest:
		e.reply <- ErrGroupStopped
	case *addTaskRequest:
		e.reply <- addTaskResult{err: ErrGroupStopped}
	case *peersRequest:
		e.reply <- nil
	}
}

func (g *PeerGroup) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *peerConnectedEvent:
		g.dialing--
		g.handleConnected(e.conn, e.addr)
	case *dialFailedEvent:
		g.dialing--
		if e.host != "" {
			g.log.WithError(e.err).WithField("peer", e.host).Debug("Dial failed")
		}
		g.fillPeers()
	case *peerMessageEvent:
		g.handleMessage(e.peer, e.msg)
	case *taskDoneEvent:
		g.handleTaskDone(e.peer, e.task, e.err)
	case *peerDisconnectedEvent:
		g.handleDisconnected(e.peer, e.err)
	case *sendTxRequest:
		e.reply <- g.sendTransaction(e.tx)
	case *updateFilterRequest:
		e.reply <- g.pushFilter(g.connectedPeers())
	case *addTaskRequest:
		host, err := g.addTask(e.task)
		e.reply <- addTaskResult{host: host, err: err}
	case *peersRequest:
		e.reply <- g.peerInfo()
	case *resumeSyncEvent:
		g.syncPaused = false
		g.selectSyncPeer()
	}
}

// fillPeers dials until connected plus dialing peers reach PeerSize.
func (g *PeerGroup) fillPeers() {
	for len(g.peers)+g.dialing < g.cfg.PeerSize {
		g.dialing++
		g.wg.Add(1)
		go g.dial()
	}
}

func (g *PeerGroup) dial() {
	defer g.wg.Done()
	ctx := g.ctx

	addr, err := g.cfg.Addresses.Next(ctx)
	if err != nil {
		select {
		case <-g.clock.TickAfter(g.cfg.RedialDelay):
		case <-ctx.Done():
		}
		g.post(&dialFailedEvent{err: err})
		return
	}

	conn, err := Dial(ctx, g.connCfg, addr.Host)
	if err != nil {
		g.cfg.Addresses.MarkFailed(addr.Host)
		g.post(&dialFailedEvent{host: addr.Host, err: err})
		return
	}
	if !g.post(&peerConnectedEvent{conn: conn, addr: addr}) {
		conn.Close()
	}
}

func (g *PeerGroup) handleConnected(conn *Connection, addr PeerAddress) {
	handlers := PeerHandlers{
		OnMessage: func(p *Peer, msg btcwire.Message) {
			g.post(&peerMessageEvent{peer: p, msg: msg})
		},
		OnTaskDone: func(p *Peer, task Task, err error) {
			g.post(&taskDoneEvent{peer: p, task: task, err: err})
		},
		OnDisconnect: func(p *Peer, err error) {
			g.post(&peerDisconnectedEvent{peer: p, err: err})
		},
	}
	p := NewPeer(addr.Host, addr.Score, handlers, PeerConfig{
		Clock:       g.clock,
		TaskTimeout: g.cfg.TaskTimeout,
		Log:         g.log,
	})
	g.peers[p.host] = p
	p.Start(conn)
	g.cfg.Addresses.MarkSuccess(p.host)
	g.metrics.SetConnectedPeers(len(g.peers))

	g.log.WithFields(logrus.Fields{
		"peer":   p.host,
		"height": conn.remoteHeight(),
		"agent":  conn.RemoteVersion().UserAgent,
		"peers":  len(g.peers),
	}).Info("Peer connected")
	for _, l := range g.peerListeners {
		l.OnPeerConnect(p.host)
	}

	if g.cfg.Filter != nil {
		if err := g.pushFilter([]*Peer{p}); err != nil {
			g.log.WithError(err).WithField("peer", p.host).Warn("Failed to load filter")
		}
	}
	for _, l := range g.peerListeners {
		l.OnPeerReady(p.host)
	}

	g.selectSyncPeer()
	g.scheduleMerkleFetch()
}

func (g *PeerGroup) handleDisconnected(p *Peer, err error) {
	if g.peers[p.host] != p {
		return
	}
	delete(g.peers, p.host)
	g.cfg.Addresses.Release(p.host)
	g.metrics.SetConnectedPeers(len(g.peers))

	for hash, host := range g.inflight {
		if host == p.host {
			delete(g.inflight, hash)
		}
	}

	g.log.WithError(err).WithFields(logrus.Fields{
		"peer":  p.host,
		"peers": len(g.peers),
	}).Info("Peer disconnected")
	for _, l := range g.peerListeners {
		l.OnPeerDisconnect(p.host, err)
	}

	if g.syncPeer == p {
		g.syncPeer = nil
	}
	g.selectSyncPeer()
	g.scheduleMerkleFetch()
	g.fillPeers()
}

// disconnect closes p off the loop goroutine; its events arrive later.
// The peer is marked disconnected first so the loop stops handing it work.
func (g *PeerGroup) disconnect(p *Peer, err error) {
	p.state.Store(int32(PeerDisconnected))
	if g.syncPeer == p {
		g.syncPeer = nil
	}
	go p.Close(err)
}

// orderedPeers lists connected peers by descending address score.
func (g *PeerGroup) orderedPeers() []*Peer {
	peers := g.connectedPeers()
	scores := make(map[string]int32, len(peers))
	for _, p := range peers {
		scores[p.host] = g.cfg.Addresses.Score(p.host)
	}
	sort.Slice(peers, func(i, j int) bool {
		if scores[peers[i].host] != scores[peers[j].host] {
			return scores[peers[i].host] > scores[peers[j].host]
		}
		return peers[i].host < peers[j].host
	})
	return peers
}

func (g *PeerGroup) connectedPeers() []*Peer {
	peers := make([]*Peer, 0, len(g.peers))
	for _, p := range g.peers {
		if p.State() == PeerConnected {
			peers = append(peers, p)
		}
	}
	return peers
}

// selectSyncPeer assigns header download to the best scored ready peer
// that has not reached its tip yet.
func (g *PeerGroup) selectSyncPeer() {
	if g.syncPeer != nil || g.syncPaused {
		return
	}
	for _, p := range g.orderedPeers() {
		if p.synced || !p.IsReady() {
			continue
		}
		g.syncPeer = p
		g.roundBlocks = 0
		g.log.WithFields(logrus.Fields{
			"peer":   p.host,
			"height": p.BestHeight(),
		}).Info("Selected sync peer")
		g.requestHeaders(p)
		return
	}
}

func (g *PeerGroup) requestHeaders(p *Peer) {
	locator, err := g.cfg.Chain.Locator()
	if err != nil {
		g.log.WithError(err).Error("Failed to build locator")
		g.syncPeer = nil
		return
	}
	task := NewGetHeadersTask(locator, chainhash.Hash{}).SetTimeout(g.cfg.HeadersTimeout)
	if err := p.AddTask(task); err != nil {
		g.log.WithError(err).WithField("peer", p.host).Debug("Failed to request headers")
		g.syncPeer = nil
		g.disconnect(p, err)
	}
}

func (g *PeerGroup) handleTaskDone(p *Peer, task Task, err error) {
	g.metrics.TaskFinished(task.Kind(), err)

	switch t := task.(type) {
	case *GetHeadersTask:
		g.handleHeaders(p, t, err)
	case *GetMerkleBlocksTask:
		g.handleMerkleBlocks(p, t, err)
	case *RequestTransactionsTask:
		for _, hash := range t.hashes {
			delete(g.requestedTx, hash)
		}
		if err == nil && len(t.Transactions()) > 0 {
			for _, l := range g.syncListeners {
				l.OnTransactions(t.Transactions())
			}
		}
	case *SendTransactionTask:
		if err == nil {
			g.log.WithFields(logrus.Fields{"peer": p.host, "tx": t.Hash()}).Info("Transaction relayed")
		}
	case *PingTask:
		if err != nil && !errors.Is(err, ErrPeerClosed) {
			g.disconnect(p, fmt.Errorf("keep-alive failed: %w", err))
		}
	}
	if cb, ok := task.(TaskCallback); ok {
		cb.Finished(err)
	}

	g.selectSyncPeer()
	g.scheduleMerkleFetch()
}

func (g *PeerGroup) handleHeaders(p *Peer, t *GetHeadersTask, err error) {
	if g.syncPeer != p {
		return
	}
	g.syncPeer = nil
	if err != nil {
		if !errors.Is(err, ErrPeerClosed) {
			g.log.WithError(err).WithField("peer", p.host).Warn("Header download failed")
			g.disconnect(p, err)
		}
		return
	}

	headers := t.Headers()
	result, err := g.cfg.Chain.ConnectHeaders(headers)
	switch {
	case err == nil:
	case blockchain.IsConsensusError(err):
		g.metrics.ValidationFailed(failureReason(err))
		g.cfg.Addresses.Penalize(p.host, g.cfg.MisbehaviorPenalty)
		g.log.WithError(err).WithField("peer", p.host).Warn("Peer sent invalid headers")
		g.disconnect(p, err)
		return
	case errors.Is(err, blockchain.ErrStaleBranch), errors.Is(err, blockchain.ErrMissingAncestor):
		// The peer's chain does not extend ours; its turn is over.
		g.log.WithError(err).WithField("peer", p.host).Info("Ending sync turn")
		p.synced = true
		g.finishRound(p)
		return
	default:
		g.log.WithError(err).WithField("peer", p.host).Error("Failed to connect headers")
		g.pauseSync()
		return
	}

	if n := len(result.Blocks); n > 0 {
		g.acceptBlocks(result)
	}

	if len(headers) < chaincfg.MaxHeadersPerMessage {
		p.synced = true
		g.finishRound(p)
		return
	}
	g.syncPeer = p
	g.requestHeaders(p)
}

// pauseSync holds off header requests for RedialDelay after a local
// failure, then lets the loop select a sync peer again.
func (g *PeerGroup) pauseSync() {
	g.syncPaused = true
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		select {
		case <-g.clock.TickAfter(g.cfg.RedialDelay):
			g.post(&resumeSyncEvent{})
		case <-g.ctx.Done():
		}
	}()
}

func (g *PeerGroup) acceptBlocks(result *blockchain.ConnectResult) {
	blocks := result.Blocks
	tip := blocks[len(blocks)-1]
	g.bestHeight.Store(tip.Height)
	g.roundBlocks += len(blocks)
	g.metrics.HeadersAccepted(len(blocks), tip.Height)

	for _, l := range g.syncListeners {
		l.OnHeadersAccepted(blocks)
		if rl, ok := l.(ReorgListener); ok && result.ForkPoint != nil {
			rl.OnReorganize(result.ForkPoint, blocks)
		}
	}

	// New blocks after the initial sync may carry wallet transactions.
	if g.headersSynced && g.cfg.BlockHashes != nil {
		hashes := make([]blockchain.BlockHash, len(blocks))
		for i, b := range blocks {
			hashes[i] = blockchain.BlockHash{Hash: b.Hash, Height: b.Height}
		}
		if err := g.cfg.BlockHashes.AddBlockHashes(hashes); err != nil {
			g.log.WithError(err).Error("Failed to queue block hashes")
		}
		for _, peer := range g.peers {
			peer.blockHashesSynced = false
		}
	}
}

func (g *PeerGroup) finishRound(p *Peer) {
	first := !g.headersSynced
	g.headersSynced = true
	if !first && g.roundBlocks == 0 {
		return
	}

	tip, err := g.cfg.Chain.Tip()
	if err != nil {
		g.log.WithError(err).Error("Failed to load chain tip")
		return
	}
	g.log.WithFields(logrus.Fields{
		"peer":   p.host,
		"height": tip.Height,
		"hash":   tip.Hash,
	}).Info("Headers synced")
	for _, l := range g.syncListeners {
		l.OnHeadersSynced(tip)
	}
	g.roundBlocks = 0
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, blockchain.ErrInvalidProofOfWork):
		return "pow"
	case errors.Is(err, blockchain.ErrBitsMismatch):
		return "bits"
	case errors.Is(err, blockchain.ErrPrevHashMismatch):
		return "prev_hash"
	case errors.Is(err, blockchain.ErrForkHashMismatch):
		return "fork"
	default:
		return "other"
	}
}

// scheduleMerkleFetch hands queued block hashes to ready peers once the
// headers are synced, at most MaxBlocksPerPeer per task.
func (g *PeerGroup) scheduleMerkleFetch() {
	if !g.headersSynced || g.cfg.BlockHashes == nil {
		return
	}

	limit := len(g.inflight) + len(g.peers)*g.cfg.MaxBlocksPerPeer
	pending, err := g.cfg.BlockHashes.BlockHashes(limit)
	if err != nil {
		g.log.WithError(err).Error("Failed to load block hashes")
		return
	}
	var queue []chainhash.Hash
	for _, bh := range pending {
		if _, busy := g.inflight[bh.Hash]; !busy {
			queue = append(queue, bh.Hash)
		}
	}

	for _, p := range g.orderedPeers() {
		if len(queue) == 0 {
			return
		}
		if p == g.syncPeer || p.blockHashesSynced || !p.IsReady() {
			continue
		}
		n := g.cfg.MaxBlocksPerPeer
		if n > len(queue) {
			n = len(queue)
		}
		batch := queue[:n]
		task := NewGetMerkleBlocksTask(batch, g.cfg.Params.BlockHash).SetTimeout(g.cfg.MerkleTimeout)
		if err := p.AddTask(task); err != nil {
			g.log.WithError(err).WithField("peer", p.host).Debug("Failed to request merkle blocks")
			continue
		}
		queue = queue[n:]
		for _, hash := range batch {
			g.inflight[hash] = p.host
		}
	}
}

func (g *PeerGroup) handleMerkleBlocks(p *Peer, t *GetMerkleBlocksTask, err error) {
	for _, block := range t.Blocks() {
		delete(g.inflight, block.Hash)
		if rmErr := g.cfg.BlockHashes.RemoveBlockHash(block.Hash); rmErr != nil {
			g.log.WithError(rmErr).Error("Failed to dequeue block hash")
		}
		for _, l := range g.syncListeners {
			l.OnMerkleBlock(block)
		}
	}
	for _, hash := range t.Remaining() {
		delete(g.inflight, hash)
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrBlockNotReceived):
		g.log.WithError(err).WithField("peer", p.host).Info("Peer cannot serve queued blocks")
		p.blockHashesSynced = true
	case errors.Is(err, ErrPeerClosed):
	default:
		g.log.WithError(err).WithField("peer", p.host).Warn("Merkle block download failed")
		g.disconnect(p, err)
	}
}

func (g *PeerGroup) handleMessage(p *Peer, msg btcwire.Message) {
	switch m := msg.(type) {
	case *btcwire.MsgInv:
		g.handleInv(p, m)

	case *btcwire.MsgAddr:
		hosts := make([]string, 0, len(m.AddrList))
		for _, na := range m.AddrList {
			hosts = append(hosts, hostPort(na.IP, na.Port))
		}
		g.cfg.Addresses.Add(hosts...)
		g.log.WithFields(logrus.Fields{"peer": p.host, "count": len(hosts)}).Debug("Received addresses")

	case *btcwire.MsgReject:
		g.log.WithFields(logrus.Fields{
			"peer":    p.host,
			"command": m.Cmd,
			"code":    m.Code,
			"reason":  m.Reason,
		}).Warn("Peer rejected message")

	default:
		g.log.WithFields(logrus.Fields{"peer": p.host, "command": msg.Command()}).Trace("Unhandled message")
	}
}

func (g *PeerGroup) handleInv(p *Peer, inv *btcwire.MsgInv) {
	var (
		newBlock bool
		txs      []chainhash.Hash
	)
	for _, iv := range inv.InvList {
		switch iv.Type {
		case btcwire.InvTypeBlock, btcwire.InvTypeWitnessBlock:
			if _, err := g.cfg.Chain.Block(iv.Hash); err != nil {
				newBlock = true
			}
		case btcwire.InvTypeTx, btcwire.InvTypeWitnessTx:
			if _, ok := g.requestedTx[iv.Hash]; !ok {
				txs = append(txs, iv.Hash)
			}
		}
	}

	if newBlock && g.headersSynced {
		p.synced = false
		g.selectSyncPeer()
	}
	if len(txs) > 0 && g.headersSynced {
		if err := p.AddTask(NewRequestTransactionsTask(txs)); err != nil {
			g.log.WithError(err).WithField("peer", p.host).Debug("Failed to request transactions")
			return
		}
		for _, hash := range txs {
			g.requestedTx[hash] = struct{}{}
		}
	}
}

func (g *PeerGroup) sendTransaction(tx *btcwire.MsgTx) error {
	peers := g.connectedPeers()
	if len(peers) == 0 {
		return ErrNoPeers
	}
	var sent int
	for _, p := range peers {
		if err := p.AddTask(NewSendTransactionTask(tx)); err != nil {
			g.log.WithError(err).WithField("peer", p.host).Debug("Failed to announce transaction")
			continue
		}
		sent++
	}
	if sent == 0 {
		return ErrNoPeers
	}
	return nil
}

func (g *PeerGroup) pushFilter(peers []*Peer) error {
	if g.cfg.Filter == nil {
		return ErrNoFilter
	}
	msg, err := g.cfg.Filter.FilterLoad()
	if err != nil {
		return fmt.Errorf("failed to build filter: %w", err)
	}
	for _, p := range peers {
		if err := p.SendMessage(msg); err != nil {
			g.log.WithError(err).WithField("peer", p.host).Debug("Failed to send filter")
		}
	}
	return nil
}

func (g *PeerGroup) addTask(task Task) (string, error) {
	for _, p := range g.orderedPeers() {
		if p == g.syncPeer || !p.IsReady() {
			continue
		}
		if err := p.AddTask(task); err != nil {
			return "", err
		}
		return p.host, nil
	}
	return "", ErrNoReadyPeer
}

func (g *PeerGroup) pingPeers() {
	for _, p := range g.connectedPeers() {
		if !p.IsReady() {
			continue
		}
		if err := p.AddTask(NewPingTask(g.clock)); err != nil {
			g.log.WithError(err).WithField("peer", p.host).Debug("Failed to ping")
		}
	}
}

func (g *PeerGroup) peerInfo() []PeerInfo {
	peers := g.orderedPeers()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerInfo{
			Host:         p.host,
			Score:        g.cfg.Addresses.Score(p.host),
			BestHeight:   p.BestHeight(),
			PendingTasks: p.PendingTasks(),
			Synced:       p.synced,
			SyncPeer:     p == g.syncPeer,
		})
	}
	return out
}
