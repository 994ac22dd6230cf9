package network

import (
	"sync"
	"sync/atomic"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTaskTimeout = time.Minute

	timeoutCheckInterval = 5 * time.Second
)

type PeerState int32

const (
	PeerDisconnected PeerState = iota
	PeerConnecting
	PeerConnected
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PeerHandlers receive what a Peer does not handle itself. They are called
// from the peer's goroutines and must not block on the peer.
type PeerHandlers struct {
	// OnMessage gets inbound messages no task claimed.
	OnMessage func(p *Peer, msg btcwire.Message)

	// OnTaskDone reports a task leaving the peer: err is nil on success.
	OnTaskDone func(p *Peer, task Task, err error)

	OnDisconnect func(p *Peer, err error)
}

type taskEntry struct {
	task         Task
	timeout      time.Duration
	lastActivity time.Time
}

// Peer runs tasks over one connection. Inbound messages are offered to the
// pending tasks in insertion order before they are routed elsewhere.
type Peer struct {
	host        string
	score       int32
	conn        *Connection
	handlers    PeerHandlers
	clock       clock.Clock
	taskTimeout time.Duration
	log         *logrus.Entry

	state atomic.Int32

	taskMu sync.Mutex
	tasks  []*taskEntry

	// Owned by the peer group loop.
	synced            bool
	blockHashesSynced bool

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// PeerConfig holds the optional settings of a Peer.
type PeerConfig struct {
	Clock       clock.Clock
	TaskTimeout time.Duration
	Log         *logrus.Entry
}

func NewPeer(host string, score int32, handlers PeerHandlers, cfg PeerConfig) *Peer {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logrus.WithField("component", "peer")
	}
	p := &Peer{
		host:        host,
		score:       score,
		handlers:    handlers,
		clock:       cfg.Clock,
		taskTimeout: cfg.TaskTimeout,
		log:         cfg.Log.WithField("peer", host),
		quit:        make(chan struct{}),
	}
	p.state.Store(int32(PeerConnecting))
	return p
}

// Start takes over a handshaked connection and starts the read and timeout
// goroutines.
func (p *Peer) Start(conn *Connection) {
	p.conn = conn
	p.state.Store(int32(PeerConnected))

	p.wg.Add(2)
	go p.readLoop()
	go p.timeoutLoop()
}

func (p *Peer) Host() string {
	return p.host
}

func (p *Peer) Score() int32 {
	return p.score
}

func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

// BestHeight is the height the remote reported in its version message.
func (p *Peer) BestHeight() int32 {
	if p.conn == nil {
		return 0
	}
	return p.conn.remoteHeight()
}

func (p *Peer) ProtocolVersion() uint32 {
	return p.conn.ProtocolVersion()
}

func (p *Peer) SendMessage(msg btcwire.Message) error {
	if p.State() != PeerConnected {
		return ErrPeerClosed
	}
	return p.conn.SendMessage(msg)
}

// IsReady reports a connected peer without pending tasks.
func (p *Peer) IsReady() bool {
	if p.State() != PeerConnected {
		return false
	}
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	return len(p.tasks) == 0
}

func (p *Peer) PendingTasks() int {
	p.taskMu.Lock()
	defer p.taskMu.Unlock()
	return len(p.tasks)
}

// AddTask starts task on this peer. A task whose Start fails is not kept.
func (p *Peer) AddTask(task Task) error {
	if p.State() != PeerConnected {
		return ErrPeerClosed
	}

	p.taskMu.Lock()
	if err := task.Start(p); err != nil {
		p.taskMu.Unlock()
		return err
	}
	p.tasks = append(p.tasks, &taskEntry{
		task:         task,
		timeout:      p.timeoutFor(task),
		lastActivity: p.clock.Now(),
	})
	p.taskMu.Unlock()

	p.log.WithField("task", task.Kind()).Trace("Task started")
	return nil
}

func (p *Peer) timeoutFor(task Task) time.Duration {
	if timed, ok := task.(TimedTask); ok && timed.Timeout() > 0 {
		return timed.Timeout()
	}
	return p.taskTimeout
}

type finishedTask struct {
	task Task
	err  error
}

func (p *Peer) readLoop() {
	defer p.wg.Done()
	err := p.conn.ReadLoop(p.dispatch)
	p.Close(err)
}

// dispatch offers msg to the pending tasks and routes it when none claims it.
func (p *Peer) dispatch(msg btcwire.Message) {
	var (
		claimed  bool
		finished *finishedTask
	)

	p.taskMu.Lock()
	for i, entry := range p.tasks {
		ok, err := entry.task.HandleMessage(p, msg)
		if !ok {
			continue
		}
		claimed = true
		entry.lastActivity = p.clock.Now()
		if err != nil || entry.task.Done() {
			p.tasks = append(p.tasks[:i], p.tasks[i+1:]...)
			finished = &finishedTask{task: entry.task, err: err}
		}
		break
	}
	p.taskMu.Unlock()

	if finished != nil {
		p.taskDone(finished.task, finished.err)
	}
	if !claimed {
		p.route(msg)
	}
}

// route answers keep-alive and data requests no task claimed, and hands
// everything else to the owner.
func (p *Peer) route(msg btcwire.Message) {
	switch m := msg.(type) {
	case *btcwire.MsgPing:
		if err := p.SendMessage(btcwire.NewMsgPong(m.Nonce)); err != nil {
			p.log.WithError(err).Debug("Failed to answer ping")
		}
	case *btcwire.MsgGetData:
		notFound := btcwire.NewMsgNotFound()
		for _, iv := range m.InvList {
			if err := notFound.AddInvVect(iv); err != nil {
				break
			}
		}
		if err := p.SendMessage(notFound); err != nil {
			p.log.WithError(err).Debug("Failed to send notfound")
		}
	default:
		if p.handlers.OnMessage != nil {
			p.handlers.OnMessage(p, msg)
		}
	}
}

func (p *Peer) taskDone(task Task, err error) {
	fields := logrus.Fields{"task": task.Kind()}
	if err != nil {
		p.log.WithFields(fields).WithError(err).Debug("Task failed")
	} else {
		p.log.WithFields(fields).Trace("Task completed")
	}
	if p.handlers.OnTaskDone != nil {
		p.handlers.OnTaskDone(p, task, err)
	}
}

func (p *Peer) timeoutLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case <-p.clock.TickAfter(timeoutCheckInterval):
			p.checkTimeouts()
		}
	}
}

// checkTimeouts fails tasks that have been idle longer than their timeout.
func (p *Peer) checkTimeouts() {
	now := p.clock.Now()

	var expired []Task
	p.taskMu.Lock()
	kept := p.tasks[:0]
	for _, entry := range p.tasks {
		if now.Sub(entry.lastActivity) > entry.timeout {
			expired = append(expired, entry.task)
			continue
		}
		kept = append(kept, entry)
	}
	p.tasks = kept
	p.taskMu.Unlock()

	for _, task := range expired {
		p.taskDone(task, ErrTaskTimeout)
	}
}

// Close tears the session down. Pending tasks fail with ErrPeerClosed and
// OnDisconnect is called once with cause.
func (p *Peer) Close(cause error) {
	p.closeOnce.Do(func() {
		p.state.Store(int32(PeerDisconnected))
		close(p.quit)
		if p.conn != nil {
			p.conn.Close()
		}

		p.taskMu.Lock()
		pending := p.tasks
		p.tasks = nil
		p.taskMu.Unlock()
		for _, entry := range pending {
			p.taskDone(entry.task, ErrPeerClosed)
		}

		p.log.WithError(cause).Debug("Peer disconnected")
		if p.handlers.OnDisconnect != nil {
			p.handlers.OnDisconnect(p, cause)
		}
	})
}

// Wait blocks until the peer goroutines have exited.
func (p *Peer) Wait() {
	p.wg.Wait()
}
