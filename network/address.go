package network

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sirupsen/logrus"
)

// ErrNoAddress is returned by AddressManager.Next when no unused address is
// known even after seeding.
var ErrNoAddress = errors.New("no peer address available")

// MaxAddressFailures is how many consecutive failed dials an address
// survives before it is forgotten.
const MaxAddressFailures = 3

// PeerAddress is a known peer endpoint. Score counts successful sessions
// minus misbehavior penalties.
type PeerAddress struct {
	Host     string
	Score    int32
	LastSeen time.Time
}

// AddressStore persists peer addresses between runs.
type AddressStore interface {
	SavePeerAddress(addr PeerAddress) error
	PeerAddresses() ([]PeerAddress, error)
	DeletePeerAddress(host string) error
}

// Seeder resolves bootstrap addresses, typically from DNS seeds.
type Seeder interface {
	Seed(ctx context.Context) ([]string, error)
}

// AddressManager hands out peer addresses by descending score. It is safe
// for concurrent use.
type AddressManager struct {
	mu     sync.Mutex
	store  AddressStore
	seeder Seeder
	clock  clock.Clock
	log    *logrus.Entry

	addrs    map[string]*PeerAddress
	inUse    map[string]struct{}
	failures map[string]int
}

// NewAddressManager loads the stored addresses. store and seeder may be nil.
func NewAddressManager(store AddressStore, seeder Seeder, clk clock.Clock, log *logrus.Entry) (*AddressManager, error) {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if log == nil {
		log = logrus.WithField("component", "addrmgr")
	}

	m := &AddressManager{
		store:    store,
		seeder:   seeder,
		clock:    clk,
		log:      log,
		addrs:    make(map[string]*PeerAddress),
		inUse:    make(map[string]struct{}),
		failures: make(map[string]int),
	}
	if store == nil {
		return m, nil
	}

	stored, err := store.PeerAddresses()
	if err != nil {
		return nil, err
	}
	for i := range stored {
		addr := stored[i]
		m.addrs[addr.Host] = &addr
	}
	log.WithField("count", len(stored)).Debug("Loaded peer addresses")
	return m, nil
}

// Next reserves the best scored address that is not in use. When none is
// left the seeder is consulted once.
func (m *AddressManager) Next(ctx context.Context) (PeerAddress, error) {
	if addr, ok := m.reserve(); ok {
		return addr, nil
	}
	if m.seeder == nil {
		return PeerAddress{}, ErrNoAddress
	}

	hosts, err := m.seeder.Seed(ctx)
	if err != nil {
		return PeerAddress{}, err
	}
	m.Add(hosts...)
	m.log.WithField("count", len(hosts)).Info("Seeded peer addresses")

	if addr, ok := m.reserve(); ok {
		return addr, nil
	}
	return PeerAddress{}, ErrNoAddress
}

func (m *AddressManager) reserve() (PeerAddress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *PeerAddress
	for host, addr := range m.addrs {
		if _, busy := m.inUse[host]; busy {
			continue
		}
		if best == nil || addr.Score > best.Score ||
			(addr.Score == best.Score && addr.Host < best.Host) {
			best = addr
		}
	}
	if best == nil {
		return PeerAddress{}, false
	}
	m.inUse[best.Host] = struct{}{}
	return *best, true
}

// Add registers new addresses with a zero score. Known hosts are kept.
func (m *AddressManager) Add(hosts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, host := range hosts {
		if _, ok := m.addrs[host]; ok {
			continue
		}
		addr := &PeerAddress{Host: host, LastSeen: m.clock.Now()}
		m.addrs[host] = addr
		m.save(addr)
	}
}

// MarkSuccess raises the score of a host after a completed handshake and
// clears its failure count.
func (m *AddressManager) MarkSuccess(host string) {
	m.mu.Lock()
	delete(m.failures, host)
	m.mu.Unlock()
	m.adjust(host, 1)
}

// Penalize lowers the score of a misbehaving host.
func (m *AddressManager) Penalize(host string, amount int32) {
	m.adjust(host, -amount)
}

func (m *AddressManager) adjust(host string, delta int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr, ok := m.addrs[host]
	if !ok {
		addr = &PeerAddress{Host: host}
		m.addrs[host] = addr
	}
	addr.Score += delta
	addr.LastSeen = m.clock.Now()
	m.save(addr)
}

// MarkFailed lowers the score of a host that could not be reached and
// releases it. After MaxAddressFailures consecutive failures the host is
// forgotten.
func (m *AddressManager) MarkFailed(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inUse, host)
	addr, ok := m.addrs[host]
	if !ok {
		return
	}

	m.failures[host]++
	if m.failures[host] < MaxAddressFailures {
		addr.Score--
		addr.LastSeen = m.clock.Now()
		m.save(addr)
		return
	}

	delete(m.addrs, host)
	delete(m.failures, host)
	m.log.WithField("peer", host).Debug("Forgetting unreachable peer")
	if m.store == nil {
		return
	}
	if err := m.store.DeletePeerAddress(host); err != nil {
		m.log.WithError(err).WithField("peer", host).Warn("Failed to delete peer address")
	}
}

// Release returns a reserved host to the pool.
func (m *AddressManager) Release(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inUse, host)
}

// Score returns the current score of host.
func (m *AddressManager) Score(host string) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr, ok := m.addrs[host]; ok {
		return addr.Score
	}
	return 0
}

// Addresses returns a snapshot ordered by descending score.
func (m *AddressManager) Addresses() []PeerAddress {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerAddress, 0, len(m.addrs))
	for _, addr := range m.addrs {
		out = append(out, *addr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Host < out[j].Host
	})
	return out
}

func (m *AddressManager) save(addr *PeerAddress) {
	if m.store == nil {
		return
	}
	if err := m.store.SavePeerAddress(*addr); err != nil {
		m.log.WithError(err).WithField("peer", addr.Host).Warn("Failed to save peer address")
	}
}

// hostPort formats an IP and port the way addresses are keyed.
func hostPort(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}
