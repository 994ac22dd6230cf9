package network_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"spvkit/database"
	"spvkit/network"
)

type staticSeeder struct {
	hosts []string
	err   error
	calls int
}

func (s *staticSeeder) Seed(context.Context) ([]string, error) {
	s.calls++
	return s.hosts, s.err
}

func openStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), database.DefaultDBFile))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAddressManagerNext(t *testing.T) {
	clk := clock.NewTestClock(time.Unix(1700000000, 0))
	m, err := network.NewAddressManager(nil, nil, clk, nil)
	require.NoError(t, err)

	m.Add("10.0.0.3:8333", "10.0.0.1:8333", "10.0.0.2:8333")
	m.MarkSuccess("10.0.0.2:8333")

	ctx := context.Background()
	addr, err := m.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:8333", addr.Host)
	require.Equal(t, int32(1), addr.Score)

	// Ties resolve by host.
	addr, err = m.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8333", addr.Host)
	addr, err = m.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3:8333", addr.Host)

	_, err = m.Next(ctx)
	require.ErrorIs(t, err, network.ErrNoAddress)

	m.Release("10.0.0.1:8333")
	addr, err = m.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8333", addr.Host)
}

func TestAddressManagerSeeds(t *testing.T) {
	seeder := &staticSeeder{hosts: []string{"10.0.0.1:8333", "10.0.0.2:8333"}}
	m, err := network.NewAddressManager(nil, seeder, nil, nil)
	require.NoError(t, err)

	addr, err := m.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8333", addr.Host)
	_, err = m.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, seeder.calls)

	failing := &staticSeeder{err: errors.New("no route")}
	m, err = network.NewAddressManager(nil, failing, nil, nil)
	require.NoError(t, err)
	_, err = m.Next(context.Background())
	require.EqualError(t, err, "no route")
}

func TestAddressManagerPersistsScores(t *testing.T) {
	store := openStore(t)
	m, err := network.NewAddressManager(store, nil, nil, nil)
	require.NoError(t, err)

	m.Add("10.0.0.1:8333", "10.0.0.2:8333", "10.0.0.3:8333")
	m.MarkSuccess("10.0.0.1:8333")
	m.Penalize("10.0.0.2:8333", 10)
	for i := 0; i < network.MaxAddressFailures; i++ {
		m.MarkFailed("10.0.0.3:8333")
	}

	reloaded, err := network.NewAddressManager(store, nil, nil, nil)
	require.NoError(t, err)
	addrs := reloaded.Addresses()
	require.Len(t, addrs, 2)
	require.Equal(t, "10.0.0.1:8333", addrs[0].Host)
	require.Equal(t, int32(1), addrs[0].Score)
	require.Equal(t, int32(-10), reloaded.Score("10.0.0.2:8333"))
	require.Equal(t, int32(0), reloaded.Score("10.0.0.3:8333"))
}

func TestAddressManagerForgetsAfterRepeatedFailures(t *testing.T) {
	store := openStore(t)
	m, err := network.NewAddressManager(store, nil, nil, nil)
	require.NoError(t, err)

	const host = "10.0.0.1:8333"
	m.Add(host)
	m.MarkSuccess(host)
	m.MarkSuccess(host)

	_, err = m.Next(context.Background())
	require.NoError(t, err)
	m.MarkFailed(host)
	require.Len(t, m.Addresses(), 1)
	require.Equal(t, int32(1), m.Score(host))

	// Released by the failure, so it can be handed out again.
	addr, err := m.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, host, addr.Host)

	// A success in between starts the count over.
	m.MarkSuccess(host)
	for i := 0; i < network.MaxAddressFailures-1; i++ {
		m.MarkFailed(host)
	}
	require.Len(t, m.Addresses(), 1)
	require.Equal(t, int32(0), m.Score(host))

	m.MarkFailed(host)
	require.Empty(t, m.Addresses())

	reloaded, err := network.NewAddressManager(store, nil, nil, nil)
	require.NoError(t, err)
	require.Empty(t, reloaded.Addresses())
}
