package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "mainnet", cfg.Network)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 4, cfg.MaxPeers)
	require.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	require.Equal(t, 30*time.Second, cfg.HeadersTimeout)
	require.Equal(t, 2*time.Minute, cfg.MerkleTimeout)
	require.Equal(t, "127.0.0.1:9050", cfg.Tor.ProxyAddr)
	require.False(t, cfg.Tor.Enabled)
	require.Empty(t, cfg.Metrics.Addr)
	require.Equal(t, uint32(20), cfg.Index.GapLimit)
	require.Equal(t, "mainnet", cfg.Params().Name)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("NETWORK", "testnet3")
	t.Setenv("TOR_ENABLED", "true")
	t.Setenv("METRICS_ADDR", "127.0.0.1:9100")
	t.Setenv("RPC_ADDR", "127.0.0.1:8332")
	t.Setenv("CONNECT_TIMEOUT", "5s")
	t.Setenv("SEED_NODES", "10.0.0.1:18333,10.0.0.2:18333")

	cfg, err := Load([]string{"--max-peers", "8", "--metrics.addr", ":9200"})
	require.NoError(t, err)
	require.Equal(t, "testnet3", cfg.Network)
	require.True(t, cfg.Tor.Enabled)
	require.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	require.Equal(t, []string{"10.0.0.1:18333", "10.0.0.2:18333"}, cfg.SeedNodes)
	require.Equal(t, 8, cfg.MaxPeers)
	require.Equal(t, "127.0.0.1:8332", cfg.RPC.Addr)
	// Flags win over the environment.
	require.Equal(t, ":9200", cfg.Metrics.Addr)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown network", args: []string{"--network", "nonesuch"}},
		{name: "dash without hasher", args: []string{"--network", "dash"}},
		{name: "no peers", args: []string{"--max-peers", "0"}},
		{name: "index without mnemonic", args: []string{"--index.url", "https://index.example/api"}},
		{name: "bad fp rate", args: []string{"--wallet.fp-rate", "1.5"}},
		{name: "bad level", args: []string{"--log-level", "trace"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			require.Error(t, err)
			require.False(t, IsHelp(err))
		})
	}
}

func TestLoadHelp(t *testing.T) {
	_, err := Load([]string{"--help"})
	require.True(t, IsHelp(err))
}
