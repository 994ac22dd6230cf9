// Package config parses the daemon options from flags and the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"

	"spvkit/chaincfg"
)

// Config holds all configuration for the SPV daemon. Every option can be
// set by flag or by environment variable; flags win.
type Config struct {
	// Network
	Network string `long:"network" env:"NETWORK" default:"mainnet" description:"network to follow (mainnet, testnet3, bitcoincash, litecoin)"`

	// Logging
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"log level"`
	LogFile  string `long:"log-file" env:"LOG_FILE" description:"append logs to this file instead of stderr"`

	// Database
	DataDir string `long:"data-dir" env:"DATA_DIR" default:"." description:"directory holding the header store"`

	// P2P
	MaxPeers         int           `long:"max-peers" env:"MAX_PEERS" default:"4" description:"number of peers to keep connected"`
	MaxBlocksPerPeer int           `long:"max-blocks-per-peer" env:"MAX_BLOCKS_PER_PEER" default:"100" description:"merkle blocks requested from one peer at a time"`
	ConnectTimeout   time.Duration `long:"connect-timeout" env:"CONNECT_TIMEOUT" default:"30s" description:"dial and handshake timeout"`
	TaskTimeout      time.Duration `long:"task-timeout" env:"TASK_TIMEOUT" default:"60s" description:"time a peer has to answer a request"`
	HeadersTimeout   time.Duration `long:"headers-timeout" env:"HEADERS_TIMEOUT" default:"30s" description:"time the sync peer has to answer getheaders"`
	MerkleTimeout    time.Duration `long:"merkle-timeout" env:"MERKLE_TIMEOUT" default:"2m" description:"time a peer may stay silent during a merkle block batch"`
	PingInterval     time.Duration `long:"ping-interval" env:"PING_INTERVAL" default:"2m" description:"keep-alive ping interval"`
	UserAgent        string        `long:"user-agent" env:"USER_AGENT" default:"/spvkit:0.1.0/" description:"user agent sent in the version handshake"`
	SeedNodes        []string      `long:"connect" env:"SEED_NODES" env-delim:"," description:"extra peer addresses (host:port), may repeat"`
	DNSResolver      string        `long:"dns-resolver" env:"DNS_RESOLVER" description:"resolver (host:port) used for DNS seeds"`
	NoDNSSeed        bool          `long:"no-dns-seed" env:"NO_DNS_SEED" description:"do not query DNS seeds"`

	Tor     TorConfig     `group:"Tor" namespace:"tor" env-namespace:"TOR"`
	Metrics MetricsConfig `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
	RPC     RPCConfig     `group:"RPC" namespace:"rpc" env-namespace:"RPC"`
	Index   IndexConfig   `group:"Index" namespace:"index" env-namespace:"INDEX"`
	Wallet  WalletConfig  `group:"Wallet" namespace:"wallet" env-namespace:"WALLET"`
}

type TorConfig struct {
	Enabled   bool   `long:"enabled" env:"ENABLED" description:"dial every peer through the SOCKS5 proxy"`
	ProxyAddr string `long:"proxy" env:"PROXY_ADDR" default:"127.0.0.1:9050" description:"SOCKS5 proxy address"`
}

type MetricsConfig struct {
	Addr string `long:"addr" env:"ADDR" description:"serve prometheus metrics on this address"`
}

type RPCConfig struct {
	Addr              string `long:"addr" env:"ADDR" description:"serve JSON-RPC on this address"`
	RequestsPerSecond int    `long:"rps" env:"RPS" default:"50" description:"JSON-RPC request rate limit"`
}

// IndexConfig points initial discovery at an insight-style address index.
// Discovery is skipped when URL is empty.
type IndexConfig struct {
	URL               string `long:"url" env:"URL" description:"address index base URL"`
	RequestsPerSecond int    `long:"rps" env:"RPS" default:"5" description:"index request rate limit"`
	GapLimit          uint32 `long:"gap-limit" env:"GAP_LIMIT" default:"20" description:"unused keys scanned before an account branch is considered done"`
}

type WalletConfig struct {
	Mnemonic          string  `long:"mnemonic" env:"MNEMONIC" description:"BIP39 mnemonic of the watched wallet"`
	Passphrase        string  `long:"passphrase" env:"PASSPHRASE" description:"BIP39 passphrase"`
	FalsePositiveRate float64 `long:"fp-rate" env:"FP_RATE" default:"0.0005" description:"bloom filter false positive rate"`
}

// Load parses args (without the program name) over the environment. A
// help request comes back as the *flags.Error of type flags.ErrHelp.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsHelp reports whether err is a help request from Load.
func IsHelp(err error) bool {
	var ferr *flags.Error
	return errors.As(err, &ferr) && ferr.Type == flags.ErrHelp
}

// Validate checks option combinations the parser cannot.
func (c *Config) Validate() error {
	params, err := chaincfg.ParamsForName(c.Network)
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("network %s: %w", c.Network, err)
	}
	if c.MaxPeers < 1 {
		return fmt.Errorf("max-peers must be positive, got %d", c.MaxPeers)
	}
	if c.MaxBlocksPerPeer < 1 {
		return fmt.Errorf("max-blocks-per-peer must be positive, got %d", c.MaxBlocksPerPeer)
	}
	if c.Tor.Enabled && c.Tor.ProxyAddr == "" {
		return errors.New("tor enabled without a proxy address")
	}
	if c.Index.URL != "" && c.Wallet.Mnemonic == "" {
		return errors.New("index discovery requires a wallet mnemonic")
	}
	if c.Wallet.FalsePositiveRate <= 0 || c.Wallet.FalsePositiveRate >= 1 {
		return fmt.Errorf("fp-rate must be in (0, 1), got %v", c.Wallet.FalsePositiveRate)
	}
	return nil
}

// Params returns the network parameters named by Network.
func (c *Config) Params() *chaincfg.Params {
	params, _ := chaincfg.ParamsForName(c.Network)
	return params
}
