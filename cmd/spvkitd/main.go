package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"spvkit/blockchain"
	"spvkit/chaincfg"
	"spvkit/config"
	"spvkit/crypto"
	"spvkit/database"
	"spvkit/discovery"
	"spvkit/network"
	"spvkit/rpcserver"
	"spvkit/tor"
)

func parseLogLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if config.IsHelp(err) {
			fmt.Println(err)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			logrus.SetOutput(file)
			defer file.Close()
		} else {
			logrus.Warnf("Failed to open log file %s: %v", cfg.LogFile, err)
		}
	}

	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetLevel(parseLogLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Error("spvkitd failed")
		os.Exit(1)
	}
	logrus.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	params := cfg.Params()
	logrus.WithFields(logrus.Fields{
		"network":  params.Name,
		"data_dir": cfg.DataDir,
		"tor":      cfg.Tor.Enabled,
	}).Info("Starting spvkitd")

	store, err := database.Open(filepath.Join(cfg.DataDir, params.Name, database.DefaultDBFile))
	if err != nil {
		return err
	}
	defer store.Close()

	chain, err := blockchain.NewChain(params, store, logrus.WithField("component", "chain"))
	if err != nil {
		return fmt.Errorf("failed to open chain: %w", err)
	}
	tip, err := chain.Tip()
	if err != nil {
		return err
	}
	logrus.WithField("height", tip.Height).Info("Loaded header chain")

	var seeder network.Seeder
	if !cfg.NoDNSSeed && len(params.DNSSeeds) > 0 {
		seeder = network.NewDNSSeeder(params.DNSSeeds, params.DefaultPort, cfg.DNSResolver, nil)
	}
	addrs, err := network.NewAddressManager(store, seeder, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to load peer addresses: %w", err)
	}
	addrs.Add(cfg.SeedNodes...)

	dialer, err := tor.NewDialer(tor.Config{
		Enabled:   cfg.Tor.Enabled,
		ProxyAddr: cfg.Tor.ProxyAddr,
		Timeout:   cfg.ConnectTimeout,
	}, nil)
	if err != nil {
		return err
	}
	if dialer.IsEnabled() {
		waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err := dialer.WaitForProxy(waitCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	groupCfg := network.Config{
		Params:           params,
		Chain:            chain,
		Addresses:        addrs,
		BlockHashes:      store,
		Dialer:           dialer,
		PeerSize:         cfg.MaxPeers,
		MaxBlocksPerPeer: cfg.MaxBlocksPerPeer,
		UserAgent:        cfg.UserAgent,
		ConnectTimeout:   cfg.ConnectTimeout,
		TaskTimeout:      cfg.TaskTimeout,
		HeadersTimeout:   cfg.HeadersTimeout,
		MerkleTimeout:    cfg.MerkleTimeout,
		PingInterval:     cfg.PingInterval,
	}

	if cfg.Wallet.Mnemonic != "" {
		kc, err := crypto.NewKeychainFromMnemonic(cfg.Wallet.Mnemonic, cfg.Wallet.Passphrase, params)
		if err != nil {
			return err
		}
		kc.SetGapLimit(cfg.Index.GapLimit)
		if cfg.Index.URL != "" {
			if err := discover(ctx, cfg, params, kc, store); err != nil {
				return err
			}
		}
		filter, err := crypto.NewFilterProvider(kc, cfg.Wallet.FalsePositiveRate)
		if err != nil {
			return err
		}
		groupCfg.Filter = filter
	}

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("Metrics server shutdown failed")
			}
		}()
	}

	group, err := network.NewPeerGroup(groupCfg)
	if err != nil {
		return err
	}
	events := &eventLog{log: logrus.WithField("component", "events")}
	group.AddPeerGroupListener(events)
	group.AddSyncListener(events)

	if err := group.Start(ctx); err != nil {
		return err
	}

	if cfg.RPC.Addr != "" {
		rpc := rpcserver.NewServer(rpcserver.Config{
			Addr:              cfg.RPC.Addr,
			RequestsPerSecond: cfg.RPC.RequestsPerSecond,
			Params:            params,
			Chain:             chain,
			Group:             group,
		})
		go func() {
			if err := rpc.Start(); err != nil {
				logrus.WithError(err).Error("RPC server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rpc.Stop(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("RPC server shutdown failed")
			}
		}()
	}
	<-ctx.Done()

	logrus.Info("Shutdown signal received, stopping peer group")
	group.Stop()
	return nil
}

func discover(ctx context.Context, cfg *config.Config, params *chaincfg.Params, kc *crypto.Keychain, store *database.Store) error {
	client, err := discovery.NewHTTPIndexClient(discovery.HTTPIndexConfig{
		BaseURL:           cfg.Index.URL,
		RequestsPerSecond: cfg.Index.RequestsPerSecond,
	})
	if err != nil {
		return err
	}
	syncer, err := discovery.NewInitialSyncer(discovery.SyncerConfig{
		Params:    params,
		API:       client,
		Keys:      kc,
		Watermark: kc,
		Store:     store,
		GapLimit:  cfg.Index.GapLimit,
	})
	if err != nil {
		return err
	}
	res, err := syncer.Sync(ctx)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"accounts": len(res.Accounts),
		"blocks":   len(res.BlockHashes),
	}).Info("Wallet history discovered")
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Metrics server failed")
		}
	}()
	logrus.WithField("addr", addr).Info("Serving metrics")
	return srv
}

// eventLog reports peer group activity.
type eventLog struct {
	log *logrus.Entry
}

func (e *eventLog) OnPeerConnect(host string) {
	e.log.WithField("peer", host).Debug("Peer connected")
}

func (e *eventLog) OnPeerReady(host string) {
	e.log.WithField("peer", host).Info("Peer ready")
}

func (e *eventLog) OnPeerDisconnect(host string, err error) {
	e.log.WithField("peer", host).WithError(err).Info("Peer disconnected")
}

func (e *eventLog) OnHeadersAccepted(blocks []*blockchain.Block) {
	e.log.WithFields(logrus.Fields{
		"count":  len(blocks),
		"height": blocks[len(blocks)-1].Height,
	}).Debug("Headers accepted")
}

func (e *eventLog) OnHeadersSynced(tip *blockchain.Block) {
	e.log.WithFields(logrus.Fields{
		"height": tip.Height,
		"hash":   tip.Hash,
	}).Info("Headers synced")
}

func (e *eventLog) OnReorganize(forkPoint *blockchain.Block, blocks []*blockchain.Block) {
	e.log.WithFields(logrus.Fields{
		"fork_height": forkPoint.Height,
		"new_blocks":  len(blocks),
	}).Warn("Chain reorganized")
}

func (e *eventLog) OnMerkleBlock(block *network.MerkleBlock) {
	e.log.WithFields(logrus.Fields{
		"hash":    block.Hash,
		"matched": len(block.Matched),
	}).Info("Filtered block received")
}

func (e *eventLog) OnTransactions(txs []*btcwire.MsgTx) {
	for _, tx := range txs {
		e.log.WithField("txid", tx.TxHash()).Info("Wallet transaction received")
	}
}
