// Package rpcserver serves a JSON-RPC 2.0 interface for inspecting the
// header chain and peers and for relaying signed transactions.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	"spvkit/blockchain"
	"spvkit/chaincfg"
	"spvkit/network"
)

const (
	DefaultRequestsPerSecond = 50
	maxRequestSize           = 1 << 20
	requestTimeout           = 30 * time.Second
)

// ChainReader is the read side of blockchain.Chain.
type ChainReader interface {
	Tip() (*blockchain.Block, error)
	Block(hash chainhash.Hash) (*blockchain.Block, error)
}

// PeerGroup is the part of network.PeerGroup the server uses.
type PeerGroup interface {
	Peers(ctx context.Context) ([]network.PeerInfo, error)
	SendTransaction(ctx context.Context, tx *btcwire.MsgTx) error
}

type Config struct {
	Addr              string
	RequestsPerSecond int
	Params            *chaincfg.Params
	Chain             ChainReader
	Group             PeerGroup
	Log               *logrus.Entry
}

// Server represents the RPC server.
type Server struct {
	params  *chaincfg.Params
	chain   ChainReader
	group   PeerGroup
	addr    string
	server  *http.Server
	limiter ratelimit.Limiter
	log     *logrus.Entry
}

// NewServer creates a new RPC server.
func NewServer(cfg Config) *Server {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Log == nil {
		cfg.Log = logrus.WithField("component", "rpc")
	}
	s := &Server{
		params:  cfg.Params,
		chain:   cfg.Chain,
		group:   cfg.Group,
		addr:    cfg.Addr,
		limiter: ratelimit.New(cfg.RequestsPerSecond),
		log:     cfg.Log,
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler routes JSON-RPC calls on / and a health check on /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.addr).Info("RPC server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if tip, err := s.chain.Tip(); err == nil {
		status["height"] = tip.Height
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// handleRequest handles JSON-RPC requests.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Content-Type") != "application/json" {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	s.limiter.Take()

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, nil, codeParseError, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" {
		sendError(w, req.ID, codeInvalidRequest, "Invalid JSON-RPC version")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	result, err := s.handleMethod(ctx, &req)
	if err != nil {
		var rpcErr *JSONRPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &JSONRPCError{Code: codeInternalError, Message: err.Error()}
		}
		s.log.WithError(err).WithField("method", req.Method).Debug("RPC call failed")
		sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	sendResponse(w, req.ID, result)
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func invalidParams(format string, args ...interface{}) error {
	return &JSONRPCError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// handleMethod routes the request to the appropriate handler.
func (s *Server) handleMethod(ctx context.Context, req *JSONRPCRequest) (interface{}, error) {
	switch req.Method {
	case "getblockcount":
		return s.getBlockCount()
	case "getbestblockhash":
		return s.getBestBlockHash()
	case "getblockheader":
		return s.getBlockHeader(req.Params)
	case "getblockchaininfo":
		return s.getBlockchainInfo(ctx)
	case "getpeerinfo":
		return s.getPeerInfo(ctx)
	case "getconnectioncount":
		return s.getConnectionCount(ctx)
	case "sendrawtransaction":
		return s.sendRawTransaction(ctx, req.Params)
	default:
		return nil, &JSONRPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

// sendResponse sends a successful JSON-RPC response.
func sendResponse(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

// sendError sends an error JSON-RPC response.
func sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	})
}
