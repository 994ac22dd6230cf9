package rpcserver

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      interface{}   `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      interface{}   `json:"id"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// HeaderInfo represents a stored block header.
type HeaderInfo struct {
	Hash       string `json:"hash"`
	Height     int32  `json:"height"`
	Version    int32  `json:"version"`
	PrevBlock  string `json:"previousblockhash"`
	MerkleRoot string `json:"merkleroot"`
	Timestamp  int64  `json:"time"`
	Bits       string `json:"bits"`
	Nonce      uint32 `json:"nonce"`
	Stale      bool   `json:"stale"`
}

// ChainInfo summarizes the header chain.
type ChainInfo struct {
	Chain            string `json:"chain"`
	Headers          int32  `json:"headers"`
	BestBlockHash    string `json:"bestblockhash"`
	CheckpointHeight int32  `json:"checkpointheight"`
	Peers            int    `json:"peers"`
}

// PeerInfo represents one connected peer.
type PeerInfo struct {
	Addr         string `json:"addr"`
	Score        int32  `json:"score"`
	StartHeight  int32  `json:"startingheight"`
	PendingTasks int    `json:"pendingtasks"`
	Synced       bool   `json:"synced"`
	SyncPeer     bool   `json:"syncnode"`
}
