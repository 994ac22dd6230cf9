package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// insightServer serves total history items per address list and records
// each request.
type insightServer struct {
	mu       sync.Mutex
	total    int
	status   int
	requests []string
}

func (s *insightServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path+"?"+r.URL.RawQuery)
	status := s.status
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "no such thing", status)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/addrs/"), "/")
	if len(parts) != 2 || parts[1] != "txs" {
		http.NotFound(w, r)
		return
	}
	from, _ := strconv.Atoi(r.URL.Query().Get("from"))
	to, _ := strconv.Atoi(r.URL.Query().Get("to"))
	if to > s.total {
		to = s.total
	}

	page := insightPage{TotalItems: s.total, From: from, To: to}
	for i := from; i < to; i++ {
		item := insightItem{
			TxID:        fmt.Sprintf("%s-%d", parts[0], i),
			BlockHash:   chainhash.Hash{byte(i)}.String(),
			BlockHeight: int32(1000 + i),
		}
		item.Vin = append(item.Vin, struct {
			Addr string `json:"addr"`
		}{Addr: strings.Split(parts[0], ",")[0]})
		page.Items = append(page.Items, item)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

func newInsight(t *testing.T, srv *insightServer, perQuery int) *HTTPIndexClient {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client, err := NewHTTPIndexClient(HTTPIndexConfig{
		BaseURL:           ts.URL + "/api/",
		RequestsPerSecond: 1000,
		AddressesPerQuery: perQuery,
		HTTPClient:        ts.Client(),
	})
	require.NoError(t, err)
	return client
}

func TestHTTPIndexClientPages(t *testing.T) {
	srv := &insightServer{total: 120}
	client := newInsight(t, srv, 0)

	txs, err := client.Transactions(context.Background(), []string{"addrA", "addrB"})
	require.NoError(t, err)
	require.Len(t, txs, 120)
	require.Equal(t, "addrA,addrB-0", txs[0].TxID)
	require.Equal(t, "addrA,addrB-119", txs[119].TxID)
	require.Equal(t, int32(1005), txs[5].BlockHeight)
	require.Equal(t, chainhash.Hash{5}, txs[5].BlockHash)
	require.Equal(t, []string{"addrA"}, txs[5].Addresses)

	sort.Strings(srv.requests)
	require.Equal(t, []string{
		"/api/addrs/addrA,addrB/txs?from=0&to=50",
		"/api/addrs/addrA,addrB/txs?from=100&to=150",
		"/api/addrs/addrA,addrB/txs?from=50&to=100",
	}, srv.requests)
}

func TestHTTPIndexClientChunksAddresses(t *testing.T) {
	srv := &insightServer{total: 1}
	client := newInsight(t, srv, 2)

	txs, err := client.Transactions(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Len(t, srv.requests, 2)
}

func TestHTTPIndexClientStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantCalls int
	}{
		// Client errors are not retried.
		{status: http.StatusNotFound, wantCalls: 1},
		{status: http.StatusTooManyRequests, wantCalls: 3},
		{status: http.StatusBadGateway, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := &insightServer{status: tt.status}
			client := newInsight(t, srv, 0)

			_, err := client.Transactions(context.Background(), []string{"a"})
			require.ErrorIs(t, err, ErrBadStatus)

			fetcher := NewBlockHashFetcher(client, quickBackOff, nil)
			srv.requests = nil
			_, err = fetcher.Fetch(context.Background(), []AddressKey{{Addresses: []string{"a"}}}, nil)
			require.ErrorIs(t, err, ErrBadStatus)
			require.Len(t, srv.requests, tt.wantCalls)
		})
	}
}

func TestNewHTTPIndexClientRejectsScheme(t *testing.T) {
	_, err := NewHTTPIndexClient(HTTPIndexConfig{BaseURL: "ftp://index.example"})
	require.Error(t, err)
}
