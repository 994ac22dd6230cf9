package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"spvkit/metrics"
)

const (
	DefaultRequestsPerSecond = 5
	DefaultPageSize          = 50
	DefaultAddressesPerQuery = 50
	DefaultRequestTimeout    = 30 * time.Second

	pageConcurrency = 4
)

// ErrBadStatus wraps non-2xx responses. 4xx responses are permanent.
var ErrBadStatus = errors.New("unexpected index response status")

// HTTPIndexConfig configures an HTTPIndexClient.
type HTTPIndexConfig struct {
	BaseURL           string
	RequestsPerSecond int
	PageSize          int
	AddressesPerQuery int
	HTTPClient        *http.Client
	Log               *logrus.Entry
}

// HTTPIndexClient queries an insight-style API:
// GET {base}/addrs/{a,b,...}/txs?from=N&to=M.
type HTTPIndexClient struct {
	base     *url.URL
	http     *http.Client
	limiter  ratelimit.Limiter
	pageSize int
	chunk    int
	log      *logrus.Entry
}

func NewHTTPIndexClient(cfg HTTPIndexConfig) (*HTTPIndexClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid index url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("index url scheme %q not supported", base.Scheme)
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.AddressesPerQuery <= 0 {
		cfg.AddressesPerQuery = DefaultAddressesPerQuery
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.WithField("component", "index")
	}
	return &HTTPIndexClient{
		base:     base,
		http:     cfg.HTTPClient,
		limiter:  ratelimit.New(cfg.RequestsPerSecond),
		pageSize: cfg.PageSize,
		chunk:    cfg.AddressesPerQuery,
		log:      cfg.Log,
	}, nil
}

type insightPage struct {
	TotalItems int           `json:"totalItems"`
	From       int           `json:"from"`
	To         int           `json:"to"`
	Items      []insightItem `json:"items"`
}

type insightItem struct {
	TxID        string `json:"txid"`
	BlockHash   string `json:"blockhash"`
	BlockHeight int32  `json:"blockheight"`
	Vin         []struct {
		Addr string `json:"addr"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey struct {
			Hex       string   `json:"hex"`
			Addresses []string `json:"addresses"`
		} `json:"scriptPubKey"`
	} `json:"vout"`
}

func (it *insightItem) transaction() (Transaction, error) {
	tx := Transaction{TxID: it.TxID, BlockHeight: -1}
	if it.BlockHash != "" {
		hash, err := chainhash.NewHashFromStr(it.BlockHash)
		if err != nil {
			return tx, fmt.Errorf("tx %s: bad block hash: %w", it.TxID, err)
		}
		tx.BlockHash = *hash
		tx.BlockHeight = it.BlockHeight
	}
	for _, in := range it.Vin {
		if in.Addr != "" {
			tx.Addresses = append(tx.Addresses, in.Addr)
		}
	}
	for _, out := range it.Vout {
		tx.Addresses = append(tx.Addresses, out.ScriptPubKey.Addresses...)
		if out.ScriptPubKey.Hex == "" {
			continue
		}
		script, err := hex.DecodeString(out.ScriptPubKey.Hex)
		if err != nil {
			return tx, fmt.Errorf("tx %s: bad script: %w", it.TxID, err)
		}
		tx.Scripts = append(tx.Scripts, script)
	}
	return tx, nil
}

// Transactions pages through the history of addrs, a chunk of addresses
// per query. Pages after the first are fetched concurrently.
func (c *HTTPIndexClient) Transactions(ctx context.Context, addrs []string) ([]Transaction, error) {
	var all []Transaction
	for start := 0; start < len(addrs); start += c.chunk {
		end := start + c.chunk
		if end > len(addrs) {
			end = len(addrs)
		}
		txs, err := c.chunkTransactions(ctx, addrs[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, txs...)
	}
	return all, nil
}

func (c *HTTPIndexClient) chunkTransactions(ctx context.Context, addrs []string) ([]Transaction, error) {
	first, err := c.page(ctx, addrs, 0)
	if err != nil {
		return nil, err
	}
	pages := [][]Transaction{first.txs}

	if first.total > c.pageSize {
		rest := make([][]Transaction, (first.total-1)/c.pageSize)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(pageConcurrency)
		for i := range rest {
			i := i
			from := (i + 1) * c.pageSize
			g.Go(func() error {
				p, err := c.page(gctx, addrs, from)
				if err != nil {
					return err
				}
				rest[i] = p.txs
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		pages = append(pages, rest...)
	}

	var out []Transaction
	for _, p := range pages {
		out = append(out, p...)
	}
	c.log.WithFields(logrus.Fields{
		"addresses": len(addrs),
		"txs":       len(out),
	}).Debug("Fetched address history")
	return out, nil
}

type pageResult struct {
	total int
	txs   []Transaction
}

func (c *HTTPIndexClient) page(ctx context.Context, addrs []string, from int) (res *pageResult, err error) {
	c.limiter.Take()
	started := time.Now()
	defer func() { metrics.ObserveIndexRequest("addrs_txs", err, started) }()

	u := *c.base
	u.Path += "/addrs/" + strings.Join(addrs, ",") + "/txs"
	q := url.Values{}
	q.Set("from", fmt.Sprint(from))
	q.Set("to", fmt.Sprint(from+c.pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("index request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%w: %s: %s", ErrBadStatus, resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var page insightPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode index response: %w", err)
	}

	res = &pageResult{total: page.TotalItems}
	for i := range page.Items {
		tx, err := page.Items[i].transaction()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		res.txs = append(res.txs, tx)
	}
	return res, nil
}
