// Package catalog implements C4, a read-only client for the venue's
// REST catalog/symbol-discovery endpoint: per-symbol metadata and a 24h
// notional ranking. All calls pass through a rate bucket (C1) and a
// circuit breaker (C2).
package catalog

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/sawpanic/marketfeed/internal/breaker"
	"github.com/sawpanic/marketfeed/internal/model"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

// ErrCatalog is returned when the venue responds with a non-success code.
var ErrCatalog = errors.New("catalog: venue returned non-success response")

// Credentials is the venue credential triple; a zero value means
// requests are sent unsigned (public tier).
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

func (c Credentials) privileged() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

// Client is C4's contract.
type Client interface {
	ListSpotSymbols(ctx context.Context) ([]model.SymbolMeta, error)
	ListFuturesSymbols(ctx context.Context, productType string) ([]model.SymbolMeta, error)
	TopByVolume(ctx context.Context, market model.Market, limit int) ([]model.SymbolMeta, error)
	Ping(ctx context.Context) error
}

// HTTPClient is the production implementation.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	bucket  *ratelimit.Bucket
	circuit *breaker.Breaker
	creds   Credentials
}

// New builds a catalog client sharing the named bucket/breaker with the
// rest of the ingestion pipeline's REST calls.
func New(baseURL string, bucket *ratelimit.Bucket, circuit *breaker.Breaker, creds Credentials) *HTTPClient {
	timeout := 30 * time.Second
	if creds.privileged() {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		bucket:  bucket,
		circuit: circuit,
		creds:   creds,
	}
}

type venueEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type venueSymbol struct {
	Symbol      string  `json:"symbol"`
	BaseCoin    string  `json:"baseCoin"`
	QuoteCoin   string  `json:"quoteCoin"`
	Status      string  `json:"status"`
	MinTradeNum string  `json:"minTradeNum"`
	MaxTradeNum string  `json:"maxTradeNum"`
	SizeTick    string  `json:"sizeTick"`
	PriceTick   string  `json:"priceTick"`
	Notional24h string  `json:"quoteVolume"`
}

// ListSpotSymbols returns online spot symbols.
func (c *HTTPClient) ListSpotSymbols(ctx context.Context) ([]model.SymbolMeta, error) {
	raw, err := c.get(ctx, "/api/spot/v1/public/products")
	if err != nil {
		return nil, err
	}
	metas, err := parseSymbols(raw, model.MarketSpot)
	if err != nil {
		return nil, err
	}
	return filterStatus(metas, "online"), nil
}

// ListFuturesSymbols returns normal-status futures symbols for a product type.
func (c *HTTPClient) ListFuturesSymbols(ctx context.Context, productType string) ([]model.SymbolMeta, error) {
	raw, err := c.get(ctx, "/api/mix/v1/market/contracts?productType="+productType)
	if err != nil {
		return nil, err
	}
	market := marketForProductType(productType)
	metas, err := parseSymbols(raw, market)
	if err != nil {
		return nil, err
	}
	return filterStatus(metas, "normal"), nil
}

// TopByVolume ranks by descending 24h notional, tie-broken lexicographically.
func (c *HTTPClient) TopByVolume(ctx context.Context, market model.Market, limit int) ([]model.SymbolMeta, error) {
	var metas []model.SymbolMeta
	var err error
	switch market {
	case model.MarketSpot:
		metas, err = c.ListSpotSymbols(ctx)
	case model.MarketUSDTM:
		metas, err = c.ListFuturesSymbols(ctx, "umcbl")
	case model.MarketCoinM:
		metas, err = c.ListFuturesSymbols(ctx, "dmcbl")
	case model.MarketUSDCM:
		metas, err = c.ListFuturesSymbols(ctx, "cmcbl")
	default:
		return nil, fmt.Errorf("catalog: unsupported market %q", market)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Notional24h != metas[j].Notional24h {
			return metas[i].Notional24h > metas[j].Notional24h
		}
		return metas[i].Symbol < metas[j].Symbol
	})
	if limit > 0 && limit < len(metas) {
		metas = metas[:limit]
	}
	return metas, nil
}

// Ping hits a public, unauthenticated catalog endpoint for C8's
// liveness probe, through the same rate bucket and circuit breaker as
// every other catalog call rather than bypassing them.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.get(ctx, "/api/spot/v1/public/time")
	return err
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	c.bucket.Acquire(ctx)

	result, err := c.circuit.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		if c.creds.privileged() {
			c.sign(req, path)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.bucket.ReportError("network", err.Error())
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.bucket.ReportError("network", err.Error())
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			c.bucket.ReportError("throttle", "429 too many requests")
			return nil, fmt.Errorf("%w: http 429", ErrCatalog)
		}
		if resp.StatusCode >= 500 {
			c.bucket.ReportError("server", resp.Status)
			return nil, fmt.Errorf("%w: http %d", ErrCatalog, resp.StatusCode)
		}

		var env venueEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			c.bucket.ReportError("decode", err.Error())
			return nil, fmt.Errorf("catalog: decode envelope: %w", err)
		}
		if env.Code != "" && env.Code != "00000" {
			c.bucket.ReportError("venue", env.Msg)
			return nil, fmt.Errorf("%w: code=%s msg=%s", ErrCatalog, env.Code, env.Msg)
		}

		c.bucket.ReportSuccess()
		if len(env.Data) > 0 {
			return []byte(env.Data), nil
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// sign applies the venue's HMAC-SHA256 request signature (privileged tier
// only); the exact header layout is venue convention, kept minimal here
// since the catalog oracle is an external collaborator per spec §1.
func (c *HTTPClient) sign(req *http.Request, path string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	prehash := ts + req.Method + path
	mac := hmac.New(sha256.New, []byte(c.creds.SecretKey))
	mac.Write([]byte(prehash))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", c.creds.APIKey)
	req.Header.Set("ACCESS-SIGN", sig)
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-PASSPHRASE", c.creds.Passphrase)
}

func parseSymbols(raw []byte, market model.Market) ([]model.SymbolMeta, error) {
	var list []venueSymbol
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("catalog: decode symbols: %w", err)
	}

	metas := make([]model.SymbolMeta, 0, len(list))
	for _, v := range list {
		metas = append(metas, model.SymbolMeta{
			Symbol:      v.Symbol,
			Market:      market,
			Base:        v.BaseCoin,
			Quote:       v.QuoteCoin,
			Status:      model.SymbolStatus(v.Status),
			MinSize:     parseFloat(v.MinTradeNum),
			MaxSize:     parseFloat(v.MaxTradeNum),
			SizeTick:    parseFloat(v.SizeTick),
			PriceTick:   parseFloat(v.PriceTick),
			Notional24h: parseFloat(v.Notional24h),
		})
	}
	return metas, nil
}

func filterStatus(metas []model.SymbolMeta, statuses ...string) []model.SymbolMeta {
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]model.SymbolMeta, 0, len(metas))
	for _, m := range metas {
		if want[string(m.Status)] {
			out = append(out, m)
		}
	}
	return out
}

func marketForProductType(productType string) model.Market {
	switch productType {
	case "umcbl", "UMCBL":
		return model.MarketUSDTM
	case "dmcbl", "DMCBL":
		return model.MarketCoinM
	case "cmcbl", "CMCBL":
		return model.MarketUSDCM
	default:
		return model.MarketUSDTM
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
