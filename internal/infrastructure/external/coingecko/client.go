package coingecko

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	alertDomain "crypto-alert-monitor/internal/domain/alert"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const (
	publicBaseURL = "https://api.coingecko.com/api/v3"
	proBaseURL    = "https://pro-api.coingecko.com/api/v3"
)

// defaultCoinIDs 常見代號對應 CoinGecko coin id。
var defaultCoinIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"BNB":   "binancecoin",
	"XRP":   "ripple",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"DOT":   "polkadot",
	"LTC":   "litecoin",
	"AVAX":  "avalanche-2",
	"LINK":  "chainlink",
	"TRX":   "tron",
	"MATIC": "matic-network",
	"USDT":  "tether",
	"USDC":  "usd-coin",
}

type Options struct {
	BaseURL    string
	APIKey     string
	Pro        bool
	VsCurrency string
	CoinIDs    map[string]string
	Timeout    time.Duration
}

// Client 透過 /simple/price 查詢報價，實作 pricefeed.Provider。
type Client struct {
	http       *resty.Client
	vsCurrency string
	coinIDs    map[string]string
}

func NewClient(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = publicBaseURL
		if opts.Pro {
			baseURL = proBaseURL
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	vs := strings.ToLower(opts.VsCurrency)
	if vs == "" {
		vs = "usd"
	}

	ids := make(map[string]string, len(defaultCoinIDs)+len(opts.CoinIDs))
	for sym, id := range defaultCoinIDs {
		ids[sym] = id
	}
	for sym, id := range opts.CoinIDs {
		ids[alertDomain.NormalizeSymbol(sym)] = id
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		header := "x-cg-demo-api-key"
		if opts.Pro {
			header = "x-cg-pro-api-key"
		}
		client.SetHeader(header, opts.APIKey)
	}

	return &Client{http: client, vsCurrency: vs, coinIDs: ids}
}

func (c *Client) Name() string {
	return "coingecko"
}

func (c *Client) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, map[string]error, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	errs := make(map[string]error)

	idToSymbols := make(map[string][]string)
	for _, s := range symbols {
		id, ok := c.coinIDs[alertDomain.NormalizeSymbol(s)]
		if !ok {
			errs[s] = fmt.Errorf("%w: no coingecko id for %s", alertDomain.ErrUnknownSymbol, s)
			continue
		}
		idToSymbols[id] = append(idToSymbols[id], s)
	}
	if len(idToSymbols) == 0 {
		return prices, errs, nil
	}

	ids := make([]string, 0, len(idToSymbols))
	for id := range idToSymbols {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out map[string]map[string]decimal.Decimal
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           strings.Join(ids, ","),
			"vs_currencies": c.vsCurrency,
		}).
		ForceContentType("application/json").
		SetResult(&out).
		Get("/simple/price")
	if err != nil {
		if resp != nil && resp.StatusCode() == http.StatusOK {
			return nil, nil, fmt.Errorf("%w: %w", alertDomain.ErrMalformedPayload, err)
		}
		return nil, nil, fmt.Errorf("%w: coingecko request: %w", alertDomain.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, nil, fmt.Errorf("%w: coingecko status %d", alertDomain.ErrProviderRateLimited, resp.StatusCode())
	case resp.StatusCode() != http.StatusOK:
		return nil, nil, fmt.Errorf("%w: coingecko status %d: %s", alertDomain.ErrProviderUnavailable, resp.StatusCode(), resp.String())
	}

	for id, syms := range idToSymbols {
		quotes, ok := out[id]
		for _, s := range syms {
			if !ok {
				errs[s] = fmt.Errorf("%w: coingecko returned no quote for %s", alertDomain.ErrUnknownSymbol, id)
				continue
			}
			price, ok := quotes[c.vsCurrency]
			if !ok {
				errs[s] = fmt.Errorf("%w: missing %s quote for %s", alertDomain.ErrMalformedPayload, c.vsCurrency, id)
				continue
			}
			prices[s] = price
		}
	}
	return prices, errs, nil
}
