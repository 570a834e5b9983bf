package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	alertDomain "crypto-alert-monitor/internal/domain/alert"

	"github.com/shopspring/decimal"
)

// Binance 錯誤碼：-1121 Invalid symbol、-1100 Illegal characters。
const (
	codeInvalidSymbol = -1121
	codeIllegalChars  = -1100
)

// PriceProvider 將 alert symbol（如 BTC）對應到交易對（BTCUSDT）後查價。
type PriceProvider struct {
	client     *Client
	quoteAsset string
}

func NewPriceProvider(client *Client, quoteAsset string) *PriceProvider {
	return &PriceProvider{client: client, quoteAsset: strings.ToUpper(quoteAsset)}
}

func (p *PriceProvider) Name() string {
	return "binance"
}

// Prices 實作 pricefeed.Provider。
func (p *PriceProvider) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, map[string]error, error) {
	pairToSymbol := make(map[string]string, len(symbols))
	pairs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		pair := p.pairFor(s)
		if _, dup := pairToSymbol[pair]; dup {
			continue
		}
		pairToSymbol[pair] = s
		pairs = append(pairs, pair)
	}

	tickers, err := p.client.TickerPrices(ctx, pairs)
	if err != nil {
		return nil, nil, classify(err)
	}

	prices := make(map[string]decimal.Decimal, len(tickers))
	errs := make(map[string]error)
	for _, t := range tickers {
		symbol, ok := pairToSymbol[t.Symbol]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			errs[symbol] = fmt.Errorf("%w: price %q for %s", alertDomain.ErrMalformedPayload, t.Price, t.Symbol)
			continue
		}
		prices[symbol] = price
	}
	return prices, errs, nil
}

func (p *PriceProvider) pairFor(symbol string) string {
	symbol = alertDomain.NormalizeSymbol(symbol)
	if p.quoteAsset == "" {
		return symbol
	}
	if len(symbol) > len(p.quoteAsset) && strings.HasSuffix(symbol, p.quoteAsset) {
		return symbol
	}
	return symbol + p.quoteAsset
}

func classify(err error) error {
	var apiErr *APIError
	var decodeErr *DecodeError
	switch {
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == http.StatusTeapot:
			return fmt.Errorf("%w: %w", alertDomain.ErrProviderRateLimited, err)
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", alertDomain.ErrProviderUnavailable, err)
		case apiErr.Code == codeInvalidSymbol || apiErr.Code == codeIllegalChars:
			return fmt.Errorf("%w: %w", alertDomain.ErrUnknownSymbol, err)
		default:
			return fmt.Errorf("%w: %w", alertDomain.ErrProviderUnavailable, err)
		}
	case errors.As(err, &decodeErr):
		return fmt.Errorf("%w: %w", alertDomain.ErrMalformedPayload, err)
	default:
		return fmt.Errorf("%w: %w", alertDomain.ErrProviderUnavailable, err)
	}
}
