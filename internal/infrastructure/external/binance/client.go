package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultBaseURL = "https://api.binance.com"

// Client 封裝 Binance 公開行情 REST API。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError 為非 200 回應，Code/Msg 來自 Binance 錯誤格式。
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Msg)
}

func (c *Client) call(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", c.baseURL, path)
	if len(params) > 0 {
		fullURL = fmt.Sprintf("%s?%s", fullURL, params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		return nil, apiErr
	}

	return body, nil
}

type PriceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// TickerPrices 以單一請求查詢多個交易對的最新成交價。
func (c *Client) TickerPrices(ctx context.Context, pairs []string) ([]PriceTicker, error) {
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbols", string(encoded))
	body, err := c.call(ctx, http.MethodGet, "/api/v3/ticker/price", params)
	if err != nil {
		return nil, err
	}
	var tickers []PriceTicker
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return tickers, nil
}

// DecodeError 表示回應內容無法解析。
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode binance payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
