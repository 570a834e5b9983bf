package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	alertDomain "crypto-alert-monitor/internal/domain/alert"

	"github.com/shopspring/decimal"
)

// WebhookClient 以 JSON POST 將通知送到使用者登記的 URL。
type WebhookClient struct {
	httpClient *http.Client
}

func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{httpClient: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	AlertID     string          `json:"alert_id"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	Direction   string          `json:"direction"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Price       decimal.Decimal `json:"price"`
	Source      string          `json:"source,omitempty"`
	FiredAt     time.Time       `json:"fired_at"`
	Text        string          `json:"text"`
}

func (c *WebhookClient) Kind() alertDomain.Channel {
	return alertDomain.ChannelWebhook
}

func (c *WebhookClient) Deliver(ctx context.Context, recipient alertDomain.Recipient, msg alertDomain.Message) error {
	u, err := url.Parse(recipient.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: invalid webhook url %q", alertDomain.ErrDeliveryRejected, recipient.Address)
	}

	body, err := json.Marshal(webhookPayload{
		AlertID:     msg.AlertID,
		UserID:      msg.UserID,
		Symbol:      msg.Symbol,
		Direction:   string(msg.Direction),
		TargetPrice: msg.Target,
		Price:       msg.Price,
		Source:      msg.Source,
		FiredAt:     msg.FiredAt.UTC(),
		Text:        msg.Text,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", alertDomain.ErrDeliveryRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", alertDomain.ErrDeliveryRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", alertDomain.ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyStatus("webhook", resp.StatusCode, raw)
}
