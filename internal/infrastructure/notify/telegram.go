package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	alertDomain "crypto-alert-monitor/internal/domain/alert"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramClient 提供 sendMessage / getMe 的簡單封裝，chat id 由收件人決定。
type TelegramClient struct {
	token      string
	prefix     string
	baseURL    string
	httpClient *http.Client

	verifyAttempts int
	verifyInitial  time.Duration
	verifyMax      time.Duration
}

// NewTelegramClient 建立 client；baseURL 為空時使用官方 Bot API。
func NewTelegramClient(token, prefix, baseURL string) *TelegramClient {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramClient{
		token:   token,
		prefix:  prefix,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		verifyAttempts: 3,
		verifyInitial:  5 * time.Second,
		verifyMax:      30 * time.Second,
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		Username string `json:"username"`
	} `json:"result"`
}

func (c *TelegramClient) Kind() alertDomain.Channel {
	return alertDomain.ChannelTelegram
}

// Deliver 將通知以 MarkdownV2 送到 recipient 的 chat。
func (c *TelegramClient) Deliver(ctx context.Context, recipient alertDomain.Recipient, msg alertDomain.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient.Address), 10, 64)
	if err != nil || chatID == 0 {
		return fmt.Errorf("%w: invalid telegram chat id %q", alertDomain.ErrDeliveryRejected, recipient.Address)
	}
	return c.SendMessage(ctx, chatID, c.formatText(msg))
}

func (c *TelegramClient) formatText(msg alertDomain.Message) string {
	var b strings.Builder
	if c.prefix != "" {
		b.WriteString(tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, "["+c.prefix+"] "))
	}
	b.WriteString("🚨 *Price Alert*\n")
	b.WriteString(tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, msg.Text))
	return b.String()
}

// SendMessage 將已跳脫的 MarkdownV2 文字推送到指定 chat。
func (c *TelegramClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	if c == nil {
		return fmt.Errorf("%w: telegram client is nil", alertDomain.ErrDeliveryRejected)
	}
	if c.token == "" {
		return fmt.Errorf("%w: telegram token missing", alertDomain.ErrDeliveryRejected)
	}

	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": tgbotapi.ModeMarkdownV2,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", alertDomain.ErrDeliveryRejected, c.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

// VerifyBot 以 getMe 確認 token 可用，失敗時指數退避重試。
func (c *TelegramClient) VerifyBot(ctx context.Context) (string, error) {
	var username string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("getMe"), nil)
		if err != nil {
			return backoff.Permanent(c.redact(err))
		}
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		username = resp.Result.Username
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.verifyInitial
	b.MaxInterval = c.verifyMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.verifyAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", fmt.Errorf("verify telegram bot: %w", err)
	}
	return username, nil
}

func (c *TelegramClient) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

func (c *TelegramClient) do(req *http.Request) (telegramResponse, error) {
	var out telegramResponse
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: %w", alertDomain.ErrDeliveryFailed, c.redact(err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	if err := classifyStatus("telegram", resp.StatusCode, raw); err != nil {
		return out, err
	}
	if !out.OK {
		return out, fmt.Errorf("%w: telegram response not ok: %s", alertDomain.ErrDeliveryRejected, out.Description)
	}
	return out, nil
}

// redact 避免 bot token 出現在錯誤訊息中；endpoint URL 內含 token。
func (c *TelegramClient) redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = fmt.Errorf("%s telegram api: %w", uerr.Op, uerr.Err)
	}
	if c.token != "" && strings.Contains(err.Error(), c.token) {
		return errors.New(strings.ReplaceAll(err.Error(), c.token, "<redacted>"))
	}
	return err
}

// classifyStatus 將 HTTP 狀態對應到可重試或永久失敗。
func classifyStatus(name string, status int, body []byte) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s send failed status=%d body=%s", alertDomain.ErrDeliveryFailed, name, status, string(body))
	default:
		return fmt.Errorf("%w: %s send failed status=%d body=%s", alertDomain.ErrDeliveryRejected, name, status, string(body))
	}
}
