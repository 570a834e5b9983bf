package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	alertDomain "crypto-alert-monitor/internal/domain/alert"
)

func testMessage() alertDomain.Message {
	return alertDomain.Message{
		AlertID: "a1",
		Symbol:  "BTC",
		Text:    "Symbol: BTC\nCurrent price: 45000.50 (binance)",
	}
}

func TestTelegramClient_SendMessage(t *testing.T) {
	t.Run("nil_client", func(t *testing.T) {
		var c *TelegramClient
		err := c.SendMessage(context.Background(), 1, "msg")
		if !errors.Is(err, alertDomain.ErrDeliveryRejected) {
			t.Errorf("expected rejected error, got %v", err)
		}
	})

	t.Run("missing_token", func(t *testing.T) {
		c := NewTelegramClient("", "", "")
		err := c.SendMessage(context.Background(), 1, "msg")
		if !errors.Is(err, alertDomain.ErrDeliveryRejected) {
			t.Errorf("expected rejected error, got %v", err)
		}
	})
}

func TestTelegramClient_Deliver(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var got map[string]interface{}
		var path string
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			_ = json.NewDecoder(r.Body).Decode(&got)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer ts.Close()

		c := NewTelegramClient("tok", "PROD", "")
		c.baseURL = ts.URL
		err := c.Deliver(context.Background(), alertDomain.Recipient{Channel: alertDomain.ChannelTelegram, Address: "12345"}, testMessage())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if path != "/bottok/sendMessage" {
			t.Errorf("unexpected path: %s", path)
		}
		if got["chat_id"] != float64(12345) {
			t.Errorf("unexpected chat_id: %v", got["chat_id"])
		}
		if got["parse_mode"] != "MarkdownV2" {
			t.Errorf("unexpected parse_mode: %v", got["parse_mode"])
		}
		text, _ := got["text"].(string)
		if !strings.HasPrefix(text, `\[PROD\] 🚨 *Price Alert*`) {
			t.Errorf("unexpected header: %q", text)
		}
		if !strings.Contains(text, `45000\.50 \(binance\)`) {
			t.Errorf("body not escaped: %q", text)
		}
	})

	t.Run("invalid_chat_id", func(t *testing.T) {
		c := NewTelegramClient("tok", "", "")
		for _, addr := range []string{"", "abc", "0"} {
			err := c.Deliver(context.Background(), alertDomain.Recipient{Address: addr}, testMessage())
			if !errors.Is(err, alertDomain.ErrDeliveryRejected) {
				t.Errorf("address %q: expected rejected, got %v", addr, err)
			}
		}
	})

	statusCases := []struct {
		name   string
		status int
		want   error
	}{
		{"rate_limited", http.StatusTooManyRequests, alertDomain.ErrDeliveryFailed},
		{"server_error", http.StatusBadGateway, alertDomain.ErrDeliveryFailed},
		{"chat_not_found", http.StatusBadRequest, alertDomain.ErrDeliveryRejected},
		{"blocked", http.StatusForbidden, alertDomain.ErrDeliveryRejected},
	}
	for _, tc := range statusCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"ok":false,"description":"nope"}`))
			}))
			defer ts.Close()

			c := NewTelegramClient("tok", "", "")
			c.baseURL = ts.URL
			err := c.Deliver(context.Background(), alertDomain.Recipient{Address: "1"}, testMessage())
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	t.Run("network_error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := ts.URL
		ts.Close()

		c := NewTelegramClient("tok", "", "")
		c.baseURL = url
		err := c.Deliver(context.Background(), alertDomain.Recipient{Address: "1"}, testMessage())
		if !errors.Is(err, alertDomain.ErrDeliveryFailed) {
			t.Errorf("expected transient failure, got %v", err)
		}
	})
}

func TestTelegramClient_VerifyBot(t *testing.T) {
	t.Run("retries_then_succeeds", func(t *testing.T) {
		var calls int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":{"username":"price_bot"}}`))
		}))
		defer ts.Close()

		c := NewTelegramClient("tok", "", "")
		c.baseURL = ts.URL
		c.verifyInitial = time.Millisecond
		c.verifyMax = 2 * time.Millisecond

		name, err := c.VerifyBot(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if name != "price_bot" || atomic.LoadInt32(&calls) != 3 {
			t.Errorf("unexpected result name=%s calls=%d", name, calls)
		}
	})

	t.Run("gives_up", func(t *testing.T) {
		var calls int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer ts.Close()

		c := NewTelegramClient("bad", "", "")
		c.baseURL = ts.URL
		c.verifyInitial = time.Millisecond
		c.verifyMax = time.Millisecond

		if _, err := c.VerifyBot(context.Background()); err == nil {
			t.Error("expected error")
		}
		if atomic.LoadInt32(&calls) != 3 {
			t.Errorf("expected 3 attempts, got %d", calls)
		}
	})
}

func TestTelegramClient_ErrorsOmitToken(t *testing.T) {
	const token = "123456:SECRET-BOT-TOKEN"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := ts.URL
	ts.Close()

	c := NewTelegramClient(token, "", closedURL)
	c.verifyInitial = time.Millisecond
	c.verifyMax = time.Millisecond

	err := c.Deliver(context.Background(), alertDomain.Recipient{Address: "1"}, testMessage())
	if !errors.Is(err, alertDomain.ErrDeliveryFailed) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if strings.Contains(err.Error(), "SECRET-BOT-TOKEN") {
		t.Errorf("delivery error leaks token: %v", err)
	}

	_, err = c.VerifyBot(context.Background())
	if err == nil {
		t.Fatal("expected verify error")
	}
	if strings.Contains(err.Error(), "SECRET-BOT-TOKEN") {
		t.Errorf("verify error leaks token: %v", err)
	}

	bad := NewTelegramClient(token, "", "http://[::1")
	err = bad.Deliver(context.Background(), alertDomain.Recipient{Address: "1"}, testMessage())
	if err == nil || strings.Contains(err.Error(), "SECRET-BOT-TOKEN") {
		t.Errorf("expected redacted request error, got %v", err)
	}
}
