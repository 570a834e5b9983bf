package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	alertDomain "crypto-alert-monitor/internal/domain/alert"
	"crypto-alert-monitor/internal/infrastructure/metrics"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeChannel struct {
	kind alertDomain.Channel
	// errs 依序回傳，用完後成功。
	errs []error

	mu       sync.Mutex
	calls    int
	messages []alertDomain.Message
}

func (f *fakeChannel) Kind() alertDomain.Channel { return f.kind }

func (f *fakeChannel) Deliver(ctx context.Context, recipient alertDomain.Recipient, msg alertDomain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls
	f.calls++
	if n < len(f.errs) && f.errs[n] != nil {
		return f.errs[n]
	}
	f.messages = append(f.messages, msg)
	return nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	err  error
	dead []alertDomain.DeadLetter
}

func (f *fakeRecorder) RecordDeadLetter(ctx context.Context, dl alertDomain.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dead = append(f.dead, dl)
	return nil
}

func testDispatchOptions() Options {
	return Options{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		AttemptTimeout:    time.Second,
		DeadLetterTimeout: time.Second,
	}
}

func firedAlert() (alertDomain.Alert, alertDomain.FiringDecision) {
	observed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	a := alertDomain.Alert{
		ID:          "a1",
		UserID:      "u1",
		Symbol:      "BTC",
		TargetPrice: decimal.RequireFromString("45000"),
		Direction:   alertDomain.DirectionAbove,
		State:       alertDomain.StateActive,
		Recipient:   alertDomain.Recipient{Channel: alertDomain.ChannelTelegram, Address: "1001"},
	}
	d := alertDomain.FiringDecision{
		AlertID: "a1",
		Snapshot: alertDomain.PriceSnapshot{
			Symbol: "BTC", Price: decimal.RequireFromString("45000.5"), ObservedAt: observed, Source: "binance",
		},
		DecidedAt: observed,
	}
	return a, d
}

func transient(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = fmt.Errorf("%w: status 502", alertDomain.ErrDeliveryFailed)
	}
	return errs
}

func TestDispatcher_DeliversFirstTry(t *testing.T) {
	ch := &fakeChannel{kind: alertDomain.ChannelTelegram}
	rec := &fakeRecorder{}
	d := NewDispatcher([]Channel{ch}, rec, testDispatchOptions(), zaptest.NewLogger(t), metrics.New())
	a, decision := firedAlert()

	out := d.Dispatch(context.Background(), a, decision)

	assert.Equal(t, alertDomain.DeliveryDelivered, out.Status)
	assert.Equal(t, 1, out.Attempts)
	require.Len(t, ch.messages, 1)
	assert.Equal(t, "a1", ch.messages[0].AlertID)
	assert.Empty(t, rec.dead)
}

func TestDispatcher_RetriesTransient(t *testing.T) {
	ch := &fakeChannel{kind: alertDomain.ChannelTelegram, errs: transient(2)}
	rec := &fakeRecorder{}
	d := NewDispatcher([]Channel{ch}, rec, testDispatchOptions(), zaptest.NewLogger(t), nil)
	a, decision := firedAlert()

	out := d.Dispatch(context.Background(), a, decision)

	assert.Equal(t, alertDomain.DeliveryDelivered, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, ch.messages, 1)
}

func TestDispatcher_DeadLettersAfterExhaustion(t *testing.T) {
	ch := &fakeChannel{kind: alertDomain.ChannelTelegram, errs: transient(10)}
	rec := &fakeRecorder{}
	d := NewDispatcher([]Channel{ch}, rec, testDispatchOptions(), zaptest.NewLogger(t), nil)
	a, decision := firedAlert()

	out := d.Dispatch(context.Background(), a, decision)

	assert.Equal(t, alertDomain.DeliveryFailed, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, out.DeadLettered)
	assert.Equal(t, 3, ch.calls)
	require.Len(t, rec.dead, 1)
	dl := rec.dead[0]
	assert.Equal(t, "a1", dl.AlertID)
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, "1001", dl.Address)
	assert.True(t, dl.Price.Equal(decision.Snapshot.Price))
	assert.Contains(t, dl.Reason, "status 502")
}

func TestDispatcher_RejectedIsNotRetried(t *testing.T) {
	ch := &fakeChannel{kind: alertDomain.ChannelTelegram, errs: []error{
		fmt.Errorf("%w: chat not found", alertDomain.ErrDeliveryRejected),
	}}
	rec := &fakeRecorder{}
	d := NewDispatcher([]Channel{ch}, rec, testDispatchOptions(), zaptest.NewLogger(t), nil)
	a, decision := firedAlert()

	out := d.Dispatch(context.Background(), a, decision)

	assert.Equal(t, alertDomain.DeliveryFailed, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, ch.calls)
	assert.Len(t, rec.dead, 1)
}

func TestDispatcher_UnknownChannel(t *testing.T) {
	rec := &fakeRecorder{}
	d := NewDispatcher(nil, rec, testDispatchOptions(), zaptest.NewLogger(t), nil)
	a, decision := firedAlert()
	a.Recipient.Channel = alertDomain.ChannelWebhook

	out := d.Dispatch(context.Background(), a, decision)

	assert.Equal(t, alertDomain.DeliveryFailed, out.Status)
	assert.Equal(t, 0, out.Attempts)
	require.Len(t, rec.dead, 1)
	assert.True(t, strings.Contains(rec.dead[0].Reason, "no channel configured"))
}

func TestDispatcher_DeadLetterFailureIsLogged(t *testing.T) {
	ch := &fakeChannel{kind: alertDomain.ChannelTelegram, errs: transient(10)}
	rec := &fakeRecorder{err: errors.New("db down")}
	d := NewDispatcher([]Channel{ch}, rec, testDispatchOptions(), zaptest.NewLogger(t), nil)
	a, decision := firedAlert()

	out := d.Dispatch(context.Background(), a, decision)

	assert.Equal(t, alertDomain.DeliveryFailed, out.Status)
	assert.False(t, out.DeadLettered)
}

func TestDispatcher_RoutesByChannel(t *testing.T) {
	tg := &fakeChannel{kind: alertDomain.ChannelTelegram}
	hook := &fakeChannel{kind: alertDomain.ChannelWebhook}
	d := NewDispatcher([]Channel{tg, hook}, &fakeRecorder{}, testDispatchOptions(), zaptest.NewLogger(t), nil)
	a, decision := firedAlert()
	a.Recipient = alertDomain.Recipient{Channel: alertDomain.ChannelWebhook, Address: "http://hook"}

	d.Dispatch(context.Background(), a, decision)

	assert.Equal(t, 0, tg.calls)
	assert.Equal(t, 1, hook.calls)
}

func TestBuildMessage(t *testing.T) {
	a, decision := firedAlert()

	msg := BuildMessage(a, decision)

	assert.Equal(t, "BTC", msg.Symbol)
	assert.True(t, msg.Price.Equal(decimal.RequireFromString("45000.5")))
	assert.Equal(t, decision.DecidedAt, msg.FiredAt)
	assert.Equal(t,
		"Symbol: BTC\nCondition: at or above 45000\nCurrent price: 45000.5 (binance)\nObserved at: 2026-03-01T09:30:00Z",
		msg.Text)

	a.Direction = alertDomain.DirectionBelow
	assert.Contains(t, BuildMessage(a, decision).Text, "Condition: at or below 45000")
}

func TestBuildMessage_SubCentPrice(t *testing.T) {
	a, decision := firedAlert()
	a.Symbol = "PEPE"
	a.TargetPrice = decimal.RequireFromString("0.0000012")
	decision.Snapshot.Symbol = "PEPE"
	decision.Snapshot.Price = decimal.RequireFromString("0.00000123")

	text := BuildMessage(a, decision).Text

	assert.Contains(t, text, "Condition: at or above 0.0000012")
	assert.Contains(t, text, "Current price: 0.00000123 (binance)")
	assert.NotContains(t, text, "0.00 ")
}
