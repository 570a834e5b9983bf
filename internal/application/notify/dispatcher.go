package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	alertDomain "crypto-alert-monitor/internal/domain/alert"
	"crypto-alert-monitor/internal/infrastructure/metrics"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Dispatch 結果標籤。
const (
	ResultDelivered    = "delivered"
	ResultDeadLettered = "dead_lettered"
	ResultLost         = "lost"
)

// Channel 為單一通知通道。
// 可重試的失敗應包裝 ErrDeliveryFailed，永久失敗包裝 ErrDeliveryRejected。
type Channel interface {
	Kind() alertDomain.Channel
	Deliver(ctx context.Context, recipient alertDomain.Recipient, msg alertDomain.Message) error
}

// DeadLetterRecorder 保存最終未送達的通知。
type DeadLetterRecorder interface {
	RecordDeadLetter(ctx context.Context, dl alertDomain.DeadLetter) error
}

type Options struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	AttemptTimeout    time.Duration
	DeadLetterTimeout time.Duration
}

// Outcome 為單一 FiringDecision 的投遞結果。
type Outcome struct {
	Status       alertDomain.DeliveryStatus
	Attempts     int
	Reason       string
	DeadLettered bool
}

// Dispatcher 依 recipient 的通道投遞通知，重試耗盡後寫入 dead letter。
// 每個 decision 最多送出一次成功通知，不會在之後補送。
type Dispatcher struct {
	channels map[alertDomain.Channel]Channel
	recorder DeadLetterRecorder
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Monitor
	now      func() time.Time
}

func NewDispatcher(channels []Channel, recorder DeadLetterRecorder, opts Options, logger *zap.Logger, m *metrics.Monitor) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.DeadLetterTimeout <= 0 {
		opts.DeadLetterTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	byKind := make(map[alertDomain.Channel]Channel, len(channels))
	for _, ch := range channels {
		byKind[ch.Kind()] = ch
	}
	return &Dispatcher{
		channels: byKind,
		recorder: recorder,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Dispatch 投遞一則已觸發警報的通知。
func (d *Dispatcher) Dispatch(ctx context.Context, a alertDomain.Alert, decision alertDomain.FiringDecision) Outcome {
	log := d.logger.With(
		zap.String("alert_id", a.ID),
		zap.String("symbol", a.Symbol),
		zap.String("channel", string(a.Recipient.Channel)),
	)
	msg := BuildMessage(a, decision)

	attempts, err := d.deliver(ctx, a.Recipient, msg, log)
	if err == nil {
		d.metrics.Dispatched(ResultDelivered)
		log.Info("notification delivered", zap.Int("attempts", attempts))
		return Outcome{Status: alertDomain.DeliveryDelivered, Attempts: attempts}
	}

	out := Outcome{Status: alertDomain.DeliveryFailed, Attempts: attempts, Reason: err.Error()}
	dl := alertDomain.DeadLetter{
		AlertID:    a.ID,
		UserID:     a.UserID,
		Channel:    a.Recipient.Channel,
		Address:    a.Recipient.Address,
		Reason:     err.Error(),
		Attempts:   attempts,
		Price:      decision.Snapshot.Price,
		ObservedAt: decision.Snapshot.ObservedAt,
		DecidedAt:  decision.DecidedAt,
		RecordedAt: d.now().UTC(),
	}
	if recErr := d.recordDeadLetter(ctx, dl); recErr != nil {
		d.metrics.Dispatched(ResultLost)
		log.Error("notification lost: dead letter not recorded",
			zap.Int("attempts", attempts),
			zap.NamedError("delivery_error", err),
			zap.Error(recErr),
		)
		return out
	}
	out.DeadLettered = true
	d.metrics.Dispatched(ResultDeadLettered)
	log.Warn("notification dead-lettered", zap.Int("attempts", attempts), zap.Error(err))
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, recipient alertDomain.Recipient, msg alertDomain.Message, log *zap.Logger) (int, error) {
	ch, ok := d.channels[recipient.Channel]
	if !ok {
		return 0, fmt.Errorf("%w: no channel configured for %q", alertDomain.ErrDeliveryRejected, recipient.Channel)
	}

	attempts := 0
	op := func() error {
		attempts++
		d.metrics.DeliveryAttempt(string(ch.Kind()))

		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		defer cancel()
		err := ch.Deliver(attemptCtx, recipient, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, alertDomain.ErrDeliveryRejected) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		log.Warn("delivery attempt failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return attempts, err
	}
	return attempts, nil
}

func (d *Dispatcher) recordDeadLetter(ctx context.Context, dl alertDomain.DeadLetter) error {
	if d.recorder == nil {
		return errors.New("no dead letter recorder")
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.DeadLetterTimeout)
	defer cancel()
	return d.recorder.RecordDeadLetter(recCtx, dl)
}
