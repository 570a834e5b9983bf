package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	alertApp "crypto-alert-monitor/internal/application/alert"
	"crypto-alert-monitor/internal/application/notify"
	alertDomain "crypto-alert-monitor/internal/domain/alert"
	"crypto-alert-monitor/internal/infrastructure/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrTickInProgress 表示上一個 tick 尚未結束。
var ErrTickInProgress = errors.New("tick already in progress")

// AlertStore 為 scheduler 需要的 store 操作。
type AlertStore interface {
	ListActiveSymbols(ctx context.Context) ([]string, error)
	ListActiveBySymbols(ctx context.Context, symbols []string) (map[string][]alertDomain.Alert, error)
	MarkFired(ctx context.Context, id string, decision alertDomain.FiringDecision) error
}

type PriceSource interface {
	Fetch(ctx context.Context, symbols []string) alertDomain.FetchResult
}

type Dispatcher interface {
	Dispatch(ctx context.Context, a alertDomain.Alert, decision alertDomain.FiringDecision) notify.Outcome
}

type Options struct {
	Interval            time.Duration
	TickTimeout         time.Duration
	MaxInFlight         int
	ReadRetryMaxElapsed time.Duration
}

// TickReport 彙整單次 tick 的結果。
type TickReport struct {
	StartedAt     time.Time
	Duration      time.Duration
	Result        string
	Symbols       int
	Fetched       int
	FetchFailures int
	Decisions     int
	Fired         int
	AlreadyFired  int
	NotFound      int
	Skipped       int
	Delivered     int
	DeadLettered  int
	Undelivered   int
	Aborted       bool
}

// Scheduler 週期性執行 查價 -> 評估 -> 轉換狀態 -> 通知。
type Scheduler struct {
	store      AlertStore
	source     PriceSource
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
	metrics    *metrics.Monitor
	now        func() time.Time

	running  atomic.Bool
	inflight sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	lastMu  sync.Mutex
	last    TickReport
	hasLast bool
}

func NewScheduler(store AlertStore, source PriceSource, dispatcher Dispatcher, opts Options, logger *zap.Logger, m *metrics.Monitor) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = opts.Interval * 3 / 4
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.ReadRetryMaxElapsed <= 0 {
		opts.ReadRetryMaxElapsed = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:      store,
		source:     source,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Run 立即執行一次，之後每個 interval 執行一次，直到 ctx 取消。
// 取消後不再啟動新 tick，並等待執行中的 tick 結束才返回。
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.opts.Interval),
		zap.Duration("tick_timeout", s.opts.TickTimeout),
	)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	// 執行中的 tick 不受 stop 影響，只受 tick timeout 限制。
	tickParent := context.WithoutCancel(ctx)
	if ctx.Err() == nil {
		s.launch(tickParent)
	}
	for {
		select {
		case <-ticker.C:
			// ticker 與取消同時就緒時 select 隨機選擇，停止後不再啟動新 tick。
			if ctx.Err() != nil {
				continue
			}
			s.launch(tickParent)
		case <-ctx.Done():
			s.inflight.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		}
	}
}

// Start 在背景啟動 Run。
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(ctx)
	}(s.done)
}

// Stop 停止迴圈並等待執行中的 tick。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) launch(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.TickFinished(metrics.TickSkipped, 0)
		s.logger.Warn("previous tick still running, skipping")
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.running.Store(false)
		_, _ = s.execute(ctx)
	}()
}

// RunOnce 同步執行一次 tick；若已有 tick 執行中回傳 ErrTickInProgress。
func (s *Scheduler) RunOnce(ctx context.Context) (TickReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.TickFinished(metrics.TickSkipped, 0)
		return TickReport{Result: metrics.TickSkipped}, ErrTickInProgress
	}
	defer s.running.Store(false)
	return s.execute(ctx)
}

// LastTick 回傳最近一次執行完成的 tick；被略過的 tick 不計入。
func (s *Scheduler) LastTick() (TickReport, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last, s.hasLast
}

type candidate struct {
	alert    alertDomain.Alert
	decision alertDomain.FiringDecision
}

func (s *Scheduler) execute(ctx context.Context) (report TickReport, err error) {
	report.StartedAt = s.now()
	defer func() {
		report.Duration = s.now().Sub(report.StartedAt)
		s.metrics.TickFinished(report.Result, report.Duration)
		s.logTick(report, err)
		s.lastMu.Lock()
		s.last, s.hasLast = report, true
		s.lastMu.Unlock()
	}()

	tickCtx, cancel := context.WithTimeout(ctx, s.opts.TickTimeout)
	defer cancel()

	var symbols []string
	err = s.readWithRetry(tickCtx, "list active symbols", func() error {
		var e error
		symbols, e = s.store.ListActiveSymbols(tickCtx)
		return e
	})
	if err != nil {
		report.Result, report.Aborted = metrics.TickAborted, true
		return report, err
	}
	report.Symbols = len(symbols)
	if len(symbols) == 0 {
		report.Result = metrics.TickEmpty
		return report, nil
	}

	fetched := s.source.Fetch(tickCtx, symbols)
	report.Fetched = len(fetched.Snapshots)
	report.FetchFailures = len(fetched.Errors)
	if len(fetched.Errors) > 0 {
		s.logFetchErrors(fetched.Errors)
	}
	if len(fetched.Snapshots) == 0 {
		report.Result = metrics.TickProviderDown
		return report, nil
	}

	priced := make([]string, 0, len(fetched.Snapshots))
	for sym := range fetched.Snapshots {
		priced = append(priced, sym)
	}
	sort.Strings(priced)

	var grouped map[string][]alertDomain.Alert
	err = s.readWithRetry(tickCtx, "list active alerts", func() error {
		var e error
		grouped, e = s.store.ListActiveBySymbols(tickCtx, priced)
		return e
	})
	if err != nil {
		report.Result, report.Aborted = metrics.TickAborted, true
		return report, err
	}

	var work []candidate
	for _, sym := range priced {
		alerts := grouped[sym]
		if len(alerts) == 0 {
			continue
		}
		byID := make(map[string]alertDomain.Alert, len(alerts))
		for _, a := range alerts {
			byID[a.ID] = a
		}
		for _, d := range alertApp.Evaluate(fetched.Snapshots[sym], alerts) {
			work = append(work, candidate{alert: byID[d.AlertID], decision: d})
		}
	}
	report.Decisions = len(work)
	s.metrics.Decisions(len(work))

	if err = s.fire(tickCtx, work, &report); err != nil {
		report.Result, report.Aborted = metrics.TickAborted, true
		return report, err
	}
	report.Result = metrics.TickCompleted
	return report, nil
}

// fire 對每個 decision 先做 compare-and-set，成功者才通知。
// store 寫入失敗時放棄本 tick 尚未開始的寫入。
func (s *Scheduler) fire(ctx context.Context, work []candidate, report *TickReport) error {
	var (
		mu       sync.Mutex
		aborted  atomic.Bool
		storeErr error
	)
	g := new(errgroup.Group)
	g.SetLimit(s.opts.MaxInFlight)

	for _, c := range work {
		c := c
		g.Go(func() error {
			if aborted.Load() {
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}

			log := s.logger.With(zap.String("alert_id", c.alert.ID), zap.String("symbol", c.alert.Symbol))
			err := s.store.MarkFired(ctx, c.alert.ID, c.decision)
			switch {
			case err == nil:
				s.metrics.MarkFired("fired")
			case errors.Is(err, alertDomain.ErrAlreadyFired):
				s.metrics.MarkFired("already_fired")
				log.Debug("alert already fired by a concurrent tick")
				mu.Lock()
				report.AlreadyFired++
				mu.Unlock()
				return nil
			case errors.Is(err, alertDomain.ErrNotFound):
				s.metrics.MarkFired("not_found")
				log.Info("alert removed before firing")
				mu.Lock()
				report.NotFound++
				mu.Unlock()
				return nil
			default:
				s.metrics.MarkFired("store_error")
				log.Error("mark fired failed, aborting remaining writes", zap.Error(err))
				aborted.Store(true)
				mu.Lock()
				if storeErr == nil {
					storeErr = err
				}
				report.Skipped++
				mu.Unlock()
				return nil
			}

			log.Info("alert fired",
				zap.String("price", c.decision.Snapshot.Price.String()),
				zap.String("target", c.alert.TargetPrice.String()),
				zap.String("direction", string(c.alert.Direction)),
			)
			// 狀態已轉換，通知不可被 tick timeout 或 stop 中斷。
			outcome := s.dispatcher.Dispatch(context.WithoutCancel(ctx), c.alert, c.decision)

			mu.Lock()
			defer mu.Unlock()
			report.Fired++
			switch {
			case outcome.Status == alertDomain.DeliveryDelivered:
				report.Delivered++
			case outcome.DeadLettered:
				report.DeadLettered++
			default:
				report.Undelivered++
			}
			return nil
		})
	}
	_ = g.Wait()

	if storeErr != nil {
		if !errors.Is(storeErr, alertDomain.ErrStoreUnavailable) {
			storeErr = fmt.Errorf("%w: %w", alertDomain.ErrStoreUnavailable, storeErr)
		}
		return storeErr
	}
	return nil
}

// readWithRetry 僅對 ErrStoreUnavailable 重試，總時間受 ReadRetryMaxElapsed 與 ctx 限制。
func (s *Scheduler) readWithRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReadRetryMaxElapsed / 8
	b.MaxElapsedTime = s.opts.ReadRetryMaxElapsed

	var last error
	err := backoff.RetryNotify(func() error {
		last = fn()
		if last != nil && !errors.Is(last, alertDomain.ErrStoreUnavailable) {
			return backoff.Permanent(last)
		}
		return last
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		s.logger.Warn("store read failed, retrying", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	})
	if err == nil {
		return nil
	}
	if last != nil {
		err = last
	}
	if !errors.Is(err, alertDomain.ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %s: %w", alertDomain.ErrStoreUnavailable, op, err)
	}
	return err
}

func (s *Scheduler) logFetchErrors(errs map[string]error) {
	symbols := make([]string, 0, len(errs))
	for sym := range errs {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var merr *multierror.Error
	for _, sym := range symbols {
		merr = multierror.Append(merr, fmt.Errorf("%s: %w", sym, errs[sym]))
	}
	s.logger.Warn("price fetch failures",
		zap.Int("count", len(symbols)),
		zap.Strings("symbols", symbols),
		zap.Error(merr.ErrorOrNil()),
	)
}

func (s *Scheduler) logTick(r TickReport, err error) {
	fields := []zap.Field{
		zap.String("result", r.Result),
		zap.Duration("duration", r.Duration),
		zap.Int("symbols", r.Symbols),
		zap.Int("fetched", r.Fetched),
		zap.Int("fetch_failures", r.FetchFailures),
		zap.Int("decisions", r.Decisions),
		zap.Int("fired", r.Fired),
		zap.Int("already_fired", r.AlreadyFired),
		zap.Int("delivered", r.Delivered),
		zap.Int("dead_lettered", r.DeadLettered),
	}
	switch r.Result {
	case metrics.TickAborted:
		s.logger.Error("tick aborted", append(fields, zap.Int("skipped", r.Skipped), zap.Error(err))...)
	case metrics.TickProviderDown:
		s.logger.Error("tick: all price fetches failed", fields...)
	default:
		s.logger.Info("tick finished", fields...)
	}
}
