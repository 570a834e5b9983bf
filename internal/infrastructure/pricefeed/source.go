package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	alertDomain "crypto-alert-monitor/internal/domain/alert"
	"crypto-alert-monitor/internal/infrastructure/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Provider 為單一行情來源；一次呼叫查詢一批 symbol。
// 整批失敗回傳 error，個別 symbol 失敗放在第二個回傳值。
type Provider interface {
	Name() string
	Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, map[string]error, error)
}

type Options struct {
	RatePerSecond  float64
	Burst          int
	BatchSize      int
	CacheTTL       time.Duration
	FetchTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxInFlight    int
}

// Source 在 Provider 之上加入快取、批次、限流與退避重試。
type Source struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
	cache    *cache.Cache
	logger   *zap.Logger
	metrics  *metrics.Monitor
	now      func() time.Time
}

func NewSource(provider Provider, opts Options, logger *zap.Logger, m *metrics.Monitor) *Source {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	s := &Source{
		provider: provider,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		logger:   logger.With(zap.String("provider", provider.Name())),
		metrics:  m,
		now:      time.Now,
	}
	if opts.CacheTTL > 0 {
		s.cache = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return s
}

func (s *Source) Name() string {
	return s.provider.Name()
}

// Fetch 取得 symbols 的最新報價，部分失敗不影響其餘 symbol。
func (s *Source) Fetch(ctx context.Context, symbols []string) alertDomain.FetchResult {
	res := alertDomain.FetchResult{
		Snapshots: make(map[string]alertDomain.PriceSnapshot),
		Errors:    make(map[string]error),
	}

	var misses []string
	seen := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		sym := alertDomain.NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}

		if snap, ok := s.cached(sym); ok {
			res.Snapshots[sym] = snap
			s.metrics.CacheLookup(true)
			continue
		}
		s.metrics.CacheLookup(false)
		misses = append(misses, sym)
	}
	if len(misses) == 0 {
		return res
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.opts.MaxInFlight)
	for start := 0; start < len(misses); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[start:end]
		g.Go(func() error {
			snaps, errs := s.fetchBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			for sym, snap := range snaps {
				res.Snapshots[sym] = snap
			}
			for sym, err := range errs {
				res.Errors[sym] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	for sym, err := range res.Errors {
		s.metrics.FetchError(alertDomain.FetchErrorKind(err))
		s.logger.Debug("price fetch failed", zap.String("symbol", sym), zap.Error(err))
	}
	return res
}

func (s *Source) cached(sym string) (alertDomain.PriceSnapshot, bool) {
	if s.cache == nil {
		return alertDomain.PriceSnapshot{}, false
	}
	v, ok := s.cache.Get(sym)
	if !ok {
		return alertDomain.PriceSnapshot{}, false
	}
	snap, ok := v.(alertDomain.PriceSnapshot)
	return snap, ok
}

func (s *Source) fetchBatch(ctx context.Context, batch []string) (map[string]alertDomain.PriceSnapshot, map[string]error) {
	snaps := make(map[string]alertDomain.PriceSnapshot, len(batch))
	errs := make(map[string]error)

	prices, symErrs, err := s.call(ctx, batch)
	if err != nil {
		// 一個無效代號會讓整批失敗，拆成單筆重查。
		if errors.Is(err, alertDomain.ErrUnknownSymbol) && len(batch) > 1 {
			s.logger.Info("batch rejected for unknown symbol, splitting", zap.Int("size", len(batch)))
			for _, sym := range batch {
				one, oneErrs := s.fetchBatch(ctx, []string{sym})
				for k, v := range one {
					snaps[k] = v
				}
				for k, v := range oneErrs {
					errs[k] = v
				}
			}
			return snaps, errs
		}
		for _, sym := range batch {
			errs[sym] = err
		}
		return snaps, errs
	}

	observed := s.now().UTC()
	for _, sym := range batch {
		if e, ok := symErrs[sym]; ok {
			errs[sym] = e
			continue
		}
		price, ok := prices[sym]
		if !ok {
			errs[sym] = fmt.Errorf("%w: %s not returned by %s", alertDomain.ErrUnknownSymbol, sym, s.provider.Name())
			continue
		}
		if !price.IsPositive() {
			errs[sym] = fmt.Errorf("%w: non-positive price %s for %s", alertDomain.ErrMalformedPayload, price, sym)
			continue
		}
		snap := alertDomain.PriceSnapshot{
			Symbol:     sym,
			Price:      price,
			ObservedAt: observed,
			Source:     s.provider.Name(),
		}
		snaps[sym] = snap
		if s.cache != nil {
			s.cache.Set(sym, snap, cache.DefaultExpiration)
		}
	}
	return snaps, errs
}

// call 送出一次 provider 請求；只有被限流時才退避重試。
func (s *Source) call(ctx context.Context, batch []string) (map[string]decimal.Decimal, map[string]error, error) {
	var (
		prices  map[string]decimal.Decimal
		symErrs map[string]error
		lastErr error
	)

	op := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			lastErr = fmt.Errorf("%w: local budget: %w", alertDomain.ErrProviderRateLimited, err)
			return backoff.Permanent(lastErr)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		defer cancel()

		p, e, err := s.provider.Prices(callCtx, batch)
		if err != nil {
			if !isClassified(err) {
				err = fmt.Errorf("%w: %w", alertDomain.ErrProviderUnavailable, err)
			}
			lastErr = err
			if errors.Is(err, alertDomain.ErrProviderRateLimited) {
				return err
			}
			return backoff.Permanent(err)
		}
		prices, symErrs, lastErr = p, e, nil
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax
	b.MaxElapsedTime = 4 * s.opts.BackoffMax

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("provider rate limited, backing off", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if lastErr != nil {
			return nil, nil, lastErr
		}
		return nil, nil, fmt.Errorf("%w: %w", alertDomain.ErrProviderUnavailable, err)
	}
	return prices, symErrs, nil
}

func isClassified(err error) bool {
	return alertDomain.FetchErrorKind(err) != "unavailable" ||
		errors.Is(err, alertDomain.ErrProviderUnavailable)
}
