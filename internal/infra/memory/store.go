package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	alertDomain "crypto-alert-monitor/internal/domain/alert"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store 為未設定 DB 時使用的記憶體 alert store，併發安全。
type Store struct {
	mu          sync.RWMutex
	users       map[string]alertDomain.Recipient // userID -> recipient
	alerts      map[string]alertDomain.Alert
	deadLetters []alertDomain.DeadLetter
	now         func() time.Time
}

// NewStore 建立新的記憶體 Store 實例。
func NewStore() *Store {
	return &Store{
		users:  make(map[string]alertDomain.Recipient),
		alerts: make(map[string]alertDomain.Alert),
		now:    time.Now,
	}
}

// AddUser 登記（或更新）使用者的通知對象。
func (s *Store) AddUser(userID string, recipient alertDomain.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = recipient
}

// AddAlert 建立 active 警報，回傳含 ID 的 Alert。
func (s *Store) AddAlert(userID, symbol string, target decimal.Decimal, direction alertDomain.Direction) (alertDomain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recipient, ok := s.users[userID]
	if !ok {
		return alertDomain.Alert{}, fmt.Errorf("user %s not registered", userID)
	}
	a := alertDomain.Alert{
		ID:          uuid.NewString(),
		UserID:      userID,
		Symbol:      alertDomain.NormalizeSymbol(symbol),
		TargetPrice: target,
		Direction:   direction,
		State:       alertDomain.StateActive,
		CreatedAt:   s.now().UTC(),
	}
	if err := a.Validate(); err != nil {
		return alertDomain.Alert{}, err
	}
	s.alerts[a.ID] = a
	a.Recipient = recipient
	return a, nil
}

// SoftDelete 將警報標記為 deleted，之後不再被評估。
func (s *Store) SoftDelete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.State == alertDomain.StateDeleted {
		return alertDomain.ErrNotFound
	}
	a.State = alertDomain.StateDeleted
	s.alerts[id] = a
	return nil
}

func (s *Store) ListActiveSymbols(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", alertDomain.ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	for _, a := range s.alerts {
		if a.IsActive() {
			set[a.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

// ListActiveBySymbols 依 symbol 分組回傳 active 警報，組內依 created_at、id 排序。
func (s *Store) ListActiveBySymbols(ctx context.Context, symbols []string) (map[string][]alertDomain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", alertDomain.ErrStoreUnavailable, err)
	}
	want := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		want[alertDomain.NormalizeSymbol(sym)] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]alertDomain.Alert)
	for _, a := range s.alerts {
		if !a.IsActive() {
			continue
		}
		if _, ok := want[a.Symbol]; !ok {
			continue
		}
		a.Recipient = s.users[a.UserID]
		out[a.Symbol] = append(out[a.Symbol], a)
	}
	for sym := range out {
		list := out[sym]
		sort.Slice(list, func(i, j int) bool {
			if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].CreatedAt.Before(list[j].CreatedAt)
			}
			return list[i].ID < list[j].ID
		})
	}
	return out, nil
}

// MarkFired 以 compare-and-set 將 active 轉為 fired。
func (s *Store) MarkFired(ctx context.Context, id string, decision alertDomain.FiringDecision) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", alertDomain.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok || a.State == alertDomain.StateDeleted {
		return alertDomain.ErrNotFound
	}
	if a.State != alertDomain.StateActive {
		return alertDomain.ErrAlreadyFired
	}
	firedAt := decision.DecidedAt
	price := decision.Snapshot.Price
	a.State = alertDomain.StateFired
	a.FiredAt = &firedAt
	a.FiredPrice = &price
	s.alerts[id] = a
	return nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (alertDomain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return alertDomain.Alert{}, fmt.Errorf("%w: %w", alertDomain.ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return alertDomain.Alert{}, alertDomain.ErrNotFound
	}
	a.Recipient = s.users[a.UserID]
	return a, nil
}

func (s *Store) RecordDeadLetter(ctx context.Context, dl alertDomain.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", alertDomain.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl.RecordedAt.IsZero() {
		dl.RecordedAt = s.now().UTC()
	}
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

// DeadLetters 回傳目前的 dead letter 紀錄副本。
func (s *Store) DeadLetters() []alertDomain.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]alertDomain.DeadLetter, len(s.deadLetters))
	copy(out, s.deadLetters)
	return out
}
