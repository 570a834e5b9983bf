package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction 列舉觸發方向。
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// State 列舉警報狀態；僅 StateActive 會被評估。
type State string

const (
	StateActive  State = "active"
	StateFired   State = "fired"
	StateDeleted State = "deleted"
)

// Alert 為使用者設定的價格穿越條件。
// Symbol / TargetPrice / Direction 建立後不可變，只有 State 會轉換。
type Alert struct {
	ID          string
	UserID      string
	Symbol      string
	TargetPrice decimal.Decimal
	Direction   Direction
	State       State
	Recipient   Recipient
	CreatedAt   time.Time
	FiredAt     *time.Time
	FiredPrice  *decimal.Decimal
}

// NormalizeSymbol 將 ticker 正規化為大寫。
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ParseDirection 解析方向字串（不分大小寫）。
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionAbove:
		return DirectionAbove, nil
	case DirectionBelow:
		return DirectionBelow, nil
	default:
		return "", fmt.Errorf("unsupported direction: %q", s)
	}
}

// IsActive 是否為可評估狀態。
func (a Alert) IsActive() bool {
	return a.State == StateActive
}

// Validate 基本欄位檢查。
func (a Alert) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if a.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if a.Symbol != NormalizeSymbol(a.Symbol) {
		return fmt.Errorf("symbol must be normalized: %s", a.Symbol)
	}
	if !a.TargetPrice.IsPositive() {
		return fmt.Errorf("target price must be positive")
	}
	switch a.Direction {
	case DirectionAbove, DirectionBelow:
	default:
		return fmt.Errorf("unsupported direction: %s", a.Direction)
	}
	switch a.State {
	case StateActive, StateFired, StateDeleted:
	default:
		return fmt.Errorf("unsupported state: %s", a.State)
	}
	return nil
}

// Crossed 判斷價格是否滿足觸發條件，邊界值（相等）視為穿越。
func (a Alert) Crossed(price decimal.Decimal) bool {
	switch a.Direction {
	case DirectionAbove:
		return price.GreaterThanOrEqual(a.TargetPrice)
	case DirectionBelow:
		return price.LessThanOrEqual(a.TargetPrice)
	default:
		return false
	}
}
