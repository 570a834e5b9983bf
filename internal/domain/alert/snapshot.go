package alert

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSnapshot 為單一 symbol 在某時點的報價，只存在於一次評估中。
type PriceSnapshot struct {
	Symbol     string
	Price      decimal.Decimal
	ObservedAt time.Time
	Source     string
}

// FiringDecision 由評估引擎產生，交給 store 轉換狀態與 dispatcher 投遞。
type FiringDecision struct {
	AlertID   string
	Snapshot  PriceSnapshot
	DecidedAt time.Time
}

// FetchResult 為一次查價的結果，每個請求的 symbol 必定出現在其中一個 map。
type FetchResult struct {
	Snapshots map[string]PriceSnapshot
	Errors    map[string]error
}
