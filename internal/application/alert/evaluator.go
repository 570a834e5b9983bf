package alert

import (
	alertDomain "crypto-alert-monitor/internal/domain/alert"
)

// Evaluate 依報價判斷哪些候選警報應觸發。
//
// 純函式：不做 I/O、不讀時鐘，輸出順序與 candidates 相同，不去重也不重排。
// 非 active 或 symbol 不符的候選會被略過。
func Evaluate(snapshot alertDomain.PriceSnapshot, candidates []alertDomain.Alert) []alertDomain.FiringDecision {
	var decisions []alertDomain.FiringDecision
	for _, a := range candidates {
		if !a.IsActive() || a.Symbol != snapshot.Symbol {
			continue
		}
		if !a.Crossed(snapshot.Price) {
			continue
		}
		decisions = append(decisions, alertDomain.FiringDecision{
			AlertID:   a.ID,
			Snapshot:  snapshot,
			DecidedAt: snapshot.ObservedAt,
		})
	}
	return decisions
}
