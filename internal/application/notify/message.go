package notify

import (
	"fmt"
	"strings"
	"time"

	alertDomain "crypto-alert-monitor/internal/domain/alert"
)

// BuildMessage 組出通知內容：symbol、條件、現價與觀測時間。
func BuildMessage(a alertDomain.Alert, decision alertDomain.FiringDecision) alertDomain.Message {
	snap := decision.Snapshot
	msg := alertDomain.Message{
		AlertID:   a.ID,
		UserID:    a.UserID,
		Symbol:    a.Symbol,
		Direction: a.Direction,
		Target:    a.TargetPrice,
		Price:     snap.Price,
		Source:    snap.Source,
		FiredAt:   decision.DecidedAt,
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", a.Symbol)
	fmt.Fprintf(&b, "Condition: %s %s\n", conditionText(a.Direction), a.TargetPrice.String())
	fmt.Fprintf(&b, "Current price: %s", snap.Price.String())
	if snap.Source != "" {
		fmt.Fprintf(&b, " (%s)", snap.Source)
	}
	fmt.Fprintf(&b, "\nObserved at: %s", snap.ObservedAt.UTC().Format(time.RFC3339))
	msg.Text = b.String()
	return msg
}

func conditionText(d alertDomain.Direction) string {
	switch d {
	case alertDomain.DirectionAbove:
		return "at or above"
	case alertDomain.DirectionBelow:
		return "at or below"
	default:
		return string(d)
	}
}
