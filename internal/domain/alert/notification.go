package alert

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel 支援的通知通道。
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelWebhook  Channel = "webhook"
)

// Recipient 為警報擁有者登記的通知對象。
type Recipient struct {
	Channel Channel
	// Address 依通道不同：telegram 為 chat id，webhook 為 URL。
	Address string
}

// Message 為送往通道的通知內容。
type Message struct {
	AlertID   string
	UserID    string
	Symbol    string
	Direction Direction
	Target    decimal.Decimal
	Price     decimal.Decimal
	Source    string
	FiredAt   time.Time
	Text      string
}

// DeliveryStatus 投遞結果。
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeadLetter 紀錄重試耗盡、永久未送達的通知。
type DeadLetter struct {
	AlertID    string
	UserID     string
	Channel    Channel
	Address    string
	Reason     string
	Attempts   int
	Price      decimal.Decimal
	ObservedAt time.Time
	DecidedAt  time.Time
	RecordedAt time.Time
}
