package alert

import "errors"

var (
	// ErrProviderUnavailable 網路錯誤、5xx 或逾時，下一個 tick 再試。
	ErrProviderUnavailable = errors.New("price provider unavailable")
	// ErrProviderRateLimited 供應商限流，退避後恢復。
	ErrProviderRateLimited = errors.New("price provider rate limited")
	ErrUnknownSymbol       = errors.New("unknown symbol")
	ErrMalformedPayload    = errors.New("malformed provider payload")

	// ErrStoreUnavailable 儲存層不可用，中止本次 tick 的寫入。
	ErrStoreUnavailable = errors.New("alert store unavailable")
	// ErrAlreadyFired 為 compare-and-set 競爭的正常結果，不是錯誤。
	ErrAlreadyFired = errors.New("alert already fired")
	ErrNotFound     = errors.New("alert not found")

	ErrDeliveryFailed = errors.New("notification delivery failed")
	// ErrDeliveryRejected 通道永久拒絕（例如 chat 不存在），不重試。
	ErrDeliveryRejected = errors.New("notification delivery rejected")
)

// FetchErrorKind 將供應商錯誤歸類，用於 log 與 metrics 標籤。
func FetchErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	default:
		return "unavailable"
	}
}
