package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	alertDomain "crypto-alert-monitor/internal/domain/alert"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// AlertRepo 提供價格警報的讀取與狀態轉換。
type AlertRepo struct {
	db *sql.DB
}

// NewAlertRepo 建立 AlertRepo。
func NewAlertRepo(db *sql.DB) *AlertRepo {
	return &AlertRepo{db: db}
}

const alertColumns = `
a.id, a.user_id, a.symbol, a.target_price, a.direction, a.state, a.created_at, a.fired_at, a.fired_price,
u.notify_channel,
CASE WHEN u.notify_channel = 'webhook' THEN COALESCE(u.webhook_url, '')
     ELSE COALESCE(u.telegram_chat_id::text, '') END AS address`

// ListActiveSymbols 回傳至少有一筆 active 警報的 symbol。
func (r *AlertRepo) ListActiveSymbols(ctx context.Context) ([]string, error) {
	const q = `
SELECT DISTINCT symbol
FROM price_alerts
WHERE state = 'active'
ORDER BY symbol;
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, unavailable("list active symbols", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, unavailable("scan symbol", err)
		}
		out = append(out, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list active symbols", err)
	}
	return out, nil
}

// ListActiveBySymbols 依 symbol 分組回傳 active 警報（含通知對象），依 created_at、id 排序。
func (r *AlertRepo) ListActiveBySymbols(ctx context.Context, symbols []string) (map[string][]alertDomain.Alert, error) {
	out := make(map[string][]alertDomain.Alert)
	if len(symbols) == 0 {
		return out, nil
	}
	q := `
SELECT` + alertColumns + `
FROM price_alerts a
JOIN users u ON u.id = a.user_id
WHERE a.state = 'active' AND a.symbol = ANY($1)
ORDER BY a.symbol, a.created_at, a.id;
`
	rows, err := r.db.QueryContext(ctx, q, pq.Array(symbols))
	if err != nil {
		return nil, unavailable("list active alerts", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, unavailable("scan alert", err)
		}
		out[a.Symbol] = append(out[a.Symbol], a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list active alerts", err)
	}
	return out, nil
}

// GetAlert 依 ID 查詢單筆警報（任何狀態）。
func (r *AlertRepo) GetAlert(ctx context.Context, id string) (alertDomain.Alert, error) {
	if _, err := uuid.Parse(id); err != nil {
		return alertDomain.Alert{}, alertDomain.ErrNotFound
	}
	q := `
SELECT` + alertColumns + `
FROM price_alerts a
JOIN users u ON u.id = a.user_id
WHERE a.id = $1;
`
	a, err := scanAlert(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return alertDomain.Alert{}, alertDomain.ErrNotFound
	}
	if err != nil {
		return alertDomain.Alert{}, unavailable("get alert", err)
	}
	return a, nil
}

// MarkFired 以條件式 UPDATE 完成 active -> fired 的 compare-and-set。
func (r *AlertRepo) MarkFired(ctx context.Context, id string, decision alertDomain.FiringDecision) error {
	if _, err := uuid.Parse(id); err != nil {
		return alertDomain.ErrNotFound
	}
	const q = `
UPDATE price_alerts
SET state = 'fired', fired_at = $2, fired_price = $3
WHERE id = $1 AND state = 'active';
`
	res, err := r.db.ExecContext(ctx, q, id, decision.DecidedAt, decision.Snapshot.Price)
	if err != nil {
		return unavailable("mark fired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("mark fired", err)
	}
	if n == 1 {
		return nil
	}

	// 沒有更新到資料：區分不存在、已觸發、已刪除。
	var state string
	err = r.db.QueryRowContext(ctx, `SELECT state FROM price_alerts WHERE id = $1;`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return alertDomain.ErrNotFound
	}
	if err != nil {
		return unavailable("mark fired lookup", err)
	}
	switch alertDomain.State(state) {
	case alertDomain.StateFired:
		return alertDomain.ErrAlreadyFired
	case alertDomain.StateDeleted:
		return alertDomain.ErrNotFound
	default:
		return fmt.Errorf("%w: alert %s still %s after update", alertDomain.ErrStoreUnavailable, id, state)
	}
}

// RecordDeadLetter 寫入無法送達的通知。
func (r *AlertRepo) RecordDeadLetter(ctx context.Context, dl alertDomain.DeadLetter) error {
	const q = `
INSERT INTO alert_dead_letters (alert_id, user_id, channel, address, reason, attempts, price, observed_at, decided_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	_, err := r.db.ExecContext(ctx, q,
		dl.AlertID,
		dl.UserID,
		string(dl.Channel),
		dl.Address,
		dl.Reason,
		dl.Attempts,
		dl.Price,
		dl.ObservedAt,
		dl.DecidedAt,
	)
	if err != nil {
		return unavailable("record dead letter", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (alertDomain.Alert, error) {
	var (
		a          alertDomain.Alert
		direction  string
		state      string
		firedAt    sql.NullTime
		firedPrice decimal.NullDecimal
		channel    string
	)
	if err := row.Scan(
		&a.ID, &a.UserID, &a.Symbol, &a.TargetPrice, &direction, &state, &a.CreatedAt,
		&firedAt, &firedPrice, &channel, &a.Recipient.Address,
	); err != nil {
		return alertDomain.Alert{}, err
	}
	a.Direction = alertDomain.Direction(direction)
	a.State = alertDomain.State(state)
	a.Recipient.Channel = alertDomain.Channel(channel)
	if firedAt.Valid {
		t := firedAt.Time
		a.FiredAt = &t
	}
	if firedPrice.Valid {
		p := firedPrice.Decimal
		a.FiredPrice = &p
	}
	return a, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", alertDomain.ErrStoreUnavailable, op, err)
}
