package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	alertDomain "crypto-alert-monitor/internal/domain/alert"

	"github.com/gin-gonic/gin"
)

type alertView struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Symbol      string     `json:"symbol"`
	TargetPrice string     `json:"target_price"`
	Direction   string     `json:"direction"`
	State       string     `json:"state"`
	Channel     string     `json:"channel"`
	CreatedAt   time.Time  `json:"created_at"`
	FiredAt     *time.Time `json:"fired_at,omitempty"`
	FiredPrice  *string    `json:"fired_price,omitempty"`
}

func toAlertView(a alertDomain.Alert) alertView {
	v := alertView{
		ID:          a.ID,
		UserID:      a.UserID,
		Symbol:      a.Symbol,
		TargetPrice: a.TargetPrice.String(),
		Direction:   string(a.Direction),
		State:       string(a.State),
		Channel:     string(a.Recipient.Channel),
		CreatedAt:   a.CreatedAt,
		FiredAt:     a.FiredAt,
	}
	if a.FiredPrice != nil {
		p := a.FiredPrice.String()
		v.FiredPrice = &p
	}
	return v
}

func (s *Server) handleGetAlert(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		writeError(c, http.StatusBadRequest, errCodeBadRequest, "id is required")
		return
	}
	if s.alerts == nil {
		writeError(c, http.StatusInternalServerError, errCodeInternal, "alert store not configured")
		return
	}

	a, err := s.alerts.GetAlert(c.Request.Context(), id)
	switch {
	case errors.Is(err, alertDomain.ErrNotFound):
		writeError(c, http.StatusNotFound, errCodeNotFound, "alert not found")
		return
	case errors.Is(err, alertDomain.ErrStoreUnavailable):
		writeError(c, http.StatusServiceUnavailable, errCodeStoreUnavailable, err.Error())
		return
	case err != nil:
		writeError(c, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"alert":   toAlertView(a),
	})
}
