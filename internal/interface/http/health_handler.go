package httpapi

import (
	"context"
	"net/http"
	"time"

	"crypto-alert-monitor/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
)

const healthPingTimeout = 2 * time.Second

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "pong",
		"timestamp": time.Now().Unix(),
		"status":    "alive",
	})
}

// handleHealth 回報 store 連線與最近一次 tick；任一異常時回 503。
func (s *Server) handleHealth(c *gin.Context) {
	healthy := true

	store := "using_memory"
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()
		store = "ok"
		if err := s.db.PingContext(ctx); err != nil {
			store = "error: " + err.Error()
			healthy = false
		}
	}

	var lastTick gin.H
	if s.ticks != nil {
		if r, ok := s.ticks.LastTick(); ok {
			lastTick = gin.H{
				"result":         r.Result,
				"started_at":     r.StartedAt.UTC().Format(time.RFC3339),
				"age":            time.Since(r.StartedAt).Truncate(time.Second).String(),
				"duration":       r.Duration.String(),
				"symbols":        r.Symbols,
				"fetch_failures": r.FetchFailures,
				"fired":          r.Fired,
				"dead_lettered":  r.DeadLettered,
			}
			if r.Result == metrics.TickAborted || r.Result == metrics.TickProviderDown {
				healthy = false
			}
		}
	}

	status, health := http.StatusOK, "ok"
	if !healthy {
		status, health = http.StatusServiceUnavailable, "degraded"
	}
	c.JSON(status, gin.H{
		"success":   healthy,
		"health":    health,
		"db":        store,
		"last_tick": lastTick,
		"uptime":    time.Since(s.started).Truncate(time.Second).String(),
		"time":      time.Now().Format(time.RFC3339),
	})
}
