package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"crypto-alert-monitor/internal/application/monitor"
	alertDomain "crypto-alert-monitor/internal/domain/alert"
	"crypto-alert-monitor/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errCodeBadRequest       = "BAD_REQUEST"
	errCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	errCodeNotFound         = "NOT_FOUND"
	errCodeStoreUnavailable = "STORE_UNAVAILABLE"
	errCodeInternal         = "INTERNAL_ERROR"
)

// AlertReader 提供診斷用的單筆警報查詢。
type AlertReader interface {
	GetAlert(ctx context.Context, id string) (alertDomain.Alert, error)
}

// TickReporter 提供最近一次 poll tick 的結果，供 health 判斷監控是否正常。
type TickReporter interface {
	LastTick() (monitor.TickReport, bool)
}

// Server 封裝運維用 HTTP 路由與依賴。
type Server struct {
	engine  *gin.Engine
	db      *sql.DB
	alerts  AlertReader
	ticks   TickReporter
	metrics *metrics.Monitor
	logger  *zap.Logger
	started time.Time
}

// NewServer 建立 HTTP 伺服器；db 為 nil 表示使用記憶體 store。
func NewServer(db *sql.DB, alerts AlertReader, ticks TickReporter, m *metrics.Monitor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.HandleMethodNotAllowed = true

	s := &Server{
		engine:  engine,
		db:      db,
		alerts:  alerts,
		ticks:   ticks,
		metrics: m,
		logger:  logger,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Handler 回傳路由處理器，供 HTTP server 掛載。
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.Use(gin.Recovery(), s.ginLogger())

	api := s.engine.Group("/api")
	api.GET("/ping", s.handlePing)
	api.GET("/health", s.handleHealth)
	api.GET("/alerts/:id", s.handleGetAlert)

	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, errCodeNotFound, "route not found")
	})
	s.engine.NoMethod(func(c *gin.Context) {
		writeError(c, http.StatusMethodNotAllowed, errCodeMethodNotAllowed, "method not allowed")
	})
}
