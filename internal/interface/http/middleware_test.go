package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGinLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	server := NewServer(nil, nil, nil, nil, zap.New(core))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/ping?verbose=1", nil)
	server.Handler().ServeHTTP(w, req)

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 request log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["path"] != "/api/ping?verbose=1" {
		t.Errorf("unexpected path: %v", fields["path"])
	}
	if fields["status"] != int64(http.StatusOK) {
		t.Errorf("unexpected status: %v", fields["status"])
	}
}
