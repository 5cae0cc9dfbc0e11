package diag

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStatus() Status {
	return Status{HeartbeatAlive: true, OrchestratorAlive: true, UptimeSeconds: 120, RestartCount: 1, DiskPercent: 42}
}

func TestHealthzReturnsOK(t *testing.T) {
	s := New("127.0.0.1:0", testStatus, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStatusReturnsJSONSnapshot(t *testing.T) {
	s := New("127.0.0.1:0", testStatus, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var got Status
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.HeartbeatAlive || got.DiskPercent != 42 {
		t.Errorf("unexpected status body: %+v", got)
	}
}
