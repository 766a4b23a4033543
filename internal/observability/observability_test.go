package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRouter(t *testing.T) {
	t.Parallel()

	RecordDecision("known_bad", "delete")
	srv := NewServer(":0", StatsFunc(func() any { return map[string]int{"tracked": 2} }))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{path: "/healthz", wantCode: http.StatusOK, contains: "OK"},
		{path: "/metrics", wantCode: http.StatusOK, contains: "doorman_decisions_total"},
		{path: "/stats", wantCode: http.StatusOK, contains: `"tracked":2`},
		{path: "/missing", wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != tt.wantCode {
			t.Fatalf("GET %s: status %d, want %d", tt.path, resp.StatusCode, tt.wantCode)
		}
		if tt.contains != "" && !strings.Contains(string(body), tt.contains) {
			t.Fatalf("GET %s: body lacks %q", tt.path, tt.contains)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := NewServer("127.0.0.1:0", nil)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without stats provider, got %d", resp.StatusCode)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestDecisionLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := NewDecisionLog(dir)
	if err != nil {
		t.Fatalf("new decision log: %v", err)
	}
	confidence := 1.0
	l.Record(DecisionEntry{ChatID: -100, UserID: 1, MessageID: 5, Stage: "known_bad", Action: "delete", Violation: "known_bad", Confidence: &confidence})
	_ = l.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "decisions.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line); err != nil {
		t.Fatalf("decode log line %q: %v", data, err)
	}
	if line["stage"] != "known_bad" || line["confidence"] != 1.0 || line["user_id"] != 1.0 {
		t.Fatalf("unexpected log line %v", line)
	}

	var nilLog *DecisionLog
	nilLog.Record(DecisionEntry{})
	NopDecisionLog().Record(DecisionEntry{})
}
