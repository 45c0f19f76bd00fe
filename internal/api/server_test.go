package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/roundnews/monerowebcoordinator/internal/daemon"
	"github.com/roundnews/monerowebcoordinator/internal/metrics"
	"github.com/roundnews/monerowebcoordinator/internal/session"
	"github.com/roundnews/monerowebcoordinator/internal/template"
)

func newRPCStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/json_rpc", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     string `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		blob := hex.EncodeToString(make([]byte, 100))
		var result any
		switch req.Method {
		case "get_block_template":
			result = map[string]any{
				"blockhashing_blob":  blob,
				"blocktemplate_blob": blob,
				"difficulty":         1000,
				"height":             777,
				"prev_hash":          "ab",
				"reserved_offset":    40,
				"seed_hash":          "seed0",
				"status":             "OK",
			}
		case "get_info":
			result = map[string]any{"height": 777, "top_block_hash": "ab", "status": "OK"}
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	})
	return httptest.NewServer(mux)
}

func newAPIServer(t *testing.T, rpcURL string) (*Server, *template.Manager, *session.Registry) {
	t.Helper()
	client := daemon.NewClient(rpcURL)
	tmplMgr := template.New(client, template.Config{
		WalletAddress:   "wallet",
		ReserveSize:     8,
		RefreshInterval: 10 * time.Millisecond,
	})
	sessions := session.NewRegistry(10, 10, 20, 30)
	m := metrics.New(fmt.Sprintf("apitest%d", time.Now().UnixNano()))

	return NewServer(sessions, tmplMgr, m, DefaultConfig()), tmplMgr, sessions
}

func TestReadyzGatesOnTemplate(t *testing.T) {
	rpc := newRPCStub(t)
	defer rpc.Close()

	srv, tmplMgr, _ := newAPIServer(t, rpc.URL)
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz before any template = %d, want 503", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tmplMgr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && tmplMgr.Current() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if tmplMgr.Current() == nil {
		t.Fatal("template never published")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/readyz after template = %d, want 200", rec.Code)
	}
}

func TestHealthReflectsCheckOutcomes(t *testing.T) {
	rpc := newRPCStub(t)
	defer rpc.Close()

	srv, _, _ := newAPIServer(t, rpc.URL)
	srv.RegisterCheck("always_ok", func(ctx context.Context) error { return nil })
	srv.runChecks(context.Background())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/health with passing checks = %d, want 200", rec.Code)
	}

	srv.RegisterCheck("broken", func(ctx context.Context) error { return errors.New("down") })
	srv.runChecks(context.Background())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/health with a failing check = %d, want 503", rec.Code)
	}

	var resp struct {
		Status     string `json:"status"`
		Components map[string]struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.Status != string(StatusUnhealthy) {
		t.Errorf("overall status = %q, want unhealthy", resp.Status)
	}
	if resp.Components["broken"].Message != "down" {
		t.Errorf("broken component message = %q, want down", resp.Components["broken"].Message)
	}
}

func TestStatsReportsActiveSessions(t *testing.T) {
	rpc := newRPCStub(t)
	defer rpc.Close()

	srv, _, sessions := newAPIServer(t, rpc.URL)
	sessions.Create("s1", "1.1.1.1")
	sessions.Create("s2", "2.2.2.2")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/stats = %d, want 200", rec.Code)
	}

	var resp struct {
		ActiveSessions int `json:"active_sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resp.ActiveSessions != 2 {
		t.Errorf("active_sessions = %d, want 2", resp.ActiveSessions)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	rpc := newRPCStub(t)
	defer rpc.Close()

	srv, _, _ := newAPIServer(t, rpc.URL)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connections_total") {
		t.Error("metrics exposition should include the connections_total counter")
	}
}
