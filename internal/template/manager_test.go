package template

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roundnews/monerowebcoordinator/internal/daemon"
)

// fakeDaemon answers get_block_template and get_info with a controllable
// height, and can be told to fail every request to exercise the manager's
// transient-error path.
type fakeDaemon struct {
	srv    *httptest.Server
	height atomic.Uint64
	fail   atomic.Bool
}

func newFakeDaemon() *fakeDaemon {
	f := &fakeDaemon{}
	f.height.Store(500)

	mux := http.NewServeMux()
	mux.HandleFunc("/json_rpc", f.handle)
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeDaemon) handle(w http.ResponseWriter, r *http.Request) {
	if f.fail.Load() {
		http.Error(w, "daemon busy", http.StatusInternalServerError)
		return
	}

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
			"difficulty":         250000,
			"height":             f.height.Load(),
			"prev_hash":          "ab",
			"reserved_offset":    40,
			"seed_hash":          "seed0",
			"status":             "OK",
		}
	case "get_info":
		result = map[string]any{
			"height":         f.height.Load(),
			"top_block_hash": "ab",
			"status":         "OK",
		}
	}

	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func newTestManager(f *fakeDaemon) *Manager {
	cfg := daemon.DefaultClientConfig(f.srv.URL)
	cfg.RetryAttempts = 0
	cfg.RetryDelay = time.Millisecond
	// Leave breaker behavior to the daemon package's own tests; here a run of
	// deliberate failures must not wedge the manager behind an open circuit.
	cfg.CBEnabled = false
	client := daemon.NewClientWithConfig(cfg)

	return New(client, Config{
		WalletAddress:   "wallet",
		ReserveSize:     8,
		RefreshInterval: 10 * time.Millisecond,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestRunPublishesInitialTemplate(t *testing.T) {
	f := newFakeDaemon()
	defer f.srv.Close()

	m := newTestManager(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return m.Current() != nil })

	state := m.Current()
	if state.TemplateID != 1 {
		t.Errorf("first template id = %d, want 1", state.TemplateID)
	}
	if state.Height != 500 {
		t.Errorf("height = %d, want 500", state.Height)
	}
	if state.ReserveSize != 8 {
		t.Errorf("reserve size = %d, want 8", state.ReserveSize)
	}
	if m.TemplatesReceived() != 1 {
		t.Errorf("templates received = %d, want 1", m.TemplatesReceived())
	}
}

func TestRunRepublishesOnHeightChange(t *testing.T) {
	f := newFakeDaemon()
	defer f.srv.Close()

	m := newTestManager(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return m.Current() != nil })

	changed := m.Changed()
	f.height.Add(1)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("changed channel never closed after height advance")
	}

	state := m.Current()
	if state.TemplateID != 2 {
		t.Errorf("template id after rotation = %d, want 2", state.TemplateID)
	}
	if state.Height != 501 {
		t.Errorf("height after rotation = %d, want 501", state.Height)
	}
}

func TestRunSurvivesDaemonFailure(t *testing.T) {
	f := newFakeDaemon()
	defer f.srv.Close()
	f.fail.Store(true)

	m := newTestManager(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// Initial fetch fails; nothing published, loop keeps ticking.
	time.Sleep(50 * time.Millisecond)
	if m.Current() != nil {
		t.Fatal("no template should be published while the daemon is failing")
	}

	// Daemon recovers; the next height observation differs from the zero
	// lastHeight and triggers a publish.
	f.fail.Store(false)
	waitFor(t, 2*time.Second, func() bool { return m.Current() != nil })
}

func TestChangedChannelIsReplacedPerPublish(t *testing.T) {
	f := newFakeDaemon()
	defer f.srv.Close()

	m := newTestManager(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return m.Current() != nil })

	first := m.Changed()
	f.height.Add(1)
	<-first

	second := m.Changed()
	select {
	case <-second:
		t.Fatal("fresh Changed() channel should block until the next publish")
	default:
	}
}
