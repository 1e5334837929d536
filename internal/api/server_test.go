package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/process-runner/internal/history"
	"github.com/nerrad567/process-runner/internal/infrastructure/config"
	"github.com/nerrad567/process-runner/internal/infrastructure/database"
	"github.com/nerrad567/process-runner/internal/infrastructure/logging"
	"github.com/nerrad567/process-runner/internal/process"
	"github.com/nerrad567/process-runner/migrations"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
}

func testDeps(registry *process.Registry) Deps {
	return Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     64,
		},
		Logger:   testLogger(),
		Registry: registry,
		Version:  "test",
	}
}

// testServer creates a Server over registry. The server is closed at test end.
func testServer(t *testing.T, registry *process.Registry, mutate ...func(*Deps)) *Server {
	t.Helper()
	deps := testDeps(registry)
	for _, fn := range mutate {
		fn(&deps)
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// newCatEngine supervises /bin/cat, which echoes every line it is sent.
func newCatEngine(t *testing.T, name string) *process.Engine {
	t.Helper()
	return newEngine(t, process.Spec{Name: name, Executable: "/bin/cat", GracefulTimeout: time.Second})
}

func newEngine(t *testing.T, spec process.Spec) *process.Engine {
	t.Helper()
	e, err := process.NewEngine(spec, process.StaticRestartConfig(process.RestartConfig{}), process.Options{})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func registryWith(t *testing.T, engines map[string]*process.Engine) *process.Registry {
	t.Helper()
	r := process.NewRegistry()
	for id, e := range engines {
		if !r.Add(id, e) {
			t.Fatalf("Add(%q) = false", id)
		}
	}
	return r
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

type failingCheck struct{ err error }

func (f failingCheck) HealthCheck(context.Context) error { return f.err }

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Registry: process.NewRegistry()}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without registry should fail")
	}
}

func TestHealth(t *testing.T) {
	srv := testServer(t, registryWith(t, map[string]*process.Engine{"echo": newCatEngine(t, "echo")}))

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]any
	decode(t, w, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	if body["runners"] != float64(1) {
		t.Errorf("runners = %v, want 1", body["runners"])
	}
}

func TestHealth_Degraded(t *testing.T) {
	srv := testServer(t, process.NewRegistry(), func(d *Deps) {
		d.Checks = map[string]HealthChecker{
			"mqtt":     failingCheck{err: errors.New("broker unreachable")},
			"database": failingCheck{},
		}
	})

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	decode(t, w, &body)
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Components["database"] != "ok" || body.Components["mqtt"] != "broker unreachable" {
		t.Errorf("components = %v", body.Components)
	}
}

func TestRequestID(t *testing.T) {
	srv := testServer(t, process.NewRegistry())

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestNotFound(t *testing.T) {
	srv := testServer(t, process.NewRegistry())
	if w := do(t, srv, http.MethodGet, "/api/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListRunners(t *testing.T) {
	srv := testServer(t, registryWith(t, map[string]*process.Engine{
		"zeta":  newCatEngine(t, "zeta"),
		"Alpha": newCatEngine(t, "alpha"),
	}))

	w := do(t, srv, http.MethodGet, "/api/v1/runners", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Runners []RunnerView `json:"runners"`
		Count   int          `json:"count"`
	}
	decode(t, w, &body)
	if body.Count != 2 || len(body.Runners) != 2 {
		t.Fatalf("count = %d, runners = %d; want 2", body.Count, len(body.Runners))
	}
	if body.Runners[0].ID != "alpha" || body.Runners[1].ID != "zeta" {
		t.Errorf("ids = %q, %q; want alpha, zeta", body.Runners[0].ID, body.Runners[1].ID)
	}
	if body.Runners[0].Stats.State != process.StateStopped {
		t.Errorf("state = %q, want stopped", body.Runners[0].Stats.State)
	}
}

func TestGetRunner(t *testing.T) {
	srv := testServer(t, registryWith(t, map[string]*process.Engine{"echo": newCatEngine(t, "echo")}))

	t.Run("case insensitive id", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/v1/runners/ECHO", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var v RunnerView
		decode(t, w, &v)
		if v.ID != "echo" || v.Spec.Executable != "/bin/cat" {
			t.Errorf("view = %+v", v)
		}
	})

	t.Run("unknown runner", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/v1/runners/missing", "")
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
		var e Error
		decode(t, w, &e)
		if e.Code != ErrCodeNotFound {
			t.Errorf("code = %q, want %q", e.Code, ErrCodeNotFound)
		}
	})
}

func TestStartStopRunner(t *testing.T) {
	e := newCatEngine(t, "echo")
	srv := testServer(t, registryWith(t, map[string]*process.Engine{"echo": e}))

	var start struct {
		Started bool          `json:"started"`
		State   process.State `json:"state"`
	}
	w := do(t, srv, http.MethodPost, "/api/v1/runners/echo/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", w.Code, w.Body.String())
	}
	decode(t, w, &start)
	if !start.Started || start.State != process.StateRunning {
		t.Errorf("first start = %+v, want started running", start)
	}

	// A second start is a no-op, not an error
	w = do(t, srv, http.MethodPost, "/api/v1/runners/echo/start", "")
	decode(t, w, &start)
	if w.Code != http.StatusOK || start.Started {
		t.Errorf("second start: status %d, started %v; want 200, false", w.Code, start.Started)
	}

	w = do(t, srv, http.MethodPost, "/api/v1/runners/echo/restart", "")
	if w.Code != http.StatusOK {
		t.Fatalf("restart status = %d", w.Code)
	}
	if got := e.Stats().RestartCount; got != 1 {
		t.Errorf("RestartCount = %d, want 1", got)
	}

	w = do(t, srv, http.MethodPost, "/api/v1/runners/echo/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stop status = %d", w.Code)
	}
	if e.State() != process.StateStopped {
		t.Errorf("state = %q, want stopped", e.State())
	}
}

func TestStartRunner_SpawnFailed(t *testing.T) {
	e := newEngine(t, process.Spec{Name: "ghost", Executable: "/nonexistent/ghost-binary"})
	srv := testServer(t, registryWith(t, map[string]*process.Engine{"ghost": e}))

	w := do(t, srv, http.MethodPost, "/api/v1/runners/ghost/start", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var body Error
	decode(t, w, &body)
	if body.Code != ErrCodeSpawnFailed {
		t.Errorf("code = %q, want %q", body.Code, ErrCodeSpawnFailed)
	}
	if e.State() != process.StateStopped {
		t.Errorf("state = %q, want stopped", e.State())
	}
}

func TestCommand_DisposedEngine(t *testing.T) {
	e := newCatEngine(t, "echo")
	srv := testServer(t, registryWith(t, map[string]*process.Engine{"echo": e}))
	e.Close()

	for _, path := range []string{"start", "stop", "restart"} {
		w := do(t, srv, http.MethodPost, "/api/v1/runners/echo/"+path, "")
		if w.Code != http.StatusConflict {
			t.Errorf("%s status = %d, want 409", path, w.Code)
		}
	}
}

func TestSendMessage(t *testing.T) {
	e := newCatEngine(t, "echo")
	srv := testServer(t, registryWith(t, map[string]*process.Engine{"echo": e}))

	tests := []struct {
		name          string
		body          string
		running       bool
		wantStatus    int
		wantDelivered bool
	}{
		{"invalid json", "not json", false, http.StatusBadRequest, false},
		{"stopped runner drops line", `{"text":"hello"}`, false, http.StatusAccepted, false},
		{"line break rejected", `{"text":"hello\nworld"}`, false, http.StatusBadRequest, false},
		{"running runner receives line", `{"text":"hello"}`, true, http.StatusAccepted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.running {
				if _, err := e.Start(context.Background()); err != nil {
					t.Fatalf("Start() error = %v", err)
				}
			}
			w := do(t, srv, http.MethodPost, "/api/v1/runners/echo/send", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusAccepted {
				return
			}
			var body struct {
				Delivered bool `json:"delivered"`
			}
			decode(t, w, &body)
			if body.Delivered != tt.wantDelivered {
				t.Errorf("delivered = %v, want %v", body.Delivered, tt.wantDelivered)
			}
		})
	}
}

func TestRunnerHistory(t *testing.T) {
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := history.NewSQLiteRepository(db.DB)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, typ := range []string{"started", "crashed", "stopped", "started"} {
		entry := &history.Entry{Runner: "echo", RunID: "run-1", Type: typ, OccurredAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.Record(context.Background(), entry); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := repo.Record(context.Background(), &history.Entry{Runner: "other", Type: "started", OccurredAt: base}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	registry := registryWith(t, map[string]*process.Engine{"echo": newCatEngine(t, "echo")})
	srv := testServer(t, registry, func(d *Deps) { d.History = repo })

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantTotal  int
	}{
		{"all for runner", "", http.StatusOK, 4},
		{"by type", "?type=started", http.StatusOK, 2},
		{"since", "?since=2026-03-01T12:02:00Z", http.StatusOK, 2},
		{"bad since", "?since=yesterday", http.StatusBadRequest, 0},
		{"bad limit", "?limit=-1", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodGet, "/api/v1/runners/echo/history"+tt.query, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var res history.ListResult
			decode(t, w, &res)
			if res.Total != tt.wantTotal {
				t.Errorf("total = %d, want %d", res.Total, tt.wantTotal)
			}
		})
	}

	t.Run("newest first with limit", func(t *testing.T) {
		w := do(t, srv, http.MethodGet, "/api/v1/runners/echo/history?limit=1", "")
		var res history.ListResult
		decode(t, w, &res)
		if len(res.Entries) != 1 || !res.Entries[0].OccurredAt.Equal(base.Add(3*time.Minute)) {
			t.Errorf("entries = %+v", res.Entries)
		}
	})
}

func TestRunnerHistory_NotConfigured(t *testing.T) {
	srv := testServer(t, registryWith(t, map[string]*process.Engine{"echo": newCatEngine(t, "echo")}))
	if w := do(t, srv, http.MethodGet, "/api/v1/runners/echo/history", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	running := newCatEngine(t, "running")
	if _, err := running.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	srv := testServer(t, registryWith(t, map[string]*process.Engine{
		"running": running,
		"idle":    newCatEngine(t, "idle"),
	}))

	w := do(t, srv, http.MethodGet, "/api/v1/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var m SystemMetrics
	decode(t, w, &m)
	if m.Runners.Total != 2 {
		t.Errorf("total = %d, want 2", m.Runners.Total)
	}
	if m.Runners.ByState["running"] != 1 || m.Runners.ByState["stopped"] != 1 {
		t.Errorf("by_state = %v", m.Runners.ByState)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines not reported")
	}
}

// dialWS connects to path on ts and waits for the client to be registered.
func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })

	// The read pump answers pings only after the client is registered.
	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ready"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readWS(t, ws); msg.Type != WSTypePong {
		t.Fatalf("first message type = %q, want pong", msg.Type)
	}
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // Test deadline
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	return msg
}

// waitForOutput reads until an output event carrying line arrives.
func waitForOutput(t *testing.T, ws *websocket.Conn, line string) WSMessage {
	t.Helper()
	for {
		msg := readWS(t, ws)
		if msg.Type != WSTypeEvent || msg.EventType != string(process.EventOutput) {
			continue
		}
		payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // Checked below
		if payload["line"] == line {
			return msg
		}
	}
}

func TestRunnerWebSocket_StreamsEvents(t *testing.T) {
	e := newCatEngine(t, "echo")
	srv := testServer(t, registryWith(t, map[string]*process.Engine{"echo": e}))
	srv.Attach("echo", e)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ws := dialWS(t, ts, "/api/v1/runners/echo/ws")

	if _, err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	msg := readWS(t, ws)
	if msg.Type != WSTypeEvent || msg.EventType != string(process.EventStarted) || msg.Channel != "echo" {
		t.Errorf("first event = %+v, want started on echo", msg)
	}

	if _, err := e.SendMessage("hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitForOutput(t, ws, "hello")
}

func TestRunnerWebSocket_UnknownRunner(t *testing.T) {
	srv := testServer(t, process.NewRegistry())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runners/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial should fail for an unknown runner")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}

func TestWebSocket_SubscribeAndSend(t *testing.T) {
	e := newCatEngine(t, "echo")
	if _, err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	srv := testServer(t, registryWith(t, map[string]*process.Engine{"echo": e}))
	srv.Attach("echo", e)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ws := dialWS(t, ts, "/api/v1/ws")

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{"ECHO"}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	// The runner defaults to the only subscription
	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSend,
		ID:      "send-1",
		Payload: WSSendPayload{Text: "over websocket"},
	}); err != nil {
		t.Fatalf("write send: %v", err)
	}
	waitForOutput(t, ws, "over websocket")

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSend,
		ID:      "send-2",
		Payload: WSSendPayload{Runner: "missing", Text: "x"},
	}); err != nil {
		t.Fatalf("write send: %v", err)
	}
	for {
		msg := readWS(t, ws)
		if msg.ID == "send-2" {
			if msg.Type != WSTypeError {
				t.Errorf("send to unknown runner type = %q, want error", msg.Type)
			}
			break
		}
	}
}

func TestWebSocket_UnknownMessageType(t *testing.T) {
	srv := testServer(t, process.NewRegistry())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ws := dialWS(t, ts, "/api/v1/ws")
	if err := ws.WriteJSON(WSMessage{Type: "bogus", ID: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readWS(t, ws); msg.Type != WSTypeError || msg.ID != "x" {
		t.Errorf("response = %+v, want error for x", msg)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	srv := testServer(t, process.NewRegistry())

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
