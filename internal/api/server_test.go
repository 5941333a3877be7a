package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/bambubridge/internal/audit"
	"github.com/nerrad567/bambubridge/internal/infrastructure/config"
	"github.com/nerrad567/bambubridge/internal/infrastructure/database"
	"github.com/nerrad567/bambubridge/internal/infrastructure/logging"
	"github.com/nerrad567/bambubridge/internal/infrastructure/metrics"
	"github.com/nerrad567/bambubridge/internal/printer"
	"github.com/nerrad567/bambubridge/migrations"
)

const testAPIKey = "test-key"

// testDevice is a connected-on-demand printer with every optional
// capability.
type testDevice struct {
	connected atomic.Bool
	closes    atomic.Int32
	frames    []printer.Frame
	pauseErr  error

	mu   sync.Mutex
	jobs []printer.Job
}

func (d *testDevice) Connect(context.Context) error {
	d.connected.Store(true)
	return nil
}

func (d *testDevice) Connected() bool { return d.connected.Load() }

func (d *testDevice) Close(context.Context) error {
	d.closes.Add(1)
	d.connected.Store(false)
	return nil
}

func (d *testDevice) Status(context.Context) (any, error) {
	return map[string]any{"gcode_state": "IDLE", "name": "ignored"}, nil
}

func (d *testDevice) StartJob(_ context.Context, job printer.Job) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return map[string]any{"queued": job.GcodeURL}, nil
}

func (d *testDevice) PausePrint(context.Context) (any, error) {
	if d.pauseErr != nil {
		return nil, d.pauseErr
	}
	return map[string]any{"command": "pause"}, nil
}

func (d *testDevice) ResumePrint(context.Context) (any, error) { return true, nil }
func (d *testDevice) StopPrint(context.Context) (any, error)   { return nil, nil }

func (d *testDevice) OpenCamera(context.Context) (printer.FrameSource, error) {
	ch := make(chan printer.Frame, len(d.frames))
	for _, f := range d.frames {
		ch <- f
	}
	close(ch)
	return printer.NewChanSource(ch, nil), nil
}

func (d *testDevice) Jobs() []printer.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]printer.Job(nil), d.jobs...)
}

// bareDevice has no optional capabilities.
type bareDevice struct {
	connected atomic.Bool
}

func (d *bareDevice) Connect(context.Context) error {
	d.connected.Store(true)
	return nil
}
func (d *bareDevice) Connected() bool             { return d.connected.Load() }
func (d *bareDevice) Close(context.Context) error { return nil }

// unreachableDevice never connects.
type unreachableDevice struct{}

func (unreachableDevice) Connect(context.Context) error { return errors.New("connection refused") }
func (unreachableDevice) Connected() bool               { return false }
func (unreachableDevice) Close(context.Context) error   { return nil }

// commandRejected is a typed backend failure.
type commandRejected struct{}

func (commandRejected) Error() string { return "printer rejected the command" }

type testEnv struct {
	srv     *Server
	handler http.Handler
	devices map[string]*testDevice
	hub     *Hub
}

type envOption func(*Deps)

func withAPIKey(key string) envOption {
	return func(d *Deps) { d.Config.APIKey = key }
}

func withAudit(repo audit.Repository) envOption {
	return func(d *Deps) { d.Audit = repo }
}

func withMetrics(c *metrics.Collector) envOption {
	return func(d *Deps) { d.Metrics = c }
}

// newTestEnv wires printers p1s (full), a1 (no capabilities), broken
// (pause fails), offline (never connects) and nokey (no access code).
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	reg, err := printer.NewRegistry([]printer.Config{
		{Name: "p1s", Host: "10.0.0.2", Serial: "01P00A", AccessCode: "k1", DeviceType: "p1s"},
		{Name: "a1", Host: "10.0.0.3", Serial: "03A00B", AccessCode: "k2"},
		{Name: "broken", Host: "10.0.0.4", Serial: "01P00C", AccessCode: "k3"},
		{Name: "offline", Host: "10.0.0.5", Serial: "01P00D", AccessCode: "k4"},
		{Name: "nokey", Host: "10.0.0.6", Serial: "01P00E"},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	env := &testEnv{devices: make(map[string]*testDevice)}
	var mu sync.Mutex

	factory := func(cfg printer.Config) (printer.Device, error) {
		switch cfg.Name {
		case "a1":
			return &bareDevice{}, nil
		case "offline":
			return unreachableDevice{}, nil
		}
		dev := &testDevice{frames: []printer.Frame{
			printer.BinaryFrame([]byte("jpeg-1")),
			printer.BinaryFrame([]byte("jpeg-2")),
		}}
		if cfg.Name == "broken" {
			dev.pauseErr = commandRejected{}
		}
		mu.Lock()
		env.devices[cfg.Name] = dev
		mu.Unlock()
		return dev, nil
	}

	log := logging.Discard()
	mgr := printer.NewManager(reg, factory, printer.ManagerConfig{
		PollInterval: 5 * time.Millisecond,
		Timeout:      500 * time.Millisecond,
	})
	mgr.SetLogger(log)

	env.hub = NewHub(log)
	mgr.SetObserver(env.hub)

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			APIKey:   testAPIKey,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
			},
		},
		Logger:     log,
		Dispatcher: printer.NewDispatcher(mgr),
		Hub:        env.hub,
		Version:    "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.srv = srv
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, key bool) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key {
		req.Header.Set(APIKeyHeader, testAPIKey)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) device(t *testing.T, name string) *testDevice {
	t.Helper()
	dev, ok := e.devices[name]
	if !ok {
		t.Fatalf("no device created for %q", name)
	}
	return dev
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal error body %q: %v", w.Body.String(), err)
	}
	return e
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) printer.Result {
	t.Helper()
	var res printer.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal result body %q: %v", w.Body.String(), err)
	}
	return res
}

func testAuditRepo(t *testing.T) *audit.SQLiteRepository {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return audit.NewSQLiteRepository(db.DB)
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger: expected error")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without dispatcher: expected error")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp struct {
		OK       bool     `json:"ok"`
		Printers []string `json:"printers"`
		Version  string   `json:"version"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
	want := []string{"a1", "broken", "nokey", "offline", "p1s"}
	if strings.Join(resp.Printers, ",") != strings.Join(want, ",") {
		t.Errorf("printers = %v, want %v", resp.Printers, want)
	}
	if len(env.devices) != 0 {
		t.Error("health check connected a printer")
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", "", false)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "client-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/nope", "", false); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/p1s/pause", "", true)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET pause status = %d, want 405", w.Code)
	}
	if e := decodeError(t, w); e.Code != ErrCodeMethodNotAllow {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeMethodNotAllow)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/p1s/pause", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want http://localhost:3000", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, APIKeyHeader) {
		t.Errorf("allowed headers %q do not include %s", got, APIKeyHeader)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin echoed: %q", got)
	}
}

func TestAPIKey(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
	}{
		{"missing header", testAPIKey, "", http.StatusUnauthorized},
		{"wrong key", testAPIKey, "nope", http.StatusUnauthorized},
		{"valid key", testAPIKey, testAPIKey, http.StatusOK},
		{"server without key", "", testAPIKey, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, withAPIKey(tc.configured))

			req := httptest.NewRequest(http.MethodPost, "/api/p1s/connect", nil)
			if tc.header != "" {
				req.Header.Set(APIKeyHeader, tc.header)
			}
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, req)

			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.wantStatus, w.Body.String())
			}
			if tc.wantStatus != http.StatusOK && len(env.devices) != 0 {
				t.Error("rejected request reached the printer")
			}
		})
	}
}

func TestListPrinters(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/api/p1s/connect", "", true); w.Code != http.StatusOK {
		t.Fatalf("connect status = %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/offline/connect", "", true); w.Code != http.StatusBadGateway {
		t.Fatalf("offline connect status = %d, want 502", w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/printers", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var list []printerSummary
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 5 {
		t.Fatalf("len = %d, want 5", len(list))
	}

	byName := make(map[string]printerSummary, len(list))
	for _, p := range list {
		byName[p.Name] = p
	}

	p1s := byName["p1s"]
	if !p1s.Connected || p1s.Host != "10.0.0.2" || p1s.Serial != "01P00A" || p1s.Type != "p1s" {
		t.Errorf("p1s = %+v", p1s)
	}
	if p1s.State != printer.StateConnected {
		t.Errorf("p1s state = %q, want %q", p1s.State, printer.StateConnected)
	}
	if p1s.LastError != nil {
		t.Errorf("p1s last_error = %q, want null", *p1s.LastError)
	}
	if p1s.ConnectedAt == nil || p1s.ConnectedAt.IsZero() {
		t.Errorf("p1s connected_at = %v, want a timestamp", p1s.ConnectedAt)
	}
	if byName["a1"].ConnectedAt != nil {
		t.Error("a1 has connected_at without a connection")
	}

	off := byName["offline"]
	if off.Connected || off.LastError == nil || !strings.Contains(*off.LastError, "connection refused") {
		t.Errorf("offline = %+v", off)
	}
	if byName["a1"].Connected {
		t.Error("a1 connected without a request")
	}
}

func TestConnect(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/p1s/connect", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	res := decodeResult(t, w)
	if !res.OK || res.Result["name"] != "p1s" || res.Result["serial"] != "01P00A" {
		t.Errorf("result = %+v", res)
	}

	// A second connect reuses the live device.
	env.do(t, http.MethodPost, "/api/p1s/connect", "", true)
	if len(env.devices) != 1 {
		t.Errorf("devices created = %d, want 1", len(env.devices))
	}
}

func TestPrinterErrors(t *testing.T) {
	tests := []struct {
		name         string
		method       string
		path         string
		wantStatus   int
		wantCode     string
		wantMessage  string
		wantCategory string
	}{
		{
			name:        "unknown printer",
			method:      http.MethodPost,
			path:        "/api/ghost/pause",
			wantStatus:  http.StatusNotFound,
			wantCode:    ErrCodeUnknownPrinter,
			wantMessage: "Unknown printer 'ghost'",
		},
		{
			name:        "unknown printer status",
			method:      http.MethodGet,
			path:        "/api/ghost/status",
			wantStatus:  http.StatusNotFound,
			wantCode:    ErrCodeUnknownPrinter,
			wantMessage: "Unknown printer 'ghost'",
		},
		{
			name:        "incomplete config",
			method:      http.MethodPost,
			path:        "/api/nokey/connect",
			wantStatus:  http.StatusBadRequest,
			wantCode:    ErrCodeIncompleteConfig,
			wantMessage: "missing access code",
		},
		{
			name:       "connection failure",
			method:     http.MethodPost,
			path:       "/api/offline/connect",
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrCodeConnectionFailure,
		},
		{
			name:       "unsupported pause",
			method:     http.MethodPost,
			path:       "/api/a1/pause",
			wantStatus: http.StatusNotImplemented,
			wantCode:   ErrCodeNotImplemented,
		},
		{
			name:         "upstream failure",
			method:       http.MethodPost,
			path:         "/api/broken/pause",
			wantStatus:   http.StatusBadGateway,
			wantCode:     ErrCodeUpstream,
			wantMessage:  "printer rejected the command",
			wantCategory: "commandRejected",
		},
		{
			name:        "disconnect without connection",
			method:      http.MethodPost,
			path:        "/api/p1s/disconnect",
			wantStatus:  http.StatusNotFound,
			wantCode:    ErrCodeNotConnected,
			wantMessage: "Not connected",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)

			w := env.do(t, tc.method, tc.path, "", true)
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.wantStatus, w.Body.String())
			}

			e := decodeError(t, w)
			if e.Status != tc.wantStatus || e.Code != tc.wantCode {
				t.Errorf("error = %+v, want status %d code %q", e, tc.wantStatus, tc.wantCode)
			}
			if tc.wantMessage != "" && !strings.Contains(e.Message, tc.wantMessage) {
				t.Errorf("message = %q, want it to contain %q", e.Message, tc.wantMessage)
			}
			if tc.wantCategory != "" && e.Category != tc.wantCategory {
				t.Errorf("category = %q, want %q", e.Category, tc.wantCategory)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)

	// No API key: status is public and connects lazily.
	w := env.do(t, http.MethodGet, "/api/p1s/status", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	res := decodeResult(t, w)
	if res.Result["name"] != "p1s" || res.Result["connected"] != true {
		t.Errorf("base fields = %+v", res.Result)
	}
	if res.Result["gcode_state"] != "IDLE" {
		t.Errorf("gcode_state = %v, want IDLE", res.Result["gcode_state"])
	}
	if res.Result["state"] != string(printer.StateConnected) {
		t.Errorf("state = %v", res.Result["state"])
	}
}

func TestPrint(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantJob    printer.Job
	}{
		{
			name:       "snake case",
			body:       `{"gcode_url":"http://files.local/a.gcode","aux_url":"https://files.local/a.3mf"}`,
			wantStatus: http.StatusOK,
			wantJob:    printer.Job{GcodeURL: "http://files.local/a.gcode", AuxURL: "https://files.local/a.3mf"},
		},
		{
			name:       "camel case",
			body:       `{"gcodeUrl":"http://files.local/b.gcode"}`,
			wantStatus: http.StatusOK,
			wantJob:    printer.Job{GcodeURL: "http://files.local/b.gcode"},
		},
		{
			name:       "legacy thmf field",
			body:       `{"gcode_url":"http://files.local/c.gcode","thmf_url":"http://files.local/c.3mf"}`,
			wantStatus: http.StatusOK,
			wantJob:    printer.Job{GcodeURL: "http://files.local/c.gcode", AuxURL: "http://files.local/c.3mf"},
		},
		{name: "missing url", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "relative url", body: `{"gcode_url":"/a.gcode"}`, wantStatus: http.StatusBadRequest},
		{name: "ftp url", body: `{"gcode_url":"ftp://files.local/a.gcode"}`, wantStatus: http.StatusBadRequest},
		{name: "bad aux url", body: `{"gcode_url":"http://f/a.gcode","aux_url":"nope"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed json", body: `{"gcode_url":`, wantStatus: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)

			w := env.do(t, http.MethodPost, "/api/p1s/print", tc.body, true)
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.wantStatus, w.Body.String())
			}
			if tc.wantStatus != http.StatusOK {
				if len(env.devices) != 0 {
					t.Error("invalid print request reached the printer")
				}
				return
			}

			jobs := env.device(t, "p1s").Jobs()
			if len(jobs) != 1 || jobs[0] != tc.wantJob {
				t.Errorf("jobs = %+v, want [%+v]", jobs, tc.wantJob)
			}
			if res := decodeResult(t, w); res.Result["queued"] != tc.wantJob.GcodeURL {
				t.Errorf("result = %+v", res.Result)
			}
		})
	}
}

func TestPrint_UnknownPrinterBeforeBody(t *testing.T) {
	for _, body := range []string{"", "not json", `{}`, `{"gcode_url":"ftp://x/a.gcode"}`} {
		env := newTestEnv(t)

		w := env.do(t, http.MethodPost, "/api/ghost/print", body, true)
		if w.Code != http.StatusNotFound {
			t.Errorf("body %q: status = %d, want 404 (%s)", body, w.Code, w.Body.String())
		}
	}
}

func TestControlActions(t *testing.T) {
	tests := []struct {
		path string
		want map[string]any
	}{
		{"/api/p1s/pause", map[string]any{"command": "pause"}},
		{"/api/p1s/resume", map[string]any{"response": true}},
		{"/api/p1s/stop", map[string]any{"response": nil}},
	}

	env := newTestEnv(t)
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tc.path, "", true)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", w.Code, w.Body.String())
			}
			res := decodeResult(t, w)
			if !res.OK {
				t.Error("ok = false")
			}
			for k, v := range tc.want {
				got, ok := res.Result[k]
				if !ok || got != v {
					t.Errorf("result[%q] = %v, want %v", k, got, v)
				}
			}
		})
	}
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/api/p1s/connect", "", true)

	w := env.do(t, http.MethodPost, "/api/p1s/disconnect", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if n := env.device(t, "p1s").closes.Load(); n != 1 {
		t.Errorf("closes = %d, want 1", n)
	}

	w = env.do(t, http.MethodPost, "/api/p1s/disconnect", "", true)
	if w.Code != http.StatusNotFound {
		t.Errorf("second disconnect status = %d, want 404", w.Code)
	}
}

func TestAuditTrail(t *testing.T) {
	repo := testAuditRepo(t)
	env := newTestEnv(t, withAudit(repo))

	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	base := "http://" + env.srv.Addr()
	post := func(path, body string) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, base+path, strings.NewReader(body)) //nolint:errcheck // static URL
		req.Header.Set(APIKeyHeader, testAPIKey)
		req.Header.Set("X-Request-ID", "req-"+strings.TrimPrefix(path, "/api/"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		resp.Body.Close()
	}

	post("/api/p1s/print", `{"gcode_url":"http://files.local/a.gcode"}`)
	post("/api/broken/pause", "")

	// Status is not privileged and is not recorded.
	resp, err := http.Get(base + "/api/p1s/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()

	if err := env.srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	result, err := repo.List(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 2 {
		t.Fatalf("total = %d, want 2: %+v", result.Total, result.Entries)
	}

	byAction := make(map[string]audit.Entry)
	for _, e := range result.Entries {
		byAction[e.Action] = e
	}

	pr := byAction["print"]
	if pr.Outcome != audit.OutcomeSuccess || pr.Printer != "p1s" || pr.RequestID != "req-p1s/print" {
		t.Errorf("print entry = %+v", pr)
	}
	if pr.Details["gcode_url"] != "http://files.local/a.gcode" {
		t.Errorf("print details = %+v", pr.Details)
	}
	if pr.RemoteAddr != "127.0.0.1" {
		t.Errorf("remote addr = %q, want 127.0.0.1", pr.RemoteAddr)
	}

	pa := byAction["pause"]
	if pa.Outcome != audit.OutcomeFailure || pa.ErrorKind != printer.KindUpstream.String() {
		t.Errorf("pause entry = %+v", pa)
	}
}

func TestListAuditLogs(t *testing.T) {
	repo := testAuditRepo(t)
	ctx := context.Background()
	for _, e := range []*audit.Entry{
		{Action: "pause", Printer: "p1s"},
		{Action: "stop", Printer: "p1s"},
		{Action: "pause", Printer: "a1", Outcome: audit.OutcomeFailure, ErrorKind: "UnsupportedCapability"},
	} {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	env := newTestEnv(t, withAudit(repo))

	w := env.do(t, http.MethodGet, "/api/audit?action=pause&limit=10", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var result audit.ListResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Total != 2 || len(result.Entries) != 2 {
		t.Errorf("pause entries = %d/%d, want 2/2", len(result.Entries), result.Total)
	}

	if w := env.do(t, http.MethodGet, "/api/audit?limit=ten", "", true); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/audit", "", false); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}
}

func TestListAuditLogs_NotConfigured(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/api/audit", "", true); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	collector := metrics.NewCollector(config.MetricsConfig{Enabled: true}, prometheus.NewRegistry())
	env := newTestEnv(t, withMetrics(collector))

	env.do(t, http.MethodGet, "/healthz", "", false)
	env.do(t, http.MethodGet, "/api/p1s/status", "", false)

	w := env.do(t, http.MethodGet, "/metrics", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	body := w.Body.String()
	for _, want := range []string{
		`bambubridge_http_requests_total{method="GET",route="/healthz",status="200"} 1`,
		`bambubridge_http_requests_total{method="GET",route="/api/{name}/status",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/metrics", "", false); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := newTestEnv(t)

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start: expected error")
	}

	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := env.srv.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Start")
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first := newTestEnv(t)
	if err := first.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.srv.Close() //nolint:errcheck // test cleanup

	_, port, _ := strings.Cut(first.srv.Addr(), ":")

	second := newTestEnv(t)
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("port %q: %v", port, err)
	}
	second.srv.cfg.Port = n
	if err := second.srv.Start(context.Background()); err == nil {
		second.srv.Close() //nolint:errcheck // test cleanup
		t.Error("Start() on a bound port: expected error")
	}
}
