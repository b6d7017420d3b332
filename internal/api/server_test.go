package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenListTeam/openlist-desktop-service/internal/catalog"
	"github.com/OpenListTeam/openlist-desktop-service/internal/launcher"
	"github.com/OpenListTeam/openlist-desktop-service/internal/supervisor"
)

const testKey = "test-key"

type stubChild struct {
	pid      int
	exitCh   chan launcher.ExitStatus
	waitOnce sync.Once
	status   launcher.ExitStatus
}

func (c *stubChild) PID() int { return c.pid }
func (c *stubChild) Wait() launcher.ExitStatus {
	c.waitOnce.Do(func() { c.status = <-c.exitCh })
	return c.status
}
func (c *stubChild) Terminate() error {
	select {
	case c.exitCh <- launcher.ExitStatus{Code: 0}:
	default:
	}
	return nil
}
func (c *stubChild) Kill() error { return c.Terminate() }

type stubSpawner struct {
	mu      sync.Mutex
	nextPID int
	spawned []catalog.ProcessConfig
}

func (f *stubSpawner) spawn(cfg catalog.ProcessConfig, logPath string) (supervisor.Child, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.spawned = append(f.spawned, cfg)
	return &stubChild{pid: 4000 + f.nextPID, exitCh: make(chan launcher.ExitStatus, 1)}, nil
}

type testEnv struct {
	srv        *httptest.Server
	sup        *supervisor.Supervisor
	spawner    *stubSpawner
	shutdownCh chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	dir := t.TempDir()
	spawner := &stubSpawner{}
	sup := supervisor.New(supervisor.Options{
		Store:       &catalog.Store{Path: filepath.Join(dir, "process_configs.json"), Log: log},
		Spawn:       spawner.spawn,
		Log:         log,
		LogDir:      filepath.Join(dir, "logs"),
		GracePeriod: 300 * time.Millisecond,
	})
	t.Cleanup(sup.Shutdown)
	shutdownCh := make(chan struct{})
	var once sync.Once
	api := New(sup, testKey, "1.2.3-test", log, func() { once.Do(func() { close(shutdownCh) }) })
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, sup: sup, spawner: spawner, shutdownCh: shutdownCh}
}

type env struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	Timestamp int64           `json:"timestamp"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any, auth string) (int, env) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out env
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode envelope: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func (e *testEnv) authed(t *testing.T, method, path string, body any) (int, env) {
	return e.do(t, method, path, body, testKey)
}

func decodeView(t *testing.T, raw json.RawMessage) supervisor.ProcessView {
	t.Helper()
	var v supervisor.ProcessView
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestHealthNoAuth(t *testing.T) {
	e := newTestEnv(t)
	code, out := e.do(t, http.MethodGet, "/health", nil, "")
	if code != http.StatusOK || !out.Success {
		t.Fatalf("code=%d out=%+v", code, out)
	}
	if !strings.Contains(string(out.Data), `"ok"`) {
		t.Fatalf("data=%s", out.Data)
	}
}

func TestUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	code, out := e.do(t, http.MethodGet, "/api/v1/processes", nil, "")
	if code != http.StatusUnauthorized {
		t.Fatalf("code=%d", code)
	}
	if out.Success || out.Error == nil || *out.Error != "unauthorized" {
		t.Fatalf("out=%+v", out)
	}
	if code, _ := e.do(t, http.MethodGet, "/api/v1/processes", nil, "wrong-key"); code != http.StatusUnauthorized {
		t.Fatalf("wrong key: code=%d", code)
	}
	// bad auth creates nothing
	if code, _ := e.do(t, http.MethodPost, "/api/v1/processes",
		map[string]any{"name": "x", "bin_path": "/bin/true"}, ""); code != http.StatusUnauthorized {
		t.Fatalf("code=%d", code)
	}
	if len(e.sup.List()) != 0 {
		t.Fatal("unauthorized request mutated state")
	}
}

func TestBearerFormAccepted(t *testing.T) {
	e := newTestEnv(t)
	code, _ := e.do(t, http.MethodGet, "/api/v1/processes", nil, "Bearer "+testKey)
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
}

func TestCreateStartStopFlow(t *testing.T) {
	e := newTestEnv(t)
	code, out := e.authed(t, http.MethodPost, "/api/v1/processes",
		map[string]any{"name": "sleep", "bin_path": "/bin/sleep", "args": []string{"30"}})
	if code != http.StatusOK || !out.Success {
		t.Fatalf("create: code=%d out=%+v", code, out)
	}
	created := decodeView(t, out.Data)
	id := created.Config.ID
	if id == "" || created.IsRunning {
		t.Fatalf("created: %+v", created)
	}

	code, out = e.authed(t, http.MethodPost, "/api/v1/processes/"+id+"/start", nil)
	if code != http.StatusOK {
		t.Fatalf("start: code=%d", code)
	}
	started := decodeView(t, out.Data)
	if !started.IsRunning || started.Pid == nil || *started.Pid <= 0 {
		t.Fatalf("started: %+v", started)
	}

	code, out = e.authed(t, http.MethodPost, "/api/v1/processes/"+id+"/stop", nil)
	if code != http.StatusOK {
		t.Fatalf("stop: code=%d", code)
	}
	stopped := decodeView(t, out.Data)
	if stopped.IsRunning {
		t.Fatalf("stopped: %+v", stopped)
	}

	_, out = e.authed(t, http.MethodGet, "/api/v1/processes/"+id, nil)
	final := decodeView(t, out.Data)
	if final.IsRunning || final.LastExitCode == nil {
		t.Fatalf("final: %+v", final)
	}
}

func TestCreateMalformedJSON(t *testing.T) {
	e := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/v1/processes", strings.NewReader("{nope"))
	req.Header.Set("Authorization", testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("code=%d", resp.StatusCode)
	}
	var out env
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Error == nil || *out.Error != "invalid_request" {
		t.Fatalf("out=%+v", out)
	}
}

func TestCreateEmptyBinPath(t *testing.T) {
	e := newTestEnv(t)
	code, out := e.authed(t, http.MethodPost, "/api/v1/processes", map[string]any{"name": "x"})
	if code != http.StatusBadRequest || out.Error == nil || *out.Error != "invalid_config" {
		t.Fatalf("code=%d out=%+v", code, out)
	}
}

func TestGetUnknown(t *testing.T) {
	e := newTestEnv(t)
	code, out := e.authed(t, http.MethodGet, "/api/v1/processes/9f0e1fb0-0000-0000-0000-000000000000", nil)
	if code != http.StatusNotFound || out.Error == nil || *out.Error != "not_found" {
		t.Fatalf("code=%d out=%+v", code, out)
	}
}

func TestUpdateWhileRunning(t *testing.T) {
	e := newTestEnv(t)
	_, out := e.authed(t, http.MethodPost, "/api/v1/processes",
		map[string]any{"name": "sleep", "bin_path": "/bin/sleep", "args": []string{"30"}})
	id := decodeView(t, out.Data).Config.ID
	_, out = e.authed(t, http.MethodPost, "/api/v1/processes/"+id+"/start", nil)
	pid := *decodeView(t, out.Data).Pid

	code, out := e.authed(t, http.MethodPut, "/api/v1/processes/"+id,
		map[string]any{"args": []string{"60"}})
	if code != http.StatusOK {
		t.Fatalf("update: code=%d", code)
	}
	updated := decodeView(t, out.Data)
	if updated.Config.Args[0] != "60" {
		t.Fatalf("args=%v", updated.Config.Args)
	}
	if updated.Pid == nil || *updated.Pid != pid {
		t.Fatalf("pid changed: %v", updated.Pid)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	e := newTestEnv(t)
	_, out := e.authed(t, http.MethodPost, "/api/v1/processes",
		map[string]any{"name": "x", "bin_path": "/bin/true"})
	id := decodeView(t, out.Data).Config.ID
	if code, _ := e.authed(t, http.MethodDelete, "/api/v1/processes/"+id, nil); code != http.StatusOK {
		t.Fatalf("delete code=%d", code)
	}
	if code, _ := e.authed(t, http.MethodGet, "/api/v1/processes/"+id, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete code=%d", code)
	}
}

func TestLogsLinesValidation(t *testing.T) {
	e := newTestEnv(t)
	logFile := filepath.Join(t.TempDir(), "p.log")
	_, out := e.authed(t, http.MethodPost, "/api/v1/processes",
		map[string]any{"name": "x", "bin_path": "/bin/true", "log_file": logFile})
	id := decodeView(t, out.Data).Config.ID

	for _, q := range []string{"lines=-1", "lines=abc"} {
		code, out := e.authed(t, http.MethodGet, "/api/v1/processes/"+id+"/logs?"+q, nil)
		if code != http.StatusBadRequest || out.Error == nil || *out.Error != "invalid_request" {
			t.Fatalf("%s: code=%d out=%+v", q, code, out)
		}
	}

	code, out := e.authed(t, http.MethodGet, "/api/v1/processes/"+id+"/logs?lines=0", nil)
	if code != http.StatusOK {
		t.Fatalf("lines=0 code=%d", code)
	}
	var data struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Lines == nil || len(data.Lines) != 0 {
		t.Fatalf("lines=%v", data.Lines)
	}
}

func TestLogsTailWindow(t *testing.T) {
	e := newTestEnv(t)
	logFile := filepath.Join(t.TempDir(), "p.log")
	var b strings.Builder
	for i := 1; i <= 500; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(logFile, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	_, out := e.authed(t, http.MethodPost, "/api/v1/processes",
		map[string]any{"name": "x", "bin_path": "/bin/true", "log_file": logFile})
	id := decodeView(t, out.Data).Config.ID

	_, out = e.authed(t, http.MethodGet, "/api/v1/processes/"+id+"/logs?lines=50", nil)
	var data struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.Lines) != 50 || data.Lines[0] != "line 451" || data.Lines[49] != "line 500" {
		t.Fatalf("window: len=%d first=%q", len(data.Lines), data.Lines[0])
	}
}

func TestStatusAndVersion(t *testing.T) {
	e := newTestEnv(t)
	code, out := e.authed(t, http.MethodGet, "/api/v1/status", nil)
	if code != http.StatusOK {
		t.Fatalf("status code=%d", code)
	}
	var st supervisor.Stats
	if err := json.Unmarshal(out.Data, &st); err != nil {
		t.Fatal(err)
	}
	_, out = e.authed(t, http.MethodGet, "/api/v1/version", nil)
	if !strings.Contains(string(out.Data), "1.2.3-test") {
		t.Fatalf("version data=%s", out.Data)
	}
}

func TestShutdownEndpoint(t *testing.T) {
	e := newTestEnv(t)
	code, out := e.authed(t, http.MethodPost, "/api/v1/shutdown", nil)
	if code != http.StatusOK || !out.Success {
		t.Fatalf("code=%d out=%+v", code, out)
	}
	select {
	case <-e.shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hook not invoked")
	}
}

func TestMetricsEndpointRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("code=%d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/metrics", nil)
	req.Header.Set("Authorization", testKey)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authed code=%d", resp.StatusCode)
	}
}
