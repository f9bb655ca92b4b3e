package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/ecmlink/ecmlink/internal/dict"
	"github.com/ecmlink/ecmlink/internal/ecm"
	"github.com/ecmlink/ecmlink/internal/sim"
)

func testServer(t *testing.T) (*Server, *sim.ECM, *ecm.Session) {
	t.Helper()
	e, err := sim.New("BUEIB310 12-11-03")
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	reg, err := dict.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	session := ecm.NewSession(reg)
	if err := session.Connect(e.Stream()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { session.Disconnect() })
	if _, err := session.GetVersion(); err != nil {
		t.Fatalf("GetVersion: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Logging.Path = t.TempDir()

	srv, err := New(cfg, session, fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html></html>")},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, e, session
}

func TestBuildFrame(t *testing.T) {
	srv, e, session := testServer(t)
	e.SetDiagnostics([2]byte{1 << 3, 0}, [2]byte{0, 0})

	if _, err := session.ReadRTData(); err != nil {
		t.Fatalf("ReadRTData: %v", err)
	}
	frame, vars := srv.buildFrame()

	rpm, ok := frame.Values["RPM"]
	if !ok || rpm.Text == "" {
		t.Fatalf("frame has no RPM: %+v", frame.Values)
	}
	if len(frame.Current) != 1 || frame.Current[0].Code != "23" {
		t.Fatalf("current errors %v", frame.Current)
	}
	if len(frame.Historic) != 0 {
		t.Fatalf("historic errors %v", frame.Historic)
	}
	if len(vars) != len(srv.names) {
		t.Fatalf("%d recorder vars, want %d", len(vars), len(srv.names))
	}
}

func TestHandleInfo(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.handleInfo(rec, httptest.NewRequest(http.MethodGet, "/api/info", nil))

	var info struct {
		ID      string `json:"id"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if info.ID != "BUEIB310" || info.Version != "BUEIB310 12-11-03" {
		t.Fatalf("info %+v", info)
	}
}

func TestHandleRecordToggle(t *testing.T) {
	srv, _, session := testServer(t)

	rec := httptest.NewRecorder()
	srv.handleRecord(rec, httptest.NewRequest(http.MethodPost, "/api/record?on=1", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	if !srv.rec.IsEnabled() || !session.IsRecording() {
		t.Fatal("recording not enabled")
	}

	rec = httptest.NewRecorder()
	srv.handleRecord(rec, httptest.NewRequest(http.MethodPost, "/api/record?on=0", nil))
	if srv.rec.IsEnabled() || session.IsRecording() {
		t.Fatal("recording not disabled")
	}

	rec = httptest.NewRecorder()
	srv.handleRecord(rec, httptest.NewRequest(http.MethodGet, "/api/record?on=1", nil))
	if rec.Code != 405 {
		t.Fatalf("GET status %d, want 405", rec.Code)
	}
}

func TestHandleTest(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.handleTest(rec, httptest.NewRequest(http.MethodPost, "/api/test?fn=1", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.handleTest(rec, httptest.NewRequest(http.MethodPost, "/api/test?fn=99", nil))
	if rec.Code != 400 {
		t.Fatalf("bad function status %d, want 400", rec.Code)
	}
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("ECM_PORT", "/dev/ttyTEST")
	t.Setenv("POLL_HZ", "2")
	t.Setenv("LOG_ENABLED", "true")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Serial.Port != "/dev/ttyTEST" {
		t.Errorf("port %q", cfg.Serial.Port)
	}
	if cfg.Poll.Hz != 2 {
		t.Errorf("poll hz %d", cfg.Poll.Hz)
	}
	if !cfg.Logging.Enabled {
		t.Error("logging override ignored")
	}
	if cfg.Serial.Baud != 9600 || cfg.Server.ListenAddr != ":8080" {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "serial:\n  port: /dev/rfcomm7\n  baud: 19200\nserver:\n  listen_addr: \":9090\"\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := LoadConfig(path)
	if cfg.Serial.Port != "/dev/rfcomm7" || cfg.Serial.Baud != 19200 {
		t.Errorf("serial %+v", cfg.Serial)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen %q", cfg.Server.ListenAddr)
	}
	if cfg.Poll.Hz != 4 {
		t.Errorf("poll default lost: %d", cfg.Poll.Hz)
	}
}
