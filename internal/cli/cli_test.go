package cli

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/koncoweb/zeger-app-sub003/internal/config"
)

// fakeBackend is a minimal PostgREST answering probes, filtered reads and
// inserts with on_conflict merge.
type fakeBackend struct {
	mu     sync.Mutex
	rows   map[string][]map[string]interface{}
	reject bool
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	f := &fakeBackend{rows: map[string][]map[string]interface{}{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		col := r.URL.Query().Get("select")
		want := strings.TrimPrefix(r.URL.Query().Get(col), "eq.")
		out := []map[string]interface{}{}
		for _, row := range f.rows[table] {
			if row[col] == want {
				out = append(out, row)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		var rec map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.reject {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"23514","message":"new row violates check constraint"}`))
			return
		}
		f.rows[table] = append(f.rows[table], rec)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{rec})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeBackend) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[table])
}

func (f *fakeBackend) setReject(v bool) {
	f.mu.Lock()
	f.reject = v
	f.mu.Unlock()
}

// writeConfig saves a config pointing at url and returns its path.
func writeConfig(t *testing.T, url string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Server.DeviceID = "cli-test"
	cfg.Server.LogLevel = "error"
	cfg.Remote.URL = url
	cfg.Remote.APIKey = "anon"
	path := filepath.Join(dir, "zeger-sync.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

const stockPayload = `{"rider_id":"r1","branch_id":"b1","product_id":"kopi-susu","movement_type":"in","quantity":12}`

func TestVerboseOverridesConfigLevel(t *testing.T) {
	opts := &RootOptions{Verbose: true}
	opts.newLogger(&bytes.Buffer{}, "error")
	if opts.level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", opts.level.Level())
	}
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "status", "--format", "xml")
	if err == nil {
		t.Fatal("expected error for unknown format")
	}
	if GetExitCode(err) != ExitCommandError {
		t.Errorf("exit code = %d, want %d", GetExitCode(err), ExitCommandError)
	}
}

func TestEnqueueSyncStatusFlow(t *testing.T) {
	backend, srv := newFakeBackend(t)
	path := writeConfig(t, srv.URL)

	out, err := execute(t, "enqueue", "stock-receive", "--payload", stockPayload, "--config", path, "--format", "json")
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	var queued struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(out), &queued); err != nil {
		t.Fatalf("bad enqueue output %q: %v", out, err)
	}
	if queued.ID == "" || queued.Kind != "stock_receive" {
		t.Errorf("unexpected enqueue result %+v", queued)
	}

	out, err = execute(t, "status", "--probe=false", "--list", "--config", path, "--format", "json")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("bad status output: %v", err)
	}
	if report.Snapshot.PendingCount != 1 || len(report.Operations) != 1 || report.Operations[0].ID != queued.ID {
		t.Errorf("unexpected status %+v", report)
	}
	if report.DeviceID != "cli-test" {
		t.Errorf("device id = %q", report.DeviceID)
	}
	if backend.count("stock_movements") != 0 {
		t.Error("enqueue must not touch the network")
	}

	out, err = execute(t, "sync", "--config", path)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !strings.Contains(out, "1 succeeded") {
		t.Errorf("unexpected sync output %q", out)
	}
	if n := backend.count("stock_movements"); n != 1 {
		t.Errorf("expected 1 remote row, got %d", n)
	}

	// A second sync finds nothing to send.
	if _, err := execute(t, "sync", "--config", path); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if n := backend.count("stock_movements"); n != 1 {
		t.Errorf("operation delivered twice: %d rows", n)
	}

	out, err = execute(t, "status", "--config", path)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "online") || !strings.Contains(out, "succeeded") {
		t.Errorf("unexpected status panel %q", out)
	}
}

func TestEnqueueWithSync(t *testing.T) {
	backend, srv := newFakeBackend(t)
	path := writeConfig(t, srv.URL)

	out, err := execute(t, "enqueue", "stock-receive", "--payload", stockPayload, "--sync", "--config", path)
	if err != nil {
		t.Fatalf("enqueue --sync failed: %v", err)
	}
	if !strings.Contains(out, "queued stock_receive") || !strings.Contains(out, "1 succeeded") {
		t.Errorf("unexpected output %q", out)
	}
	if backend.count("stock_movements") != 1 {
		t.Error("expected the row to be delivered")
	}
}

func TestEnqueueErrors(t *testing.T) {
	_, srv := newFakeBackend(t)
	path := writeConfig(t, srv.URL)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown kind", []string{"enqueue", "refund", "--payload", "{}"}},
		{"missing payload", []string{"enqueue", "stock-receive"}},
		{"both sources", []string{"enqueue", "stock-receive", "--payload", "{}", "--file", "x.json"}},
		{"invalid json", []string{"enqueue", "stock-receive", "--payload", "{"}},
		{"invalid payload", []string{"enqueue", "stock-receive", "--payload", `{"quantity":0}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append(tt.args, "--config", path)...)
			if err == nil {
				t.Fatal("expected error")
			}
			if GetExitCode(err) != ExitCommandError {
				t.Errorf("exit code = %d (%v)", GetExitCode(err), err)
			}
		})
	}
}

func TestEnqueueFromStdin(t *testing.T) {
	_, srv := newFakeBackend(t)
	path := writeConfig(t, srv.URL)

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stockPayload))
	cmd.SetArgs([]string{"enqueue", "stock-return", "--file", "-", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("enqueue from stdin failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "queued stock_return ") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestSyncOffline(t *testing.T) {
	_, srv := newFakeBackend(t)
	path := writeConfig(t, srv.URL)
	if _, err := execute(t, "enqueue", "stock-receive", "--payload", stockPayload, "--config", path); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	srv.Close()

	_, err := execute(t, "sync", "--config", path)
	if err == nil {
		t.Fatal("expected sync to fail while the backend is down")
	}
	if GetExitCode(err) != ExitFailure {
		t.Errorf("exit code = %d (%v)", GetExitCode(err), err)
	}

	out, err := execute(t, "status", "--config", path, "--format", "json")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("bad status output: %v", err)
	}
	if report.Snapshot.IsOnline || report.Snapshot.PendingCount != 1 {
		t.Errorf("unexpected offline status %+v", report.Snapshot)
	}
}

func TestFailedRetryDiscard(t *testing.T) {
	backend, srv := newFakeBackend(t)
	backend.setReject(true)
	path := writeConfig(t, srv.URL)

	if _, err := execute(t, "enqueue", "stock-receive", "--payload", stockPayload, "--config", path); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	_, err := execute(t, "sync", "--config", path)
	if err == nil || GetExitCode(err) != ExitFailure {
		t.Fatalf("expected sync failure, got %v", err)
	}

	out, err := execute(t, "status", "--probe=false", "--filter", "failed", "--config", path, "--format", "json")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("bad status output: %v", err)
	}
	if len(report.Operations) != 1 {
		t.Fatalf("expected 1 failed operation, got %+v", report.Operations)
	}
	op := report.Operations[0]
	if op.ErrorClass != "validation" || op.Retryable {
		t.Errorf("unexpected failure %+v", op)
	}

	out, err = execute(t, "retry", "--config", path)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !strings.Contains(out, "1 operation requeued") {
		t.Errorf("unexpected retry output %q", out)
	}

	if _, err := execute(t, "discard", op.ID, "--config", path); err != nil {
		t.Fatalf("discard failed: %v", err)
	}
	if _, err := execute(t, "discard", op.ID, "--config", path); err == nil {
		t.Error("expected error discarding twice")
	}

	backend.setReject(false)
	if _, err := execute(t, "sync", "--config", path); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if backend.count("stock_movements") != 0 {
		t.Error("discarded operation must never be sent")
	}
}

func TestPrune(t *testing.T) {
	_, srv := newFakeBackend(t)
	path := writeConfig(t, srv.URL)

	if _, err := execute(t, "enqueue", "stock-receive", "--payload", stockPayload, "--sync", "--config", path); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	out, err := execute(t, "prune", "--older-than", "0s", "--config", path)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if !strings.Contains(out, "1 operation pruned") {
		t.Errorf("unexpected prune output %q", out)
	}

	_, err = execute(t, "prune", "--status", "pending", "--config", path)
	if GetExitCode(err) != ExitCommandError {
		t.Errorf("expected command error pruning pending, got %v", err)
	}
	if _, err := execute(t, "prune", "--expired", "--config", path); err != nil {
		t.Errorf("prune --expired failed: %v", err)
	}
}

func TestInitRemoteNeedsLibSQL(t *testing.T) {
	_, srv := newFakeBackend(t)
	path := writeConfig(t, srv.URL)

	_, err := execute(t, "init-remote", "--config", path)
	if GetExitCode(err) != ExitCommandError {
		t.Errorf("expected command error on REST driver, got %v", err)
	}
}

func TestMissingConfigUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	out, err := execute(t, "status", "--probe=false", "--config", path, "--format", "json")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, `"pending_count": 0`) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestGetExitCode(t *testing.T) {
	if GetExitCode(nil) != ExitSuccess {
		t.Error("nil should map to success")
	}
	if GetExitCode(NewExitError(ExitCommandError, "bad")) != ExitCommandError {
		t.Error("ExitError code lost")
	}
	wrapped := WrapExitError(ExitFailure, "sync", http.ErrServerClosed)
	if !strings.Contains(wrapped.Error(), "sync: ") {
		t.Errorf("unexpected message %q", wrapped.Error())
	}
}
