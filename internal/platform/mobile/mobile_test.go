package mobile

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/koncoweb/zeger-app-sub003/internal/status"
)

type listener struct {
	mu    sync.Mutex
	snaps []status.Snapshot
}

func (l *listener) OnStatus(s string) {
	var snap status.Snapshot
	if err := json.Unmarshal([]byte(s), &snap); err != nil {
		panic(err)
	}
	l.mu.Lock()
	l.snaps = append(l.snaps, snap)
	l.mu.Unlock()
}

func (l *listener) last() status.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snaps[len(l.snaps)-1]
}

func newBackend(t *testing.T) (*httptest.Server, func() int) {
	t.Helper()
	var mu sync.Mutex
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/rest/v1/") {
			mu.Lock()
			posts++
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`[{}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return posts
	}
}

func TestNewSyncClientRequiresDataDir(t *testing.T) {
	if _, err := NewSyncClient(&Config{}); err == nil {
		t.Fatal("expected error for missing DataDir")
	}
	if _, err := NewSyncClient(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestSyncClientFlow(t *testing.T) {
	srv, posts := newBackend(t)
	c, err := NewSyncClient(&Config{
		DataDir:   t.TempDir(),
		DeviceID:  "rider-phone",
		RemoteURL: srv.URL,
		APIKey:    "anon",
		LogLevel:  "error",
	})
	if err != nil {
		t.Fatalf("NewSyncClient failed: %v", err)
	}
	defer c.Close()

	l := &listener{}
	c.SetStatusListener(l)
	if l.last().IsOnline {
		t.Error("expected offline until the host reports network")
	}

	id, err := c.Enqueue("stock-receive", `{"rider_id":"r1","product_id":"kopi","movement_type":"in","quantity":4}`)
	if err != nil || id == "" {
		t.Fatalf("Enqueue = %q, %v", id, err)
	}
	if _, err := c.Enqueue("refund", `{}`); err == nil {
		t.Error("expected unknown kind error")
	}
	if _, err := c.Enqueue("stock_receive", `{"quantity":0}`); err == nil {
		t.Error("expected payload validation error")
	}
	if l.last().PendingCount != 1 {
		t.Errorf("pending = %d", l.last().PendingCount)
	}

	if _, err := c.SyncNow(5); err == nil {
		t.Error("expected offline error")
	}

	c.SetNetwork(true, "wifi")
	out, err := c.SyncNow(5)
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	var summary status.SessionSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("bad summary JSON: %v", err)
	}
	if summary.Total != 1 || summary.Succeeded != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if n := posts(); n != 1 {
		t.Errorf("expected 1 remote write, got %d", n)
	}

	var snap status.Snapshot
	if err := json.Unmarshal([]byte(c.GetStatus()), &snap); err != nil {
		t.Fatalf("bad status JSON: %v", err)
	}
	if !snap.IsOnline || snap.Transport != "wifi" || snap.SucceededCount != 1 {
		t.Errorf("unexpected status %+v", snap)
	}
	if c.DeviceID() != "rider-phone" {
		t.Errorf("device id = %s", c.DeviceID())
	}
}

func TestSyncClientLifecycle(t *testing.T) {
	srv, _ := newBackend(t)
	c, err := NewSyncClient(&Config{DataDir: t.TempDir(), RemoteURL: srv.URL, LogLevel: "error"})
	if err != nil {
		t.Fatalf("NewSyncClient failed: %v", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("second Start should be a no-op: %v", err)
	}
	c.Foreground()
	if n, err := c.RetryFailed(); err != nil || n != 0 {
		t.Errorf("RetryFailed = %d, %v", n, err)
	}
	if err := c.Discard("missing"); err == nil {
		t.Error("expected not found")
	}
	c.ClearErrors()
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}
