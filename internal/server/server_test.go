package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocast/livecast/internal/config"
	"github.com/gocast/livecast/internal/events"
	"github.com/gocast/livecast/internal/logging"
	"github.com/gocast/livecast/internal/stats"
	"github.com/gocast/livecast/internal/stream"
)

type fakeService struct {
	mu           sync.Mutex
	streams      []stream.StreamInfo
	disconnected []stream.ConnectionID
}

func (f *fakeService) Streams() []stream.StreamInfo {
	return f.streams
}

func (f *fakeService) Stream(path stream.StreamPath) (stream.StreamInfo, bool) {
	for _, info := range f.streams {
		if info.Path == path {
			return info, true
		}
	}
	return stream.StreamInfo{}, false
}

func (f *fakeService) Disconnect(_ context.Context, conn stream.ConnectionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, conn)
	return nil
}

var testBus = events.NewBus(8, "test")

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeService, *logging.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Admin.Password = "secret"
	if mutate != nil {
		mutate(cfg)
	}

	svc := &fakeService{streams: []stream.StreamInfo{{
		Path:          "/live/alpha",
		Publisher:     "pub-1",
		BytesReceived: 2048,
		Subscribers: []stream.SubscriberStats{
			{ConnectionID: "sub-1"},
			{ConnectionID: "sub-2"},
		},
	}}}
	logs := logging.NewBuffer(10)
	srv := New(Options{
		Config:   cfg,
		Service:  svc,
		Recorder: stats.New(),
		Logs:     logs,
		Events:   testBus,
		Logger:   logging.Discard(),
	})
	return srv, svc, logs
}

func do(t *testing.T, h http.Handler, method, target string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.10:1234"
	if authed {
		req.SetBasicAuth("admin", "secret")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := do(t, h, "GET", "/healthz", false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, "GET", "/metrics", false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "livecast_active_subscribers") {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestAPIRequiresCredentials(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.Handler()

	if rec := do(t, h, "GET", "/api/streams", false); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d, want 401", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/streams", true); rec.Code != http.StatusOK {
		t.Errorf("authenticated = %d, want 200", rec.Code)
	}
}

func TestAPIAccessModes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   int
	}{
		{"disabled", func(c *config.Config) { c.Admin.Enabled = false }, http.StatusForbidden},
		{"no password configured", func(c *config.Config) { c.Admin.Password = "" }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newTestServer(t, tt.mutate)
			if rec := do(t, srv.Handler(), "GET", "/api/streams", false); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSetConfigAppliesAdminChanges(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.Handler()

	cfg := config.DefaultConfig()
	cfg.Admin.Password = "rotated"
	srv.SetConfig(cfg)

	if rec := do(t, h, "GET", "/api/streams", true); rec.Code != http.StatusUnauthorized {
		t.Errorf("old password still accepted: %d", rec.Code)
	}
}

func TestListStreams(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := do(t, srv.Handler(), "GET", "/api/streams", true)

	var body struct {
		Streams []StreamSummary `json:"streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Streams) != 1 {
		t.Fatalf("streams = %+v", body.Streams)
	}
	got := body.Streams[0]
	if got.Path != "/live/alpha" || got.Subscribers != 2 || got.BytesIn != "2.00 KiB" {
		t.Errorf("summary = %+v", got)
	}
}

func TestGetStream(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.Handler()

	tests := []struct {
		target string
		want   int
	}{
		{"/api/streams/live/alpha", http.StatusOK},
		{"/api/streams/live/missing", http.StatusNotFound},
		{"/api/streams/live", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := do(t, h, "GET", tt.target, true)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusOK {
				var info stream.StreamInfo
				json.Unmarshal(rec.Body.Bytes(), &info)
				if info.Publisher != "pub-1" || len(info.Subscribers) != 2 {
					t.Errorf("info = %+v", info)
				}
			}
		})
	}
}

func TestKillStream(t *testing.T) {
	srv, svc, _ := newTestServer(t, nil)

	rec := do(t, srv.Handler(), "DELETE", "/api/streams/live/alpha", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(svc.disconnected) != 1 || svc.disconnected[0] != "pub-1" {
		t.Errorf("disconnected = %v", svc.disconnected)
	}
}

func TestLogs(t *testing.T) {
	srv, _, logs := newTestServer(t, nil)
	for _, msg := range []string{"one", "two", "three"} {
		logs.Add(logging.Entry{Level: "info", Message: msg})
	}
	h := srv.Handler()

	decode := func(rec *httptest.ResponseRecorder) []logging.Entry {
		var body struct {
			Entries []logging.Entry `json:"entries"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body.Entries
	}

	if got := decode(do(t, h, "GET", "/api/logs?n=2", true)); len(got) != 2 || got[1].Message != "three" {
		t.Errorf("n=2 = %+v", got)
	}
	if got := decode(do(t, h, "GET", "/api/logs?since=1", true)); len(got) != 2 || got[0].Message != "two" {
		t.Errorf("since=1 = %+v", got)
	}
	if rec := do(t, h, "GET", "/api/logs?n=abc", true); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid n = %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	srv, _, logs := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event: "))
			}
		}
	}

	if ev := readEvent(); ev != "stats" {
		t.Fatalf("first event = %q, want stats", ev)
	}
	logs.Add(logging.Entry{Level: "info", Message: "hello"})
	for {
		if ev := readEvent(); ev == "log" {
			break
		}
	}

	testBus.OnPublish(ctx, &stream.PublishContext{Path: "/live/beta", ConnectionID: "pub-2"})
	for {
		if ev := readEvent(); ev == "stream" {
			break
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, _, _ := newTestServer(t, func(c *config.Config) {
		c.Server.ListenAddress = "127.0.0.1"
		c.Server.AdminPort = 0
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFailsWithoutCertificates(t *testing.T) {
	srv, _, _ := newTestServer(t, func(c *config.Config) {
		c.SSL.Enabled = true
		c.SSL.CertPath = "/nonexistent/cert.pem"
		c.SSL.KeyPath = "/nonexistent/key.pem"
	})
	if err := srv.Run(context.Background()); err == nil {
		t.Error("Run succeeded with missing certificates")
	}
}

func TestAutoSSLRedirect(t *testing.T) {
	manager, err := NewAutoSSLManager("stream.example.com", "", t.TempDir(), logging.Discard())
	if err != nil {
		t.Fatalf("NewAutoSSLManager: %v", err)
	}
	if _, err := NewAutoSSLManager("localhost", "", t.TempDir(), nil); err == nil {
		t.Error("localhost accepted")
	}
	if manager.CertificateExists() {
		t.Error("empty cache reports a certificate")
	}

	req := httptest.NewRequest("GET", "http://stream.example.com:80/api/streams?x=1", nil)
	rec := httptest.NewRecorder()
	manager.RedirectHTTPToHTTPS(8443).ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://stream.example.com:8443/api/streams?x=1" {
		t.Errorf("Location = %q", loc)
	}
}
