package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocast/livecast/internal/config"
	"github.com/gocast/livecast/internal/stream"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Auth.PublishKeys = map[string]string{
		"/live":       "app-key",
		"/live/alpha": "alpha-key",
	}
	cfg.Auth.SubscribeKeys = map[string]string{"/private": "viewer-key"}
	cfg.Auth.MaxAttempts = 3
	cfg.Auth.Lockout = time.Minute
	cfg.Admin.User = "admin"
	cfg.Admin.Password = "hackme"
	return cfg
}

func TestAuthorizePublish(t *testing.T) {
	tests := []struct {
		name    string
		path    stream.StreamPath
		key     string
		wantErr error
	}{
		{"exact path key", "/live/alpha", "alpha-key", nil},
		{"app key does not open a path with its own key", "/live/alpha", "app-key", ErrInvalidKey},
		{"app key", "/live/beta", "app-key", nil},
		{"wrong key", "/live/beta", "nope", ErrInvalidKey},
		{"missing key", "/live/beta", "", ErrMissingKey},
		{"open application", "/open/anything", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAuthenticator(testConfig())
			args := stream.StreamArguments{}
			if tt.key != "" {
				args[KeyArgument] = tt.key
			}
			err := a.AuthorizePublish(context.Background(), tt.path, "conn-1", args)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("AuthorizePublish = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthorizeSubscribe(t *testing.T) {
	a := NewAuthenticator(testConfig())
	ctx := context.Background()

	if err := a.AuthorizeSubscribe(ctx, "/live/alpha", "v1", nil); err != nil {
		t.Errorf("public path rejected: %v", err)
	}
	if err := a.AuthorizeSubscribe(ctx, "/private/show", "v1", nil); !errors.Is(err, ErrMissingKey) {
		t.Errorf("private path without key = %v", err)
	}
	args := stream.StreamArguments{KeyArgument: "viewer-key"}
	if err := a.AuthorizeSubscribe(ctx, "/private/show", "v1", args); err != nil {
		t.Errorf("private path with key = %v", err)
	}
}

func TestLockout(t *testing.T) {
	a := NewAuthenticator(testConfig())
	now := time.Unix(1000, 0)
	a.now = func() time.Time { return now }

	ctx := WithClient(context.Background(), "203.0.113.7")
	bad := stream.StreamArguments{KeyArgument: "guess"}
	good := stream.StreamArguments{KeyArgument: "app-key"}

	for i := 0; i < 3; i++ {
		a.AuthorizePublish(ctx, "/live/x", stream.ConnectionID("c"), bad)
	}

	// A fresh connection from the same client is still locked out
	if err := a.AuthorizePublish(ctx, "/live/x", "other", good); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("after max attempts = %v, want ErrLockedOut", err)
	}

	// Another client is unaffected
	other := WithClient(context.Background(), "198.51.100.1")
	if err := a.AuthorizePublish(other, "/live/x", "c2", good); err != nil {
		t.Errorf("unrelated client rejected: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if err := a.AuthorizePublish(ctx, "/live/x", "c", good); err != nil {
		t.Errorf("after lockout expiry = %v", err)
	}

	a.recordFailedAttempt("stale")
	now = now.Add(5 * time.Minute)
	a.CleanupExpired()
	if _, ok := a.failedLogins["stale"]; ok {
		t.Error("expired entry survived cleanup")
	}
}

func TestSetConfig(t *testing.T) {
	a := NewAuthenticator(testConfig())
	args := stream.StreamArguments{KeyArgument: "rotated"}

	if err := a.AuthorizePublish(context.Background(), "/live/beta", "c", args); err == nil {
		t.Fatal("rotated key accepted before reload")
	}

	cfg := testConfig()
	cfg.Auth.PublishKeys["/live"] = "rotated"
	a.SetConfig(cfg)

	if err := a.AuthorizePublish(context.Background(), "/live/beta", "c", args); err != nil {
		t.Errorf("rotated key rejected after reload: %v", err)
	}
}

func TestRequireAuth(t *testing.T) {
	a := NewAuthenticator(testConfig())
	handler := a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		user, pass string
		basic      bool
		want       int
	}{
		{"valid", "admin", "hackme", true, http.StatusNoContent},
		{"wrong password", "admin", "nope", true, http.StatusUnauthorized},
		{"no credentials", "", "", false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/streams", nil)
			req.RemoteAddr = "192.0.2.1:5555"
			if tt.basic {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestEmptyAdminPasswordNeverAuthenticates(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.Password = ""
	a := NewAuthenticator(cfg)

	req := httptest.NewRequest("GET", "/", nil)
	req.SetBasicAuth("admin", "")
	if a.Authenticate(req) {
		t.Error("empty password authenticated")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1"}, "10.0.0.2:1", "203.0.113.1"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.2"}, "10.0.0.2:1", "203.0.113.2"},
		{"remote addr", nil, "192.0.2.9:4321", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
