// Package auth checks stream keys for publishers and subscribers and guards
// the admin API with basic authentication.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocast/livecast/internal/config"
	"github.com/gocast/livecast/internal/stream"
)

// KeyArgument is the stream argument carrying the stream key, as in
// rtmp://host/live/name?key=secret
const KeyArgument = "key"

var (
	ErrMissingKey = errors.New("stream key required")
	ErrInvalidKey = errors.New("invalid stream key")
	ErrLockedOut  = errors.New("too many failed attempts")
)

// Authenticator handles stream-key and admin authentication. Repeated
// failures from one client lock it out for the configured period.
type Authenticator struct {
	config       *config.Config
	failedLogins map[string]*loginAttempt
	mu           sync.RWMutex
	now          func() time.Time
}

// loginAttempt tracks failed login attempts
type loginAttempt struct {
	Count     int
	LastTry   time.Time
	LockedOut bool
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(cfg *config.Config) *Authenticator {
	return &Authenticator{
		config:       cfg,
		failedLogins: make(map[string]*loginAttempt),
		now:          time.Now,
	}
}

// SetConfig updates the authenticator's configuration (for hot-reload support)
func (a *Authenticator) SetConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = cfg
}

func (a *Authenticator) getConfig() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

func (a *Authenticator) limits() (int, time.Duration) {
	cfg := a.getConfig()
	maxAttempts := cfg.Auth.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	lockout := cfg.Auth.Lockout
	if lockout <= 0 {
		lockout = 5 * time.Minute
	}
	return maxAttempts, lockout
}

// ----------------------------------------------------------------------------
// Stream keys
// ----------------------------------------------------------------------------

type clientKey struct{}

// WithClient records the remote address of the connection on the context so
// failed attempts are counted per client.
func WithClient(ctx context.Context, addr string) context.Context {
	if addr == "" {
		return ctx
	}
	return context.WithValue(ctx, clientKey{}, addr)
}

func clientFrom(ctx context.Context, conn stream.ConnectionID) string {
	if addr, ok := ctx.Value(clientKey{}).(string); ok {
		return addr
	}
	return string(conn)
}

// AuthorizePublish checks the publish key configured for the path or its
// application. Paths without a configured key are open.
func (a *Authenticator) AuthorizePublish(ctx context.Context, path stream.StreamPath, conn stream.ConnectionID, args stream.StreamArguments) error {
	return a.authorizeKey(ctx, a.getConfig().Auth.PublishKeys, path, conn, args)
}

// AuthorizeSubscribe checks the subscribe key configured for the path or
// its application. Paths without a configured key are open.
func (a *Authenticator) AuthorizeSubscribe(ctx context.Context, path stream.StreamPath, conn stream.ConnectionID, args stream.StreamArguments) error {
	return a.authorizeKey(ctx, a.getConfig().Auth.SubscribeKeys, path, conn, args)
}

func (a *Authenticator) authorizeKey(ctx context.Context, keys map[string]string, path stream.StreamPath, conn stream.ConnectionID, args stream.StreamArguments) error {
	expected, ok := lookupKey(keys, path)
	if !ok {
		return nil
	}

	client := clientFrom(ctx, conn)
	if a.isLockedOut(client) {
		return fmt.Errorf("%s: %w", client, ErrLockedOut)
	}

	presented := args[KeyArgument]
	if presented == "" {
		a.recordFailedAttempt(client)
		return ErrMissingKey
	}
	if !secureCompare(presented, expected) {
		a.recordFailedAttempt(client)
		return ErrInvalidKey
	}

	a.clearFailedAttempts(client)
	return nil
}

// lookupKey prefers a key for the exact path over one for its application
func lookupKey(keys map[string]string, path stream.StreamPath) (string, bool) {
	if key, ok := keys[path.String()]; ok && key != "" {
		return key, true
	}
	if key, ok := keys["/"+path.App()]; ok && key != "" {
		return key, true
	}
	return "", false
}

// ----------------------------------------------------------------------------
// Lockout
// ----------------------------------------------------------------------------

// isLockedOut checks if a client is locked out due to failed attempts
func (a *Authenticator) isLockedOut(client string) bool {
	_, lockout := a.limits()

	a.mu.RLock()
	defer a.mu.RUnlock()

	attempt, exists := a.failedLogins[client]
	if !exists || !attempt.LockedOut {
		return false
	}
	return a.now().Sub(attempt.LastTry) <= lockout
}

// recordFailedAttempt records a failed login attempt
func (a *Authenticator) recordFailedAttempt(client string) {
	maxAttempts, lockout := a.limits()

	a.mu.Lock()
	defer a.mu.Unlock()

	attempt, exists := a.failedLogins[client]
	if !exists {
		attempt = &loginAttempt{}
		a.failedLogins[client] = attempt
	}

	// Reset count if last attempt was long ago
	if a.now().Sub(attempt.LastTry) > lockout {
		attempt.Count = 0
		attempt.LockedOut = false
	}

	attempt.Count++
	attempt.LastTry = a.now()

	if attempt.Count >= maxAttempts {
		attempt.LockedOut = true
	}
}

func (a *Authenticator) clearFailedAttempts(client string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failedLogins, client)
}

// CleanupExpired removes expired lockout entries
func (a *Authenticator) CleanupExpired() {
	_, lockout := a.limits()

	a.mu.Lock()
	defer a.mu.Unlock()

	for client, attempt := range a.failedLogins {
		if a.now().Sub(attempt.LastTry) > lockout*2 {
			delete(a.failedLogins, client)
		}
	}
}

// RunCleanup periodically removes expired entries until ctx is done
func (a *Authenticator) RunCleanup(ctx context.Context) error {
	_, lockout := a.limits()
	ticker := time.NewTicker(lockout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.CleanupExpired()
		}
	}
}

// ----------------------------------------------------------------------------
// Admin
// ----------------------------------------------------------------------------

// Authenticate checks admin basic-auth credentials from an HTTP request
func (a *Authenticator) Authenticate(r *http.Request) bool {
	clientIP := getClientIP(r)
	if a.isLockedOut(clientIP) {
		return false
	}

	username, password, ok := r.BasicAuth()
	if ok && a.validateAdminCredentials(username, password) {
		a.clearFailedAttempts(clientIP)
		return true
	}

	a.recordFailedAttempt(clientIP)
	return false
}

func (a *Authenticator) validateAdminCredentials(username, password string) bool {
	cfg := a.getConfig()
	if cfg.Admin.Password == "" {
		return false
	}
	return secureCompare(username, cfg.Admin.User) &&
		secureCompare(password, cfg.Admin.Password)
}

// RequireAuth is an HTTP middleware that requires admin credentials
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="livecast admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare performs a constant-time string comparison
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
