package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/crypto/acme/autocert"
)

// AutoSSLManager handles automatic certificates for the admin API via
// Let's Encrypt
type AutoSSLManager struct {
	manager  *autocert.Manager
	hostname string
	cacheDir string
	logger   *slog.Logger
}

// NewAutoSSLManager creates a new AutoSSL manager
func NewAutoSSLManager(hostname, email, cacheDir string, logger *slog.Logger) (*AutoSSLManager, error) {
	if hostname == "" || hostname == "localhost" {
		return nil, fmt.Errorf("AutoSSL requires a valid public hostname")
	}

	if logger == nil {
		logger = slog.Default()
	}

	if cacheDir == "" {
		cacheDir = "/var/lib/livecast/certs"
	}

	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate cache directory: %w", err)
	}

	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(hostname),
		Cache:      autocert.DirCache(cacheDir),
		Email:      email,
	}

	return &AutoSSLManager{
		manager:  m,
		hostname: hostname,
		cacheDir: cacheDir,
		logger:   logger,
	}, nil
}

// TLSConfig returns a TLS configuration that obtains certificates on demand
func (a *AutoSSLManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: a.manager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
	}
}

// CertificateExists checks if a certificate already exists in the cache
func (a *AutoSSLManager) CertificateExists() bool {
	_, err := os.Stat(filepath.Join(a.cacheDir, a.hostname))
	return err == nil
}

// PreloadCertificate obtains a certificate before the HTTPS listener starts
func (a *AutoSSLManager) PreloadCertificate(ctx context.Context) error {
	a.logger.Info("obtaining certificate", "hostname", a.hostname)

	hello := (&tls.ClientHelloInfo{ServerName: a.hostname}).WithContext(ctx)
	if _, err := a.manager.GetCertificate(hello); err != nil {
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}

	a.logger.Info("certificate obtained", "hostname", a.hostname)
	return nil
}

// RedirectHTTPToHTTPS answers ACME HTTP-01 challenges and redirects all
// other plain HTTP traffic to HTTPS
func (a *AutoSSLManager) RedirectHTTPToHTTPS(httpsPort int) http.Handler {
	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		target := fmt.Sprintf("https://%s", host)
		if httpsPort != 443 {
			target = fmt.Sprintf("https://%s:%d", host, httpsPort)
		}
		target += r.URL.RequestURI()

		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})

	return a.manager.HTTPHandler(redirect)
}

// ChallengeServer returns the HTTP server on port 80 that serves ACME
// challenges. The caller runs and shuts it down.
func (a *AutoSSLManager) ChallengeServer(httpsPort int) *http.Server {
	return &http.Server{
		Addr:              ":80",
		Handler:           a.RedirectHTTPToHTTPS(httpsPort),
		ReadHeaderTimeout: defaultHeaderTimeout,
	}
}
