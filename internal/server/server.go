// Package server exposes the livecast admin and monitoring HTTP API
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gocast/livecast/internal/auth"
	"github.com/gocast/livecast/internal/config"
	"github.com/gocast/livecast/internal/events"
	"github.com/gocast/livecast/internal/logging"
	"github.com/gocast/livecast/internal/stats"
	"github.com/gocast/livecast/internal/stream"
)

// Version is reported by /healthz
var Version = "dev"

const (
	defaultHeaderTimeout = 5 * time.Second
	shutdownTimeout      = 10 * time.Second
	eventsInterval       = time.Second
)

// StreamService is the part of stream.Service the admin API reads from
type StreamService interface {
	Streams() []stream.StreamInfo
	Stream(path stream.StreamPath) (stream.StreamInfo, bool)
	Disconnect(ctx context.Context, conn stream.ConnectionID) error
}

// Options wires the admin server to the rest of the process
type Options struct {
	Config   *config.Config
	Service  StreamService
	Recorder *stats.Recorder
	Logs     *logging.Buffer
	Events   *events.Bus
	Auth     *auth.Authenticator
	Logger   *slog.Logger
}

// Server is the admin HTTP server
type Server struct {
	service  StreamService
	recorder *stats.Recorder
	logs     *logging.Buffer
	events   *events.Bus
	auth     *auth.Authenticator
	logger   *slog.Logger

	startTime time.Time

	mu     sync.RWMutex
	config *config.Config
}

// New creates the admin server
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = stats.New()
	}
	logs := opts.Logs
	if logs == nil {
		logs = logging.NewBuffer(0)
	}
	authenticator := opts.Auth
	if authenticator == nil {
		authenticator = auth.NewAuthenticator(opts.Config)
	}

	return &Server{
		service:   opts.Service,
		recorder:  recorder,
		logs:      logs,
		events:    opts.Events,
		auth:      authenticator,
		logger:    logger,
		startTime: time.Now(),
		config:    opts.Config,
	}
}

// SetConfig applies a reloaded configuration. Listener addresses only
// change on restart.
func (s *Server) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	s.auth.SetConfig(cfg)
}

func (s *Server) getConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Handler returns the admin API router
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.recorder.Handler())

	api := http.NewServeMux()
	api.HandleFunc("GET /api/streams", s.handleListStreams)
	api.HandleFunc("GET /api/streams/{path...}", s.handleGetStream)
	api.HandleFunc("DELETE /api/streams/{path...}", s.handleKillStream)
	api.HandleFunc("GET /api/stats", s.handleStats)
	api.HandleFunc("GET /api/logs", s.handleLogs)
	api.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("/api/", s.requireAdmin(api))

	return s.logRequests(mux)
}

// requireAdmin rejects API calls when the admin API is disabled and asks
// for credentials when an admin password is set
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	protected := s.auth.RequireAuth(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.getConfig()
		if !cfg.Admin.Enabled {
			http.Error(w, "Admin interface disabled", http.StatusForbidden)
			return
		}
		if cfg.Admin.Password == "" {
			next.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		s.logger.Debug("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr)
	})
}

// ----------------------------------------------------------------------------
// Handlers
// ----------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"uptime":  stats.FormatDuration(time.Since(s.startTime)),
	})
}

// StreamSummary is one entry of GET /api/streams
type StreamSummary struct {
	Path        stream.StreamPath   `json:"path"`
	Publisher   stream.ConnectionID `json:"publisher"`
	PublishedAt time.Time           `json:"published_at"`
	Subscribers int                 `json:"subscribers"`
	BytesIn     string              `json:"bytes_received"`
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	infos := s.service.Streams()
	summaries := make([]StreamSummary, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, StreamSummary{
			Path:        info.Path,
			Publisher:   info.Publisher,
			PublishedAt: info.PublishedAt,
			Subscribers: len(info.Subscribers),
			BytesIn:     stats.FormatBytes(info.BytesReceived),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": summaries})
}

func (s *Server) streamFromRequest(w http.ResponseWriter, r *http.Request) (stream.StreamInfo, bool) {
	path, _, err := stream.ParsePath("/" + r.PathValue("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return stream.StreamInfo{}, false
	}
	info, ok := s.service.Stream(path)
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return stream.StreamInfo{}, false
	}
	return info, true
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	if info, ok := s.streamFromRequest(w, r); ok {
		writeJSON(w, http.StatusOK, info)
	}
}

// handleKillStream disconnects the publisher of a stream
func (s *Server) handleKillStream(w http.ResponseWriter, r *http.Request) {
	info, ok := s.streamFromRequest(w, r)
	if !ok {
		return
	}
	if err := s.service.Disconnect(r.Context(), info.Publisher); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("publisher disconnected by admin", "stream_path", info.Path, "connection_id", info.Publisher)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recorder.Snapshot())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if since := r.URL.Query().Get("since"); since != "" {
		id, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": s.logs.Since(id)})
		return
	}

	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid n")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.logs.Recent(n)})
}

// handleEvents streams stats snapshots, stream lifecycle events and new
// log entries as Server-Sent Events until the client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	logs := s.logs.Subscribe()
	defer s.logs.Unsubscribe(logs)

	var lifecycle <-chan events.Event
	if s.events != nil {
		sub := s.events.Subscribe()
		defer sub.Close()
		lifecycle = sub.Events()
	}

	s.sendSSE(w, flusher, "stats", s.recorder.Snapshot())

	ticker := time.NewTicker(eventsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry := <-logs:
			s.sendSSE(w, flusher, "log", entry)
		case ev := <-lifecycle:
			s.sendSSE(w, flusher, "stream", ev)
		case <-ticker.C:
			s.sendSSE(w, flusher, "stats", s.recorder.Snapshot())
		}
	}
}

func (s *Server) sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// ----------------------------------------------------------------------------
// Listeners
// ----------------------------------------------------------------------------

// Run serves the admin API on the configured port, plus HTTPS (and the ACME
// challenge listener for AutoSSL) when enabled, until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.getConfig()
	handler := s.Handler()

	servers := []*http.Server{{
		Addr:              net.JoinHostPort(cfg.Server.ListenAddress, strconv.Itoa(cfg.Server.AdminPort)),
		Handler:           handler,
		ReadHeaderTimeout: headerTimeout(cfg),
		MaxHeaderBytes:    1 << 20,
	}}
	tlsServers := map[*http.Server]bool{}

	if cfg.SSL.Enabled || cfg.SSL.AutoSSL {
		tlsConfig, challenge, err := s.tlsConfig(ctx, cfg)
		if err != nil {
			return err
		}
		https := &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.ListenAddress, strconv.Itoa(cfg.SSL.Port)),
			Handler:           handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: headerTimeout(cfg),
			MaxHeaderBytes:    1 << 20,
		}
		servers = append(servers, https)
		tlsServers[https] = true
		if challenge != nil {
			servers = append(servers, challenge)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			s.logger.Info("admin listener starting", "addr", srv.Addr, "tls", tlsServers[srv])
			var err error
			if tlsServers[srv] {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		s.logger.Info("admin listeners stopped")
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (s *Server) tlsConfig(ctx context.Context, cfg *config.Config) (*tls.Config, *http.Server, error) {
	if cfg.SSL.AutoSSL {
		manager, err := NewAutoSSLManager(cfg.Server.Hostname, cfg.SSL.AutoSSLEmail, cfg.SSL.CacheDir, s.logger)
		if err != nil {
			return nil, nil, err
		}
		challenge := manager.ChallengeServer(cfg.SSL.Port)
		if !manager.CertificateExists() {
			go func() {
				if err := manager.PreloadCertificate(ctx); err != nil {
					s.logger.Warn("certificate preload failed, retrying on first handshake", "error", err)
				}
			}()
		}
		return manager.TLSConfig(), challenge, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.SSL.CertPath, cfg.SSL.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load SSL certificates: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil, nil
}

func headerTimeout(cfg *config.Config) time.Duration {
	if cfg.Limits.HeaderTimeout > 0 {
		return cfg.Limits.HeaderTimeout
	}
	return defaultHeaderTimeout
}
