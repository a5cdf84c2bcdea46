// Package server implements the admin HTTP surface for serve mode: a
// trigger endpoint requesting an immediate pass, a liveness probe, and a
// status endpoint reporting the last completed pass. Triggered passes are
// still full tree walks; the server only decides when a pass runs, never
// what it does.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/czernalex/dirsyncd/internal/config"
	"github.com/czernalex/dirsyncd/internal/sync"
)

// Runner executes one reconciliation pass.
type Runner interface {
	RunPass(ctx context.Context) (sync.Stats, error)
}

// PassResult records the outcome of the most recent completed pass.
type PassResult struct {
	Stats       sync.Stats `json:"stats"`
	CompletedAt time.Time  `json:"completed_at"`
	DurationMS  int64      `json:"duration_ms"`
}

// Server is the admin HTTP server
type Server struct {
	cfg    *config.Config
	runner Runner
	logger zerolog.Logger
	secret []byte

	passMu      gosync.Mutex // guards passRunning and passPending
	passRunning bool         // whether a pass is currently in progress
	passPending bool         // whether another pass is needed after the current one

	stateMu gosync.Mutex // guards last
	last    *PassResult

	debounce *debouncer
	fatal    chan error
}

// debouncer coalesces bursts of trigger requests
type debouncer struct {
	mu       gosync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new admin server
func NewServer(cfg *config.Config, runner Runner, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		fatal:  make(chan error, 1),
	}

	// Load the trigger secret when configured; without one the trigger
	// endpoint accepts unsigned requests.
	if cfg.Serve.TriggerSecretFile != "" {
		secret, err := os.ReadFile(cfg.Serve.TriggerSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read trigger secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
	}

	s.debounce = &debouncer{
		delay: 2 * time.Second,
	}

	return s, nil
}

// Start serves the admin endpoints until the context is canceled or a
// triggered pass fails. ln may be a systemd-activated listener; when nil
// the configured address is bound directly.
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync", s.handleTrigger)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)

	httpServer := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if ln != nil {
			s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin server starting on activated socket")
			err = httpServer.Serve(ln)
		} else {
			s.logger.Info().Str("addr", s.cfg.Serve.ListenAddr).Msg("admin server starting")
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down admin server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	case err := <-s.fatal:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return err
	}
}

// SyncNow runs one pass with single-flight semantics. When a pass is
// already in progress, at most one additional run is queued; further
// concurrent requests are dropped. Passes therefore never overlap.
func (s *Server) SyncNow(ctx context.Context) error {
	s.passMu.Lock()
	if s.passRunning {
		s.passPending = true
		s.passMu.Unlock()
		s.logger.Info().Msg("pass already in progress, queuing pending re-run")
		return nil
	}
	s.passRunning = true
	s.passMu.Unlock()

	for {
		start := time.Now()
		stats, err := s.runner.RunPass(ctx)
		if err != nil {
			s.passMu.Lock()
			s.passRunning = false
			s.passPending = false
			s.passMu.Unlock()
			return err
		}

		s.recordPass(stats, time.Since(start))

		s.passMu.Lock()
		if s.passPending {
			s.passPending = false
			s.passMu.Unlock()
			continue
		}
		s.passRunning = false
		s.passMu.Unlock()
		return nil
	}
}

// Last returns the most recent completed pass, or nil before the first one.
func (s *Server) Last() *PassResult {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.last
}

func (s *Server) recordPass(stats sync.Stats, elapsed time.Duration) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.last = &PassResult{
		Stats:       stats,
		CompletedAt: time.Now(),
		DurationMS:  elapsed.Milliseconds(),
	}
}

// handleTrigger requests an immediate pass
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read request body")
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if len(s.secret) > 0 {
		signature := r.Header.Get("X-Sync-Signature-256")
		if !s.verifySignature(body, signature) {
			s.logger.Warn().Msg("rejecting trigger with invalid signature")
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("sync trigger accepted")

	s.debounce.trigger(func() {
		if err := s.SyncNow(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("triggered pass failed")
			select {
			case s.fatal <- err:
			default:
			}
		}
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync scheduled\n")
}

// handleHealthz reports liveness
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ok\n")
}

// handleStatus reports the last completed pass
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	last := s.Last()
	if last == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "{}\n")
		return
	}

	if err := json.NewEncoder(w).Encode(last); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode status")
	}
}

// verifySignature verifies the HMAC-SHA256 request signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// trigger schedules the callback after the debounce delay, restarting the
// timer when called again within the window.
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}
