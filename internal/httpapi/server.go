// Package httpapi exposes the tick trigger endpoint for the external
// scheduler, plus a health probe.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"stridebot/internal/engine"
	logx "stridebot/pkg/logx"
)

// Ticker runs one delivery batch.
type Ticker interface {
	Tick(ctx context.Context) (engine.TickReport, error)
}

type Config struct {
	Addr string
	// Secret authenticates the external scheduler. Compared against the
	// X-Tick-Secret header or the `token` query parameter. Empty disables
	// the check (local development only).
	Secret string
}

type Server struct {
	cfg    Config
	log    logx.Logger
	ticker Ticker
	srv    *http.Server

	// inFlight makes overlapping trigger invocations cheap: the second
	// caller gets a fast 409 instead of a second concurrent batch. The
	// engine tolerates overlap anyway; this just keeps the external
	// scheduler's own timeout from piling up work.
	inFlight atomic.Bool
}

func New(cfg Config, ticker Ticker, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8090"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, log: log, ticker: ticker}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/tick", s.handleTick)
	r.Post("/tick", s.handleTick)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // a catch-up batch can be slow
		IdleTimeout:  time.Minute,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Start() {
	go func() {
		s.log.Info("trigger endpoint listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("trigger endpoint failed", logx.Err(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) authorized(r *http.Request) bool {
	secret := strings.TrimSpace(s.cfg.Secret)
	if secret == "" {
		return true
	}
	for _, got := range []string{r.Header.Get("X-Tick-Secret"), r.URL.Query().Get("token")} {
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "stridebot"})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "forbidden"})
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": "tick in progress"})
		return
	}
	defer s.inFlight.Store(false)

	rep, err := s.ticker.Tick(r.Context())
	if err != nil {
		s.log.Error("tick failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error(), "report": rep})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "report": rep})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
