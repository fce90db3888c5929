// Package server wires the HTTP surface: the OpenAI-compatible proxy routes,
// the management API and the debug endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/engine"
	"github.com/codexlb/codex-lb/internal/events"
	"github.com/codexlb/codex-lb/internal/logbuf"
	"github.com/codexlb/codex-lb/internal/proxy"
	"github.com/codexlb/codex-lb/internal/sticky"
	"github.com/codexlb/codex-lb/internal/store"
	"github.com/codexlb/codex-lb/internal/transport"
	"github.com/codexlb/codex-lb/internal/usage"
)

// Server is the main HTTP server.
type Server struct {
	cfg          *config.Config
	accounts     *account.Store
	opdb         *store.OperationalDB
	eng          *engine.Engine
	tokens       *account.TokenManager
	pipeline     *proxy.Pipeline
	refresher    *usage.Refresher
	logs         *logbuf.Buffer
	stickyStore  sticky.Store
	transportMgr *transport.Manager
	bus          *events.Bus
	logHandler   *events.LogHandler
	httpServer   *http.Server
	startTime    time.Time
}

func New(cfg *config.Config, accounts *account.Store, opdb *store.OperationalDB,
	crypto *account.Crypto, tm *transport.Manager, bus *events.Bus, lh *events.LogHandler) *Server {

	tokens := account.NewTokenManager(accounts, cfg, tm)
	eng := engine.New(accounts, opdb, cfg, bus)

	var st sticky.Store
	if cfg.StickyBackend == "db" {
		st = sticky.NewDBStore(opdb)
	} else {
		st = sticky.NewMemoryStore()
	}

	var logs *logbuf.Buffer
	if cfg.LogBufferEnabled {
		logs = logbuf.New(opdb)
	}

	pipeline := proxy.New(eng, accounts, tokens, st, crypto, tm, logs, cfg)
	refresher := usage.NewRefresher(accounts, tokens, eng, opdb, cfg, bus, tm)

	srv := &Server{
		cfg:          cfg,
		accounts:     accounts,
		opdb:         opdb,
		eng:          eng,
		tokens:       tokens,
		pipeline:     pipeline,
		refresher:    refresher,
		logs:         logs,
		stickyStore:  st,
		transportMgr: tm,
		bus:          bus,
		logHandler:   lh,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0, // streaming responses have no deadline
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.authenticate

	// Proxy endpoints (authenticated)
	mux.Handle("POST /v1/responses", auth(http.HandlerFunc(s.pipeline.HandleResponses)))
	mux.Handle("POST /v1/responses/compact", auth(http.HandlerFunc(s.pipeline.HandleCompact)))
	mux.Handle("POST /v1/chat/completions", auth(http.HandlerFunc(s.pipeline.HandleChatCompletions)))
	mux.Handle("GET /v1/models", auth(http.HandlerFunc(s.pipeline.HandleModels)))

	// Management API (authenticated)
	mux.Handle("GET /api/accounts", auth(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("POST /api/accounts/import", auth(http.HandlerFunc(s.handleImportAccount)))
	mux.Handle("POST /api/accounts/{id}/pause", auth(http.HandlerFunc(s.handlePauseAccount)))
	mux.Handle("POST /api/accounts/{id}/resume", auth(http.HandlerFunc(s.handleResumeAccount)))
	mux.Handle("DELETE /api/accounts/{id}", auth(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("GET /api/settings", auth(http.HandlerFunc(s.handleGetSettings)))
	mux.Handle("PUT /api/settings", auth(http.HandlerFunc(s.handleSaveSettings)))
	mux.Handle("GET /api/usage", auth(http.HandlerFunc(s.handleUsage)))
	mux.Handle("GET /api/logs", auth(http.HandlerFunc(s.handleLogs)))

	// Debug (authenticated, gated)
	if s.cfg.DebugEndpoints {
		mux.Handle("GET /debug/lb/selections", auth(http.HandlerFunc(s.handleDebugSelections)))
		mux.Handle("GET /debug/lb/snapshot", auth(http.HandlerFunc(s.handleDebugSnapshot)))
		mux.Handle("GET /debug/lb/events", auth(http.HandlerFunc(s.handleDebugEvents)))
		mux.Handle("GET /debug/lb/logs", auth(http.HandlerFunc(s.handleDebugLogs)))
	}

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.opdb.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// authenticate enforces the static proxy API key when one is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ProxyAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("x-api-key")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ProxyAPIKey)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"type":"invalid_api_key","message":"invalid or missing API key"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the server and blocks until shutdown. The request log buffer is
// drained before exit.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.eng.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate runtime state: %w", err)
	}

	go s.transportMgr.RunCleanup(ctx)
	go s.refresher.Run(ctx)
	go sticky.RunCleanup(ctx, s.stickyStore, s.opdb, 5*time.Minute)
	go s.runRetentionPurge(ctx)
	if s.logs != nil {
		go s.logs.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		err := s.httpServer.Shutdown(shutdownCtx)

		cancel()
		if s.logs != nil {
			s.logs.Wait()
		}
		s.transportMgr.Close()
		return err
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// runRetentionPurge deletes aged request logs and usage samples every 6 hours.
func (s *Server) runRetentionPurge(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retention := s.cfg.LogRetentionDays
			if settings, err := s.opdb.GetSettings(ctx); err == nil && settings.LogRetentionDays > 0 {
				retention = settings.LogRetentionDays
			}
			before := time.Now().Add(-time.Duration(retention) * 24 * time.Hour)
			if n, err := s.opdb.PurgeOldLogs(ctx, before); err != nil {
				slog.Error("purge old logs failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old request logs", "count", n)
			}
			if n, err := s.opdb.PurgeOldUsage(ctx, before); err != nil {
				slog.Error("purge old usage failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old usage samples", "count", n)
			}
		}
	}
}
