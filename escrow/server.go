package escrow

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"go.uber.org/atomic"
)

const maxBundleSize = 1 << 20

// ServerConfig configures the escrow HTTP server.
type ServerConfig struct {
	ListenAddr    string
	Log           *slog.Logger
	Storage       Storage
	DownloadToken string
	Clock         clock.Clock

	TokenLifetime            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Server accepts certificate bundles from tenants and hands them out to holders of the download token.
type Server struct {
	cfg     *ServerConfig
	isReady atomic.Bool
	log     *slog.Logger
	tokens  *tokens

	srv *http.Server
}

// NewServer creates a new escrow server. It is marked ready immediately.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.Storage == nil {
		return nil, errors.New("escrow server requires storage")
	}
	if cfg.DownloadToken == "" {
		return nil, errors.New("escrow server requires a download token")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.TokenLifetime == 0 {
		cfg.TokenLifetime = 24 * time.Hour
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	srv := &Server{
		cfg:    cfg,
		log:    cfg.Log,
		tokens: newTokens(cfg.Clock, cfg.TokenLifetime),
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

// Handler returns the router serving all escrow endpoints.
func (srv *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	mux.With(srv.httpLogger).Get("/{key}/generateauth", srv.handleGenerateAuth)
	mux.With(srv.httpLogger).Put("/{key}", srv.handleUpload)
	mux.With(srv.httpLogger).Get("/{key}", srv.handleDownload)
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, _ *http.Request) {
	if wasReady := srv.isReady.Swap(false); wasReady {
		srv.log.Info("Server marked as not ready")
	}
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) handleUndrain(w http.ResponseWriter, _ *http.Request) {
	if wasReady := srv.isReady.Swap(true); !wasReady {
		srv.log.Info("Server marked as ready")
	}
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) handleGenerateAuth(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !ValidKey(key) {
		http.Error(w, "Invalid key", http.StatusBadRequest)
		return
	}

	token, ok := srv.tokens.generate(key)
	if !ok {
		http.Error(w, "Authentication token already generated", http.StatusForbidden)
		return
	}

	srv.log.Info("Generated upload token", slog.String("key", key))
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(token))
}

func (srv *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !ValidKey(key) {
		http.Error(w, "Invalid key", http.StatusBadRequest)
		return
	}

	token, ok := srv.tokens.take(key, r.URL.Query().Get("auth"))
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBundleSize))
	if err != nil {
		srv.tokens.release(key, token)
		http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
		return
	}

	if _, err := tls.X509KeyPair(body, body); err != nil {
		srv.tokens.release(key, token)
		srv.log.Info("Rejected upload", slog.String("key", key), "err", err)
		http.Error(w, "Key incorrect", http.StatusUnprocessableEntity)
		return
	}

	if err := srv.cfg.Storage.Put(r.Context(), key, body); err != nil {
		srv.tokens.release(key, token)
		srv.log.Error("Failed to store upload", slog.String("key", key), "err", err)
		http.Error(w, "Failed to store", http.StatusInternalServerError)
		return
	}

	srv.log.Info("Stored upload", slog.String("key", key))
	w.WriteHeader(http.StatusCreated)
}

func (srv *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !ValidKey(key) {
		http.Error(w, "Invalid key", http.StatusBadRequest)
		return
	}

	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(srv.cfg.DownloadToken)) != 1 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	data, err := srv.cfg.Storage.Get(r.Context(), key)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	} else if err != nil {
		srv.log.Error("Failed to read upload", slog.String("key", key), "err", err)
		http.Error(w, "Failed to read", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(data)
}

// RunInBackground starts serving; errors other than a clean shutdown are logged.
func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting escrow server", slog.String("listenAddress", srv.cfg.ListenAddr))
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("Escrow server failed", "err", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (srv *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	srv.log.Info("Escrow server stopped")
	return nil
}
