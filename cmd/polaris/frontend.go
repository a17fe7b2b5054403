package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	shutdownTimeout   = time.Second * 5
	readHeaderTimeout = time.Second * 10
	idleTimeout       = time.Minute * 2
)

// frontend accepts client connections and hands requests to the dispatcher. Every frontend serves the same
// handler over plain HTTP and over TLS.
type frontend interface {
	Serve(handler http.Handler, tlsConfig *tls.Config, errChan chan<- error) error
	Stop(ctx context.Context)
}

var frontends = make(map[string]frontend)

// server wraps a http.Server so that unexpected serve errors are reported instead of panicking.
type server struct {
	srv     *http.Server
	errChan chan<- error
}

func newServer(handler http.Handler, errChan chan<- error) *server {
	return &server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
			ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
		},
		errChan: errChan,
	}
}

func (s *server) start(listener net.Listener) {
	if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.errChan <- err
	}
}

func (s *server) stop(ctx context.Context) {
	if s == nil {
		return
	}

	timeoutContext, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	_ = s.srv.Shutdown(timeoutContext)
}

func stopServers(ctx context.Context, servers ...*server) {
	for i := range servers {
		servers[i].stop(ctx)
	}
}
