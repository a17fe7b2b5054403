//go:build !notcp

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
)

var (
	httpPort  = flag.Int("http-port", 8080, "Port to listen on for plain HTTP requests for the TCP frontend")
	httpsPort = flag.Int("https-port", 8443, "Port to listen on for HTTPS requests for the TCP frontend")
)

type tcpFrontend struct {
	tlsServer   *server
	plainServer *server
}

func init() {
	frontends["tcp"] = &tcpFrontend{}
}

func (t *tcpFrontend) Serve(handler http.Handler, tlsConfig *tls.Config, errChan chan<- error) error {
	slog.Info("Starting TCP server", "https-port", *httpsPort, "http-port", *httpPort)

	tlsListener, err := tls.Listen("tcp", fmt.Sprintf(":%d", *httpsPort), tlsConfig)
	if err != nil {
		return err
	}

	plainListener, err := net.Listen("tcp", fmt.Sprintf(":%d", *httpPort))
	if err != nil {
		_ = tlsListener.Close()
		return err
	}

	t.tlsServer = newServer(handler, errChan)
	t.plainServer = newServer(handler, errChan)
	go t.tlsServer.start(tlsListener)
	go t.plainServer.start(plainListener)
	return nil
}

func (t *tcpFrontend) Stop(ctx context.Context) {
	stopServers(ctx, t.tlsServer, t.plainServer)
}
