//go:build !notailscale

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"
)

var (
	tailscaleHostname = flag.String("tailscale-hostname", "polaris", "Hostname to use for the tailscale frontend")
	tailscaleKey      = flag.String("tailscale-key", "", "Auth key to use when connecting to tailscale")
)

type tailscaleFrontend struct {
	node        *tsnet.Server
	tlsServer   *server
	plainServer *server
}

func init() {
	frontends["tailscale"] = &tailscaleFrontend{}
}

func (t *tailscaleFrontend) Serve(handler http.Handler, tlsConfig *tls.Config, errChan chan<- error) error {
	if *tailscaleKey == "" {
		return fmt.Errorf("tailscale authentication key not specified")
	}
	slog.Info("Starting tailscale server", "hostname", *tailscaleHostname, "https-port", 443, "http-port", 80)

	t.node = &tsnet.Server{
		Hostname: *tailscaleHostname,
		AuthKey:  *tailscaleKey,
		Logf:     func(format string, args ...any) {},
	}

	if err := t.node.Start(); err != nil {
		return err
	}

	tsTLSListener, err := t.node.Listen("tcp", ":443")
	if err != nil {
		return err
	}

	plainListener, err := t.node.Listen("tcp", ":80")
	if err != nil {
		return err
	}

	t.tlsServer = newServer(handler, errChan)
	t.plainServer = newServer(handler, errChan)
	go t.tlsServer.start(tls.NewListener(tsTLSListener, tlsConfig))
	go t.plainServer.start(plainListener)
	return nil
}

func (t *tailscaleFrontend) Stop(ctx context.Context) {
	stopServers(ctx, t.tlsServer, t.plainServer)
	if t.node != nil {
		_ = t.node.Close()
	}
}
