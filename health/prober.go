package health

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Target describes a single backend to probe.
type Target struct {
	URL     string
	Method  string
	Path    string
	Version string
	Timeout time.Duration

	VerifyCertificate bool
	CACertificate     string
	ClientCertificate *tls.Certificate
}

// Prober checks a target, returning nil if it is healthy.
type Prober interface {
	Probe(ctx context.Context, target Target) error
}

// HTTPProber sends the configured request line verbatim and treats 2xx and 3xx responses as healthy. The
// CONNECT method only checks that a TCP connection can be established.
type HTTPProber struct {
	Dialer net.Dialer
}

func (p *HTTPProber) Probe(ctx context.Context, target Target) error {
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	u, err := url.Parse(target.URL)
	if err != nil {
		return fmt.Errorf("invalid target url: %w", err)
	}

	address := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			address = net.JoinHostPort(u.Hostname(), "443")
		} else {
			address = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	conn, err := p.Dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("unable to connect: %w", err)
	}
	defer conn.Close()

	if target.Method == http.MethodConnect {
		return nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if u.Scheme == "https" {
		config, err := tlsConfig(u.Hostname(), target)
		if err != nil {
			return err
		}
		tlsConn := tls.Client(conn, config)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("tls handshake failed: %w", err)
		}
		conn = tlsConn
	}

	if _, err := fmt.Fprintf(conn, "%s %s %s\r\nHost: %s\r\nConnection: close\r\n\r\n", target.Method, target.Path, target.Version, u.Host); err != nil {
		return fmt.Errorf("unable to send request: %w", err)
	}

	res, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: target.Method})
	if err != nil {
		return fmt.Errorf("unable to read response: %w", err)
	}
	_ = res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 400 {
		return fmt.Errorf("unhealthy status: %d", res.StatusCode)
	}
	return nil
}

func tlsConfig(serverName string, target Target) (*tls.Config, error) {
	config := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !target.VerifyCertificate,
	}

	if target.VerifyCertificate && target.CACertificate != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(target.CACertificate)) {
			return nil, fmt.Errorf("no certificates in CA bundle")
		}
		config.RootCAs = pool
	}

	if target.ClientCertificate != nil {
		config.Certificates = []tls.Certificate{*target.ClientCertificate}
	}
	return config, nil
}
