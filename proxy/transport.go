package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

type transportKey struct {
	verify         bool
	ca             string
	authenticate   bool
	connectTimeout time.Duration
	requestTimeout time.Duration
	retries        int
}

// Transports hands out a round tripper for each distinct backend configuration, so connections are pooled
// between requests to the same kind of backend.
type Transports struct {
	clientCertificate *tls.Certificate

	mutex      sync.Mutex
	transports map[transportKey]http.RoundTripper
}

// NewTransports creates a new set of transports. The client certificate, if non-nil, is presented to
// backends of sites that authenticate to them.
func NewTransports(clientCertificate *tls.Certificate) *Transports {
	return &Transports{
		clientCertificate: clientCertificate,
		transports:        make(map[transportKey]http.RoundTripper),
	}
}

// For returns the round tripper to use for the route.
func (t *Transports) For(route *Route) (http.RoundTripper, error) {
	key := transportKey{
		verify:         route.VerifyCertificate,
		ca:             route.CACertificate,
		authenticate:   route.Authenticate,
		connectTimeout: route.Site.Backend.ConnectTimeout,
		requestTimeout: route.Site.Backend.RequestTimeout,
		retries:        route.Site.Backend.ConnectRetries,
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if rt, ok := t.transports[key]; ok {
		return rt, nil
	}

	rt, err := t.build(key)
	if err != nil {
		return nil, err
	}
	t.transports[key] = rt
	return rt, nil
}

func (t *Transports) build(key transportKey) (http.RoundTripper, error) {
	config := &tls.Config{InsecureSkipVerify: !key.verify}
	if key.verify && key.ca != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(key.ca)) {
			return nil, &caError{}
		}
		config.RootCAs = pool
	}
	if key.authenticate && t.clientCertificate != nil {
		config.Certificates = []tls.Certificate{*t.clientCertificate}
	}

	dialer := &net.Dialer{Timeout: key.connectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       config,
		ResponseHeaderTimeout: key.requestTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
		ExpectContinueTimeout: time.Second,
	}

	return &retryTransport{next: transport, retries: key.retries}, nil
}

// retryTransport retries requests that failed to connect, as long as there's no body that may have been
// partially consumed.
type retryTransport struct {
	next    http.RoundTripper
	retries int
}

func (r *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		res, err := r.next.RoundTrip(req)
		if err == nil || attempt >= r.retries || !isDialError(err) || !replayable(req) || req.Context().Err() != nil {
			return res, err
		}
		slog.Debug("Retrying backend connection", "host", req.URL.Host, "attempt", attempt+1, "error", err)
	}
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

type caError struct{}

func (c *caError) Error() string {
	return "backend CA bundle contains no certificates"
}

// classify maps an error talking to a backend to the status code returned to the client.
func classify(err error) int {
	var (
		caErr        *caError
		verification *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostname     x509.HostnameError
		invalid      x509.CertificateInvalidError
		netErr       net.Error
	)

	switch {
	case errors.As(err, &caErr),
		errors.As(err, &verification),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostname),
		errors.As(err, &invalid),
		isDialError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
