package certificate

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/csmith/polaris/site"
	"github.com/csmith/polaris/slave"
	"go.uber.org/atomic"
)

// siteLookup is the surface of proxy.Manager used to map handshakes to sites.
type siteLookup interface {
	SiteForDomain(domain string) *site.Site
}

// CertificateFunc matches the signature of tls.Config.GetCertificate.
type CertificateFunc func(*tls.ClientHelloInfo) (*tls.Certificate, error)

// Resolver picks the identity and TLS parameters for each handshake. Providers are consulted in order, and the
// first one offering a usable identity wins; nothing is cached between handshakes so identities installed by the
// escrow updater take effect immediately.
type Resolver struct {
	sites        siteLookup
	providers    []Provider
	disableHTTP2 atomic.Bool
	certificate  CertificateFunc
}

// NewResolver creates a new Resolver. Providers should be given in order of precedence.
func NewResolver(sites siteLookup, providers []Provider, disableHTTP2 bool) *Resolver {
	r := &Resolver{
		sites:     sites,
		providers: providers,
	}
	r.disableHTTP2.Store(disableHTTP2)
	r.certificate = r.CertificateForClient
	return r
}

// SetDisableHTTP2 turns HTTP/2 off (or back on) for every site, for handshakes from now on.
func (r *Resolver) SetDisableHTTP2(disable bool) {
	r.disableHTTP2.Store(disable)
}

// WrapCertificate decorates the certificate callback used in handshakes, for example to record metrics.
func (r *Resolver) WrapCertificate(wrap func(CertificateFunc) CertificateFunc) {
	r.certificate = wrap(r.certificate)
}

// ServerConfig returns a TLS configuration that defers all decisions to the resolver.
func (r *Resolver) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		GetCertificate:     r.certificate,
		GetConfigForClient: r.ConfigForClient,
		NextProtos:         r.protocols(nil),
	}
}

// CertificateForClient returns the certificate to present for the server name in the hello.
func (r *Resolver) CertificateForClient(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s := r.sites.SiteForDomain(strings.ToLower(hello.ServerName))
	if identity := r.IdentityFor(s); identity != nil {
		return identity.KeyPair()
	}
	return nil, fmt.Errorf("no identity available for '%s'", hello.ServerName)
}

// IdentityFor returns the highest precedence usable identity for the site, which may be nil.
func (r *Resolver) IdentityFor(s *site.Site) *Identity {
	for _, p := range r.providers {
		identity := p.Identity(s)
		if identity == nil {
			continue
		}
		if _, err := identity.KeyPair(); err != nil {
			slog.Debug("Skipping unusable identity", "source", identity.Source, "error", err)
			continue
		}
		return identity
	}
	return nil
}

// ConfigForClient returns the per-site TLS configuration: the site's cipher suites, and ALPN protocols that
// only offer HTTP/2 when the site allows it.
func (r *Resolver) ConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	s := r.sites.SiteForDomain(strings.ToLower(hello.ServerName))

	config := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: r.certificate,
		NextProtos:     r.protocols(s),
	}
	if s != nil {
		config.CipherSuites = slave.CipherSuites(s.Declaration.Ciphers)
	}
	return config, nil
}

func (r *Resolver) protocols(s *site.Site) []string {
	if r.disableHTTP2.Load() {
		return []string{"http/1.1"}
	}
	if s != nil && (!s.Declaration.EnableHTTP2 || s.Declaration.Type.Upgrades()) {
		return []string{"http/1.1"}
	}
	return []string{"h2", "http/1.1"}
}
