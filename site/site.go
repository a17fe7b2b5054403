package site

import (
	"strings"
	"time"

	"github.com/csmith/polaris/slave"
)

// Site is an accepted slave declaration along with the names it has been allocated.
type Site struct {
	Reference   string
	Domain      string
	Aliases     []string
	Declaration *slave.Declaration
	Backend     BackendTarget
}

// BackendTarget describes where requests for a site are forwarded, and how.
type BackendTarget struct {
	URL      string
	HTTPSURL string

	VerifyCertificate     bool
	CACertificate         string
	AuthenticateToBackend bool

	FailoverURL                   string
	FailoverHTTPSURL              string
	FailoverVerifyCertificate     bool
	FailoverCACertificate         string
	AuthenticateToFailoverBackend bool

	ConnectTimeout time.Duration
	ConnectRetries int
	RequestTimeout time.Duration
}

// For returns the URL to use for a request received over the given scheme. A site that only declared one of
// url and https-url uses that for both schemes.
func (b BackendTarget) For(scheme string) string {
	return pick(scheme, b.URL, b.HTTPSURL)
}

// FailoverFor is the failover equivalent of For.
func (b BackendTarget) FailoverFor(scheme string) string {
	return pick(scheme, b.FailoverURL, b.FailoverHTTPSURL)
}

func pick(scheme, plain, secure string) string {
	if scheme == "https" && secure != "" {
		return secure
	}
	if plain != "" {
		return plain
	}
	return secure
}

func newSite(domain string, d *slave.Declaration) *Site {
	return &Site{
		Reference:   d.Reference,
		Domain:      domain,
		Declaration: d,
		Backend: BackendTarget{
			URL:                           d.URL,
			HTTPSURL:                      d.HTTPSURL,
			VerifyCertificate:             d.SSLProxyVerify,
			CACertificate:                 d.SSLProxyCACert,
			AuthenticateToBackend:         d.AuthenticateToBackend,
			FailoverURL:                   d.HealthCheck.FailoverURL,
			FailoverHTTPSURL:              d.HealthCheck.FailoverHTTPSURL,
			FailoverVerifyCertificate:     d.HealthCheck.FailoverSSLProxyVerify,
			FailoverCACertificate:         d.HealthCheck.FailoverSSLProxyCACert,
			AuthenticateToFailoverBackend: d.HealthCheck.AuthenticateToFailoverBackend,
			ConnectTimeout:                d.BackendConnectTimeout,
			ConnectRetries:                d.BackendConnectRetries,
			RequestTimeout:                d.RequestTimeout,
		},
	}
}

// Names returns the domain followed by every alias.
func (s *Site) Names() []string {
	return append([]string{s.Domain}, s.Aliases...)
}

// EscrowKey is the key under which the site's uploaded certificate is held by the escrow service.
func (s *Site) EscrowKey() string {
	return "_" + s.Reference
}

// Matches indicates whether the given host is served by this site, either exactly or through a wildcard.
func (s *Site) Matches(host string) bool {
	host = strings.ToLower(host)
	for _, name := range s.Names() {
		if MatchName(name, host) {
			return true
		}
	}
	return false
}

// MatchName checks whether a host matches a name, which may be a wildcard of the form `*.example.com`.
// Wildcards match any number of labels, but never the bare parent domain.
func MatchName(name, host string) bool {
	if suffix, ok := strings.CutPrefix(name, "*"); ok {
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}
	return name == host
}

// NormaliseReference converts a slave reference into the label used for its default domain.
func NormaliseReference(reference string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(reference))
}
