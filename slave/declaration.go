package slave

import (
	"time"
)

// Type selects how requests for a site are handled before being forwarded.
type Type string

const (
	TypeDefault   Type = ""
	TypeZope      Type = "zope"
	TypeRedirect  Type = "redirect"
	TypeNotebook  Type = "notebook"
	TypeWebsocket Type = "websocket"
)

var knownTypes = map[string]Type{
	"":          TypeDefault,
	"default":   TypeDefault,
	"zope":      TypeZope,
	"redirect":  TypeRedirect,
	"notebook":  TypeNotebook,
	"websocket": TypeWebsocket,
}

// Upgrades reports whether sites of this type proxy websocket connections.
func (t Type) Upgrades() bool {
	return t == TypeWebsocket || t == TypeNotebook
}

// Declaration is the typed, validated form of one slave's parameters. Once accepted into a generation it is
// never modified; a new declaration with the same reference replaces it in the next generation.
type Declaration struct {
	Reference string

	URL      string
	HTTPSURL string

	CustomDomain  string
	ServerAliases []string

	Type                  Type
	EnableCache           bool
	HTTPSOnly             bool
	EnableHTTP2           bool
	AuthenticateToBackend bool

	SSLProxyVerify bool
	SSLProxyCACert string

	// Inline TLS material. Deprecated in favour of the escrow upload flow.
	SSLCert   string
	SSLKey    string
	SSLCACert string

	Ciphers []string

	StrictTransportSecurity StrictTransportSecurity

	WebsocketPathList    []string
	WebsocketTransparent bool

	DisabledCookieList    []string
	PreferGzip            bool
	DisableNoCacheRequest bool
	DisableViaHeader      bool

	HealthCheck HealthCheck

	BackendConnectTimeout time.Duration
	BackendConnectRetries int
	RequestTimeout        time.Duration

	VirtualHostRootHTTPPort  int
	VirtualHostRootHTTPSPort int
	DefaultPath              string
	Path                     string

	// Addresses used by the master's monitoring. Routing ignores them.
	MonitorIPv4Test string
	MonitorIPv6Test string
}

// StrictTransportSecurity describes the Strict-Transport-Security header added to HTTPS responses.
type StrictTransportSecurity struct {
	MaxAge            int
	IncludeSubDomains bool
	Preload           bool
}

// Enabled indicates whether the header should be sent at all.
func (s StrictTransportSecurity) Enabled() bool {
	return s.MaxAge > 0
}

// HealthCheck holds the probing and failover configuration of a site.
type HealthCheck struct {
	Enabled  bool
	Method   string
	Path     string
	Version  string
	Timeout  time.Duration
	Interval time.Duration
	Rise     int
	Fall     int

	FailoverURL                   string
	FailoverHTTPSURL              string
	FailoverSSLProxyVerify        bool
	FailoverSSLProxyCACert        string
	AuthenticateToFailoverBackend bool
}

// HasFailover reports whether a failover backend has been declared.
func (h HealthCheck) HasFailover() bool {
	return h.FailoverURL != "" || h.FailoverHTTPSURL != ""
}

// HasInlineCertificate reports whether the declaration carries a usable inline certificate and key.
func (d *Declaration) HasInlineCertificate() bool {
	return d.SSLCert != "" && d.SSLKey != ""
}

// Defaults are the master-level values applied to any parameter a slave doesn't specify.
type Defaults struct {
	RequestTimeout        time.Duration
	BackendConnectTimeout time.Duration
	BackendConnectRetries int
	Ciphers               []string
	AuthenticateToBackend bool
	EnableHTTP2           bool
}

// DefaultDefaults returns the values used when the master doesn't override anything.
func DefaultDefaults() Defaults {
	return Defaults{
		RequestTimeout:        600 * time.Second,
		BackendConnectTimeout: 5 * time.Second,
		BackendConnectRetries: 3,
		EnableHTTP2:           true,
	}
}

const (
	defaultHealthCheckInterval = 5 * time.Second
	defaultHealthCheckTimeout  = 2 * time.Second
	defaultHealthCheckRise     = 1
	defaultHealthCheckFall     = 2
	defaultHealthCheckMethod   = "GET"
	defaultHealthCheckPath     = "/"
	defaultHealthCheckVersion  = "HTTP/1.1"
)
