package slave

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
)

// Parameters is the loosely typed set of values a slave supplied in its request.
type Parameters map[string]any

// Result is the outcome of validating one slave's parameters.
type Result struct {
	Reference   string
	Declaration *Declaration
	Errors      []string
	Warnings    []string
}

// Accepted indicates whether the declaration may be used.
func (r *Result) Accepted() bool {
	return len(r.Errors) == 0
}

// Reject records an additional error against the result, such as a clash detected across declarations.
func (r *Result) Reject(message string) {
	r.Errors = sortedUnique(append(r.Errors, message))
	r.Declaration = nil
}

var (
	healthCheckMethods  = []string{"CONNECT", "DELETE", "GET", "HEAD", "OPTIONS", "PATCH", "POST", "PUT", "TRACE"}
	healthCheckVersions = []string{"HTTP/1.0", "HTTP/1.1"}
)

// Validate checks the parameters supplied for a single slave, and converts them into a Declaration. The
// returned errors and warnings are always sorted, so validating the same input twice gives identical results.
func Validate(reference string, params Parameters, defaults Defaults) *Result {
	v := &validator{params: params, used: make(map[string]bool)}

	d := &Declaration{Reference: reference}
	d.URL = v.url("url")
	d.HTTPSURL = v.url("https-url")

	d.CustomDomain = v.customDomain()
	d.ServerAliases = v.serverAliases()

	if t, ok := v.string("type"); ok {
		if known, ok := knownTypes[t]; ok {
			d.Type = known
		} else {
			v.fail(fmt.Sprintf("type %s is not supported", quote(t)))
		}
	}

	d.EnableCache = v.bool("enable_cache", false)
	d.HTTPSOnly = v.bool("https-only", true)
	d.EnableHTTP2 = v.bool("enable-http2", defaults.EnableHTTP2)
	d.AuthenticateToBackend = v.bool("authenticate-to-backend", defaults.AuthenticateToBackend)

	d.SSLProxyVerify = v.bool("ssl-proxy-verify", false)
	d.SSLProxyCACert = v.caBundle("ssl_proxy_ca_crt", d.SSLProxyVerify)

	d.SSLCert, d.SSLKey, d.SSLCACert = v.inlineCertificate()

	d.Ciphers = v.ciphers(defaults.Ciphers)

	d.StrictTransportSecurity = StrictTransportSecurity{
		MaxAge:            v.int("strict-transport-security", 0),
		IncludeSubDomains: v.bool("strict-transport-security-sub-domains", false),
		Preload:           v.bool("strict-transport-security-preload", false),
	}

	d.WebsocketPathList = v.pathList("websocket-path-list")
	d.WebsocketTransparent = v.bool("websocket-transparent", true)
	d.DisabledCookieList = v.fields("disabled-cookie-list")
	d.PreferGzip = v.bool("prefer-gzip-encoding-to-backend", false)
	d.DisableNoCacheRequest = v.bool("disable-no-cache-request", false)
	d.DisableViaHeader = v.bool("disable-via-header", false)

	d.HealthCheck = v.healthCheck()

	d.BackendConnectTimeout = v.seconds("backend-connect-timeout", defaults.BackendConnectTimeout)
	d.BackendConnectRetries = v.int("backend-connect-retries", defaults.BackendConnectRetries)
	d.RequestTimeout = v.seconds("request-timeout", defaults.RequestTimeout)

	d.VirtualHostRootHTTPPort = v.port("virtualhostroot-http-port")
	d.VirtualHostRootHTTPSPort = v.port("virtualhostroot-https-port")
	d.DefaultPath, _ = v.string("default-path")
	d.Path, _ = v.string("path")
	d.MonitorIPv4Test, _ = v.string("monitor-ipv4-test")
	d.MonitorIPv6Test, _ = v.string("monitor-ipv6-test")

	v.rejectUnknown()

	res := &Result{
		Reference: reference,
		Errors:    v.errors(),
		Warnings:  sortedUnique(v.warnings),
	}
	if res.Accepted() {
		res.Declaration = d
	}
	return res
}

type validator struct {
	params   Parameters
	used     map[string]bool
	err      error
	warnings []string
}

func (v *validator) fail(message string) {
	v.err = multierr.Append(v.err, errors.New(message))
}

func (v *validator) warn(message string) {
	v.warnings = append(v.warnings, message)
}

func (v *validator) errors() []string {
	var res []string
	for _, err := range multierr.Errors(v.err) {
		res = append(res, err.Error())
	}
	return sortedUnique(res)
}

// raw returns the value for the given key, marking it as used. Null values are treated as absent.
func (v *validator) raw(key string) (any, bool) {
	v.used[key] = true
	value, ok := v.params[key]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

func (v *validator) string(key string) (string, bool) {
	value, ok := v.raw(key)
	if !ok {
		return "", false
	}
	s, err := cast.ToStringE(value)
	if err != nil {
		v.fail(fmt.Sprintf("Wrong %s %s", key, quote(fmt.Sprint(value))))
		return "", false
	}
	return s, true
}

func (v *validator) bool(key string, def bool) bool {
	value, ok := v.raw(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		v.fail(fmt.Sprintf("Wrong %s %s", key, quote(fmt.Sprint(value))))
		return def
	}
	return b
}

func (v *validator) int(key string, def int) int {
	value, ok := v.raw(key)
	if !ok {
		return def
	}
	i, err := cast.ToIntE(value)
	if err != nil || i < 0 {
		v.fail(fmt.Sprintf("Wrong %s %s", key, quote(fmt.Sprint(value))))
		return def
	}
	return i
}

func (v *validator) seconds(key string, def time.Duration) time.Duration {
	value, ok := v.raw(key)
	if !ok {
		return def
	}
	i, err := cast.ToIntE(value)
	if err != nil || i < 0 {
		v.fail(fmt.Sprintf("Wrong %s %s", key, quote(fmt.Sprint(value))))
		return def
	}
	return time.Duration(i) * time.Second
}

func (v *validator) port(key string) int {
	value, ok := v.raw(key)
	if !ok {
		return 0
	}
	i, err := cast.ToIntE(value)
	if err != nil || i < 1 || i > 65535 {
		v.fail(fmt.Sprintf("Wrong %s %s", key, quote(fmt.Sprint(value))))
		return 0
	}
	return i
}

func (v *validator) fields(key string) []string {
	s, _ := v.string(key)
	return strings.Fields(s)
}

// pathList reads a space separated list of path prefixes, normalising each to a single leading slash and no
// trailing slash.
func (v *validator) pathList(key string) []string {
	var res []string
	for _, p := range v.fields(key) {
		res = append(res, "/"+strings.Trim(p, "/"))
	}
	return res
}

// url reads a backend URL. Surrounding whitespace is tolerated but reported as a warning.
func (v *validator) url(key string) string {
	raw, ok := v.string(key)
	if !ok {
		return ""
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed != raw {
		v.warn(fmt.Sprintf("slave %s %s has been converted to %s", key, quote(raw), quote(trimmed)))
	}

	if !validURL(trimmed) {
		v.fail(fmt.Sprintf("slave %s %s invalid", key, quote(trimmed)))
		return ""
	}
	return trimmed
}

func (v *validator) customDomain() string {
	domain, ok := v.string("custom_domain")
	if !ok || domain == "" {
		return ""
	}

	if !validDomain(domain) {
		v.fail(fmt.Sprintf("custom_domain %s invalid", quote(domain)))
		return ""
	}
	return strings.ToLower(domain)
}

func (v *validator) serverAliases() []string {
	var res []string
	for _, alias := range v.fields("server-alias") {
		if !validDomain(alias) {
			v.fail(fmt.Sprintf("server-alias %s not valid", quote(alias)))
			continue
		}

		alias = strings.ToLower(alias)
		if !slices.Contains(res, alias) {
			res = append(res, alias)
		}
	}
	return res
}

func (v *validator) ciphers(defaults []string) []string {
	names := v.fields("ciphers")
	if len(names) == 0 {
		return defaults
	}

	for i := range names {
		if !SupportedCipher(names[i]) {
			v.fail(fmt.Sprintf("Cipher %s is not supported.", quote(names[i])))
		}
	}
	return names
}

// caBundle reads a CA bundle used to verify a backend. When verification is enabled, a bundle that is
// supplied must contain at least one certificate; an absent bundle means the system roots are used.
func (v *validator) caBundle(key string, verify bool) string {
	bundle, ok := v.string(key)
	if ok && verify && !containsCertificate(bundle) {
		v.fail(fmt.Sprintf("%s is invalid", key))
	}
	return bundle
}

func (v *validator) inlineCertificate() (cert, key, ca string) {
	cert, _ = v.string("ssl_crt")
	key, _ = v.string("ssl_key")
	ca, _ = v.string("ssl_ca_crt")

	for field, value := range map[string]string{"ssl_crt": cert, "ssl_key": key, "ssl_ca_crt": ca} {
		if value != "" {
			v.warn(fmt.Sprintf("%s is obsolete, please use key-upload-url", field))
		}
	}

	if ca != "" && (cert == "" || key == "") {
		v.fail("ssl_ca_crt is present, so ssl_crt and ssl_key are required")
	}

	if cert != "" && key != "" {
		if _, err := tls.X509KeyPair([]byte(cert), []byte(key)); err != nil {
			v.fail("slave ssl_key and ssl_crt does not match")
		}
	}
	return
}

func (v *validator) healthCheck() HealthCheck {
	hc := HealthCheck{
		Enabled:  v.bool("health-check", false),
		Method:   defaultHealthCheckMethod,
		Path:     defaultHealthCheckPath,
		Version:  defaultHealthCheckVersion,
		Timeout:  v.healthSeconds("health-check-timeout", defaultHealthCheckTimeout),
		Interval: v.healthSeconds("health-check-interval", defaultHealthCheckInterval),
		Rise:     v.healthCount("health-check-rise", defaultHealthCheckRise),
		Fall:     v.healthCount("health-check-fall", defaultHealthCheckFall),
	}

	if method, ok := v.string("health-check-http-method"); ok {
		if slices.Contains(healthCheckMethods, method) {
			hc.Method = method
		} else {
			v.fail(fmt.Sprintf("Wrong health-check-http-method %s", method))
		}
	}

	if version, ok := v.string("health-check-http-version"); ok {
		if slices.Contains(healthCheckVersions, version) {
			hc.Version = version
		} else {
			v.fail(fmt.Sprintf("Wrong health-check-http-version %s", version))
		}
	}

	if path, ok := v.string("health-check-http-path"); ok && path != "" {
		hc.Path = (&url.URL{Path: "/" + strings.TrimPrefix(path, "/")}).EscapedPath()
	}

	hc.FailoverURL = v.url("health-check-failover-url")
	hc.FailoverHTTPSURL = v.url("health-check-failover-https-url")
	hc.FailoverSSLProxyVerify = v.bool("health-check-failover-ssl-proxy-verify", false)
	hc.FailoverSSLProxyCACert = v.caBundle("health-check-failover-ssl-proxy-ca-crt", hc.FailoverSSLProxyVerify)
	hc.AuthenticateToFailoverBackend = v.bool("health-check-authenticate-to-failover-backend", false)
	return hc
}

// healthNumber reads a non-negative integer health check parameter. Zero selects the default.
func (v *validator) healthNumber(key string) (int, bool) {
	value, ok := v.raw(key)
	if !ok {
		return 0, false
	}
	i, err := cast.ToIntE(value)
	if err != nil || i < 0 {
		v.fail(fmt.Sprintf("Wrong %s %v", key, value))
		return 0, false
	}
	return i, i > 0
}

func (v *validator) healthSeconds(key string, def time.Duration) time.Duration {
	if i, ok := v.healthNumber(key); ok {
		return time.Duration(i) * time.Second
	}
	return def
}

func (v *validator) healthCount(key string, def int) int {
	if i, ok := v.healthNumber(key); ok {
		return i
	}
	return def
}

func (v *validator) rejectUnknown() {
	for key := range v.params {
		if !v.used[key] {
			v.fail(fmt.Sprintf("unknown parameter %s", quote(key)))
		}
	}
}

// validURL checks that a backend URL is an absolute http(s) URL with a sensible host and port.
func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := u.Hostname()
	if host == "" {
		return false
	}

	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return false
		}
	}

	if strings.HasPrefix(u.Host, "[") {
		ip := net.ParseIP(host)
		return ip != nil && ip.To4() == nil
	}

	if strings.Contains(host, ":") {
		return false
	}

	_, ok := dns.IsDomainName(host)
	return ok && !strings.ContainsAny(host, "$%{}\\\"' ")
}

// validDomain checks that a domain name is safe to route on: at least two plain DNS labels, optionally with a
// single leading wildcard label.
func validDomain(domain string) bool {
	name := strings.TrimPrefix(domain, "*.")
	if name == "" || strings.HasSuffix(name, ".") || !strings.Contains(name, ".") {
		return false
	}

	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '.' || r == '_') {
			return false
		}
	}

	_, ok := dns.IsDomainName(name)
	return ok
}

func containsCertificate(bundle string) bool {
	return x509.NewCertPool().AppendCertsFromPEM([]byte(bundle))
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	res := append([]string(nil), values...)
	slices.Sort(res)
	return slices.Compact(res)
}
