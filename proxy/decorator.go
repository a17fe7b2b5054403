package proxy

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/csmith/polaris/slave"
	"golang.org/x/exp/slices"
)

// Decorator modifies a HTTP request in some way before it is proxied.
// The original, unmodified request is provided in the `in` parameter.
type Decorator interface {
	Decorate(route *Route, in, out *http.Request)
}

type bannedHeaderDecorator struct {
	headers []string
}

// NewBannedHeaderDecorator creates a decorator that removes security related headers supplied by the client.
func NewBannedHeaderDecorator() Decorator {
	return &bannedHeaderDecorator{
		headers: []string{
			// Variety of headers used for passing on the client IP. The forwarded header decorator decides
			// whether any client supplied values survive.
			"X-Real-IP",
			"True-Client-IP",
			"Forwarded",
			"X-Forwarded-Port",
			"Tailscale-User-Login",
			"Tailscale-User-Name",
			"Tailscale-User-Profile-Pic",
		},
	}
}

func (b *bannedHeaderDecorator) Decorate(_ *Route, _, out *http.Request) {
	for i := range b.headers {
		out.Header.Del(b.headers[i])
	}
}

type forwardedDecorator struct {
	trustedDownstreams []net.IPNet
}

// NewForwardedDecorator creates a decorator that sets the X-Forwarded-* headers and Host based on the
// downstream request. Websocket sites that aren't transparent instead pass the client's own values through
// and send the backend's host name.
func NewForwardedDecorator(trustedDownstreams []net.IPNet) Decorator {
	return &forwardedDecorator{trustedDownstreams: trustedDownstreams}
}

func (f *forwardedDecorator) Decorate(route *Route, in, out *http.Request) {
	d := route.Site.Declaration
	if d.Type == slave.TypeWebsocket && !d.WebsocketTransparent {
		for _, name := range []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Forwarded-Port", "X-Forwarded-Host"} {
			if v, ok := in.Header[name]; ok {
				out.Header[name] = v
			}
		}
		out.Host = route.Target.Host
		return
	}

	ip, _, _ := net.SplitHostPort(in.RemoteAddr)
	trusted := f.trusted(ip)

	if h := in.Header.Get("X-Forwarded-For"); !trusted || h == "" {
		out.Header.Set("X-Forwarded-For", ip)
	} else {
		out.Header.Set("X-Forwarded-For", fmt.Sprintf("%s, %s", h, ip))
	}

	out.Header.Set("X-Forwarded-Proto", route.Scheme)
	out.Header.Set("X-Forwarded-Port", localPort(in, route.Scheme))
	out.Header.Set("X-Forwarded-Host", in.Host)
	out.Host = in.Host

	if d.Type == slave.TypeWebsocket {
		out.Header.Set("X-Real-IP", ip)
	}
}

func (f *forwardedDecorator) trusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for i := range f.trustedDownstreams {
		if f.trustedDownstreams[i].Contains(parsed) {
			return true
		}
	}
	return false
}

// localPort returns the port the client connected to.
func localPort(req *http.Request, scheme string) string {
	if addr, ok := req.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if _, port, err := net.SplitHostPort(addr.String()); err == nil {
			return port
		}
	}
	if _, port, err := net.SplitHostPort(req.Host); err == nil {
		return port
	}
	if scheme == "https" {
		return "443"
	}
	return "80"
}

type upgradeDecorator struct{}

// NewUpgradeDecorator creates a decorator that only lets websocket upgrades through for sites that proxy
// websockets, and within those only for the declared path prefixes (if any).
func NewUpgradeDecorator() Decorator {
	return &upgradeDecorator{}
}

func (u *upgradeDecorator) Decorate(route *Route, in, out *http.Request) {
	d := route.Site.Declaration
	if d.Type.Upgrades() && allowsWebsocket(d.WebsocketPathList, in.URL.EscapedPath()) {
		if strings.EqualFold(in.Header.Get("Connection"), "upgrade") {
			out.Header.Set("Connection", "Upgrade")
		}
		return
	}
	out.Header.Del("Upgrade")
	if strings.EqualFold(out.Header.Get("Connection"), "upgrade") {
		out.Header.Del("Connection")
	}
}

func allowsWebsocket(prefixes []string, requestPath string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for i := range prefixes {
		if requestPath == prefixes[i] || strings.HasPrefix(requestPath, strings.TrimSuffix(prefixes[i], "/")+"/") {
			return true
		}
	}
	return false
}

type cookieDecorator struct{}

// NewCookieDecorator creates a decorator that strips the site's disabled cookies from the Cookie header,
// leaving every other cookie exactly as the client sent it.
func NewCookieDecorator() Decorator {
	return &cookieDecorator{}
}

func (c *cookieDecorator) Decorate(route *Route, _, out *http.Request) {
	disabled := route.Site.Declaration.DisabledCookieList
	if len(disabled) == 0 {
		return
	}

	var kept []string
	for _, header := range out.Header.Values("Cookie") {
		if v := filterCookies(header, disabled); v != "" {
			kept = append(kept, v)
		}
	}

	out.Header.Del("Cookie")
	for i := range kept {
		out.Header.Add("Cookie", kept[i])
	}
}

func filterCookies(header string, disabled []string) string {
	var parts []string
	for _, part := range strings.Split(header, ";") {
		name, _, _ := strings.Cut(part, "=")
		if !slices.Contains(disabled, strings.TrimSpace(name)) {
			parts = append(parts, part)
		}
	}
	return strings.TrimLeft(strings.Join(parts, ";"), " ")
}

type gzipDecorator struct{}

// NewGzipDecorator creates a decorator that, for sites preferring gzip, asks the backend for gzip alone
// whenever the client accepts it.
func NewGzipDecorator() Decorator {
	return &gzipDecorator{}
}

func (g *gzipDecorator) Decorate(route *Route, _, out *http.Request) {
	if !route.Site.Declaration.PreferGzip {
		return
	}
	if acceptsEncoding(out.Header.Values("Accept-Encoding"), "gzip") {
		out.Header.Set("Accept-Encoding", "gzip")
	}
}

func acceptsEncoding(headers []string, encoding string) bool {
	for _, header := range headers {
		for _, part := range strings.Split(header, ",") {
			name, params, _ := strings.Cut(part, ";")
			if !strings.EqualFold(strings.TrimSpace(name), encoding) {
				continue
			}
			q := strings.TrimSpace(params)
			if v, ok := strings.CutPrefix(q, "q="); ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil && f == 0 {
					return false
				}
			}
			return true
		}
	}
	return false
}

type cacheHeaderDecorator struct {
	via string
}

// NewCacheHeaderDecorator creates a decorator that, for caching sites, identifies the cache to the backend
// and removes Pragma and the no-cache directive so the backend never sees the client's cache bypass request.
func NewCacheHeaderDecorator(via string) Decorator {
	return &cacheHeaderDecorator{via: via}
}

func (c *cacheHeaderDecorator) Decorate(route *Route, _, out *http.Request) {
	if !route.Site.Declaration.EnableCache {
		return
	}
	out.Header.Del("Pragma")
	if directives := withoutNoCache(out.Header.Values("Cache-Control")); len(directives) > 0 {
		out.Header.Set("Cache-Control", strings.Join(directives, ", "))
	} else {
		out.Header.Del("Cache-Control")
	}
	out.Header.Add("Via", c.via)
}

func withoutNoCache(headers []string) []string {
	var res []string
	for _, header := range headers {
		for _, part := range strings.Split(header, ",") {
			part = strings.TrimSpace(part)
			name, _, _ := strings.Cut(part, "=")
			if part != "" && !strings.EqualFold(strings.TrimSpace(name), "no-cache") {
				res = append(res, part)
			}
		}
	}
	return res
}

type userAgentDecorator struct{}

// NewUserAgentDecorator creates a decorator that forces a blank user-agent if one wasn't previously set. This
// prevents the Go default user agent being added.
func NewUserAgentDecorator() Decorator {
	return &userAgentDecorator{}
}

func (u *userAgentDecorator) Decorate(_ *Route, _, out *http.Request) {
	if _, ok := out.Header["User-Agent"]; !ok {
		// explicitly disable User-Agent so it's not set to default value
		out.Header.Set("User-Agent", "")
	}
}
