package proxy

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/csmith/polaris/site"
	"github.com/csmith/polaris/slave"
)

// Route is the decision made for one request: which site it belongs to and where it will be sent.
type Route struct {
	Site     *site.Site
	Scheme   string
	Failover bool

	// Base is the configured backend URL the request is forwarded to.
	Base string
	// Target is the fully built upstream URL, with the request path appended to Base.
	Target *url.URL

	VerifyCertificate bool
	CACertificate     string
	Authenticate      bool
}

type routeKey struct{}

func withRoute(ctx context.Context, route *Route) context.Context {
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFrom(ctx context.Context) *Route {
	route, _ := ctx.Value(routeKey{}).(*Route)
	return route
}

// newRoute builds the route for a request to the given site, using the failover backend if requested.
// It returns nil if the site has no backend for the request's scheme.
func newRoute(s *site.Site, scheme string, failover bool, req *http.Request) *Route {
	route := &Route{Site: s, Scheme: scheme, Failover: failover}
	if failover {
		route.Base = s.Backend.FailoverFor(scheme)
		route.VerifyCertificate = s.Backend.FailoverVerifyCertificate
		route.CACertificate = s.Backend.FailoverCACertificate
		route.Authenticate = s.Backend.AuthenticateToFailoverBackend
	} else {
		route.Base = s.Backend.For(scheme)
		route.VerifyCertificate = s.Backend.VerifyCertificate
		route.CACertificate = s.Backend.CACertificate
		route.Authenticate = s.Backend.AuthenticateToBackend
	}

	if route.Base == "" {
		return nil
	}

	requestPath := cleanPath(req.URL.EscapedPath())
	if s.Declaration.Type == slave.TypeZope {
		requestPath = zopePath(s, scheme, requestPath)
	}

	target, err := backendURL(route.Base, requestPath, req.URL.RawQuery)
	if err != nil {
		return nil
	}
	route.Target = target
	return route
}

// backendURL joins the backend base and the request by plain concatenation. Slashes in the configured base
// are kept exactly as given, and a query string in the base ends up ahead of the request path. An empty path
// is sent as "/".
func backendURL(base, requestPath, query string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}

	target := strings.TrimSuffix(u.EscapedPath(), "/")
	if u.RawQuery != "" || u.ForceQuery {
		target += "?" + u.RawQuery
	}
	target += requestPath

	if query != "" {
		if strings.Contains(target, "?") {
			target += "&" + query
		} else {
			target += "?" + query
		}
	}

	rawPath, rawQuery, hasQuery := strings.Cut(target, "?")
	unescaped, err := url.PathUnescape(rawPath)
	if err != nil {
		unescaped = rawPath
	}

	return &url.URL{
		Scheme:     u.Scheme,
		Host:       u.Host,
		Path:       unescaped,
		RawPath:    rawPath,
		RawQuery:   rawQuery,
		ForceQuery: hasQuery && rawQuery == "",
	}, nil
}

// zopePath builds a Zope virtual host monster path so that the backend generates URLs for the public site.
func zopePath(s *site.Site, scheme, requestPath string) string {
	port := 80
	if scheme == "https" {
		port = 443
		if s.Declaration.VirtualHostRootHTTPSPort > 0 {
			port = s.Declaration.VirtualHostRootHTTPSPort
		}
	} else if s.Declaration.VirtualHostRootHTTPPort > 0 {
		port = s.Declaration.VirtualHostRootHTTPPort
	}

	return "/VirtualHostBase/" + scheme + "//" + s.Domain + ":" + strconv.Itoa(port) +
		"/" + strings.Trim(s.Declaration.Path, "/") +
		"/VirtualHostRoot/" + strings.TrimPrefix(requestPath, "/")
}

// cleanPath resolves dot segments and duplicate slashes, keeping any trailing slash.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}
