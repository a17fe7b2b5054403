package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/csmith/polaris/slave"
)

// redirectToHTTPS sends the client to the same URL over HTTPS. The path is cleaned unless raw is set, in
// which case it's passed on exactly as requested.
func redirectToHTTPS(w http.ResponseWriter, r *http.Request, raw bool) {
	requestPath := r.URL.EscapedPath()
	if !raw {
		requestPath = cleanPath(requestPath)
	}
	http.Redirect(w, r, "https://"+r.Host+requestPath+query(r), http.StatusFound)
}

// redirectToBackend implements the redirect site type: the cleaned request path is appended to the backend
// URL as-is.
func redirectToBackend(w http.ResponseWriter, r *http.Request, backend string) {
	http.Redirect(w, r, backend+strings.TrimPrefix(cleanPath(r.URL.EscapedPath()), "/")+query(r), http.StatusFound)
}

func redirectToDefaultPath(w http.ResponseWriter, r *http.Request, scheme, defaultPath string) {
	http.Redirect(w, r, scheme+"://"+r.Host+"/"+strings.Trim(defaultPath, "/"), http.StatusMovedPermanently)
}

func query(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

func hsts(s slave.StrictTransportSecurity) string {
	value := fmt.Sprintf("max-age=%d", s.MaxAge)
	if s.IncludeSubDomains {
		value += "; includeSubDomains"
	}
	if s.Preload {
		value += "; preload"
	}
	return value
}
