package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Directives are the parts of a Cache-Control header that affect caching decisions.
type Directives struct {
	MaxAge               time.Duration
	HasMaxAge            bool
	StaleWhileRevalidate time.Duration
	StaleIfError         time.Duration
	NoStore              bool
	NoCache              bool
	Private              bool
}

// ParseDirectives parses a Cache-Control header. s-maxage takes priority over max-age, and unknown or
// malformed directives are ignored.
func ParseDirectives(header string) Directives {
	var d Directives
	var sharedMaxAge time.Duration
	hasShared := false

	for _, part := range strings.Split(header, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch name {
		case "max-age":
			if seconds, ok := parseSeconds(value); ok {
				d.MaxAge = seconds
				d.HasMaxAge = true
			}
		case "s-maxage":
			if seconds, ok := parseSeconds(value); ok {
				sharedMaxAge = seconds
				hasShared = true
			}
		case "stale-while-revalidate":
			if seconds, ok := parseSeconds(value); ok {
				d.StaleWhileRevalidate = seconds
			}
		case "stale-if-error":
			if seconds, ok := parseSeconds(value); ok {
				d.StaleIfError = seconds
			}
		case "no-store":
			d.NoStore = true
		case "no-cache":
			d.NoCache = true
		case "private":
			d.Private = true
		}
	}

	if hasShared {
		d.MaxAge = sharedMaxAge
		d.HasMaxAge = true
	}
	return d
}

func parseSeconds(value string) (time.Duration, bool) {
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil || i < 0 {
		return 0, false
	}
	return time.Duration(i) * time.Second, true
}

// BypassRequested reports whether the client asked for the cache to be bypassed.
func BypassRequested(header http.Header) bool {
	for _, v := range header.Values("Pragma") {
		if strings.Contains(strings.ToLower(v), "no-cache") {
			return true
		}
	}
	return ParseDirectives(strings.Join(header.Values("Cache-Control"), ",")).NoCache
}

// Key returns the cache key for a request. It deliberately ignores anything about the client.
func Key(scheme, host, uri string) string {
	return scheme + "://" + strings.ToLower(host) + uri
}
