package certificate

import (
	"strings"
)

// issuer is the surface of Manager used by WildcardResolver.
type issuer interface {
	GetCertificate(subject string, altNames []string) (*Details, error)
}

// WildcardResolver rewrites certificate requests so that single-label subdomains of the configured base domains
// are covered by a wildcard. With a base of "example.com", a request for "foo.example.com" becomes a request for
// "*.example.com", while "example.com" and "a.b.example.com" are left alone.
type WildcardResolver struct {
	upstream issuer
	suffixes []string
}

// NewWildcardResolver creates a new WildcardResolver for the given base domains.
func NewWildcardResolver(upstream issuer, domains []string) *WildcardResolver {
	var suffixes []string
	for _, d := range domains {
		d = strings.TrimPrefix(d, ".")
		if d != "" {
			suffixes = append(suffixes, "."+d)
		}
	}

	return &WildcardResolver{
		upstream: upstream,
		suffixes: suffixes,
	}
}

// GetCertificate asks the upstream issuer for a certificate covering the given names, after applying wildcards.
func (w *WildcardResolver) GetCertificate(subject string, altNames []string) (*Details, error) {
	var names []string
	for _, n := range altNames {
		names = append(names, w.wildcard(n))
	}
	return w.upstream.GetCertificate(w.wildcard(subject), names)
}

func (w *WildcardResolver) wildcard(domain string) string {
	for _, suffix := range w.suffixes {
		label, ok := strings.CutSuffix(domain, suffix)
		if ok && label != "" && !strings.Contains(label, ".") {
			return "*" + suffix
		}
	}
	return domain
}
