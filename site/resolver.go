package site

import (
	"fmt"

	"github.com/csmith/polaris/slave"
)

type candidate struct {
	site   *Site
	result *slave.Result
}

// Resolve allocates names to every accepted result, rejecting any whose names were already claimed by an
// earlier result. Domains are claimed before aliases: every site's own domain is settled first, and only then
// are aliases checked against the full set of domains and the aliases of earlier sites.
//
// Rejections are recorded on the results themselves, which are owned by the returned Generation.
func Resolve(baseDomain string, results []*slave.Result) *Generation {
	claimed := make(map[string]string)
	var candidates []candidate

	for _, res := range results {
		if !res.Accepted() {
			continue
		}

		d := res.Declaration
		domain := d.CustomDomain
		kind := "custom_domain"
		if domain == "" {
			domain = fmt.Sprintf("%s.%s", NormaliseReference(res.Reference), baseDomain)
			kind = "domain"
		}

		if _, ok := claimed[domain]; ok {
			res.Reject(fmt.Sprintf("%s '%s' clashes", kind, domain))
			continue
		}

		claimed[domain] = res.Reference
		candidates = append(candidates, candidate{site: newSite(domain, d), result: res})
	}

	var sites []*Site
	for _, c := range candidates {
		var aliases, clashes []string
		for _, alias := range c.site.Declaration.ServerAliases {
			if alias == c.site.Domain {
				continue
			}
			if _, ok := claimed[alias]; ok {
				clashes = append(clashes, fmt.Sprintf("server-alias '%s' clashes", alias))
				continue
			}
			aliases = append(aliases, alias)
		}

		if len(clashes) > 0 {
			for _, clash := range clashes {
				c.result.Reject(clash)
			}
			continue
		}

		for _, alias := range aliases {
			claimed[alias] = c.site.Reference
		}
		c.site.Aliases = aliases
		sites = append(sites, c.site)
	}

	return &Generation{
		BaseDomain: baseDomain,
		Sites:      sites,
		Results:    results,
	}
}
