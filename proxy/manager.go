package proxy

import (
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/csmith/polaris/site"
	"go.uber.org/atomic"
)

// table is an immutable snapshot of the sites in one generation, indexed by name.
type table struct {
	generation *site.Generation
	exact      map[string]*site.Site
	wildcards  []wildcard
}

type wildcard struct {
	suffix string
	site   *site.Site
}

// Manager is responsible for maintaining the current set of sites and mapping domains to them. Readers always
// see a complete generation: new ones are indexed off to the side and then swapped in.
type Manager struct {
	table       atomic.Pointer[table]
	generations atomic.Int64
}

// NewManager creates a new manager with no sites. Sites should be set using SetGeneration after creation.
func NewManager() *Manager {
	m := &Manager{}
	m.table.Store(&table{exact: map[string]*site.Site{}})
	return m
}

// SetGeneration replaces all previously registered sites with those accepted in the given generation.
func (m *Manager) SetGeneration(g *site.Generation) {
	t := &table{
		generation: g,
		exact:      make(map[string]*site.Site),
	}

	for i := range g.Sites {
		s := g.Sites[i]
		for _, name := range s.Names() {
			name = strings.ToLower(name)
			if suffix, ok := strings.CutPrefix(name, "*"); ok {
				t.wildcards = append(t.wildcards, wildcard{suffix: suffix, site: s})
			} else {
				t.exact[name] = s
			}
		}
	}

	sort.SliceStable(t.wildcards, func(i, j int) bool {
		return len(t.wildcards[i].suffix) > len(t.wildcards[j].suffix)
	})

	m.table.Store(t)
	n := m.generations.Inc()
	slog.Info("Installed generation", "generation", n, "sites", len(g.Sites), "names", len(t.exact)+len(t.wildcards))
}

// Generation returns the generation currently being served, or nil if none has been set.
func (m *Manager) Generation() *site.Generation {
	return m.table.Load().generation
}

// SiteForDomain returns the site serving the given host. Exact names take priority over wildcards, and longer
// wildcards over shorter ones. If no site matches, nil is returned.
func (m *Manager) SiteForDomain(host string) *site.Site {
	domain := normaliseHost(host)
	t := m.table.Load()

	if s, ok := t.exact[domain]; ok {
		return s
	}

	for i := range t.wildcards {
		if strings.HasSuffix(domain, t.wildcards[i].suffix) && len(domain) > len(t.wildcards[i].suffix) {
			return t.wildcards[i].site
		}
	}
	return nil
}

// normaliseHost strips any port and trailing dot from a Host header or server name.
func normaliseHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
