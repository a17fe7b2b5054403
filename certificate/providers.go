package certificate

import (
	"sync"

	"github.com/csmith/polaris/site"
	"github.com/csmith/polaris/slave"
)

// MasterEscrowKey is the escrow key under which the master-level identity is uploaded.
const MasterEscrowKey = "master"

// Provider supplies an identity for a site, or nil if it has none to offer. The site is nil for handshakes
// that don't match any known site.
type Provider interface {
	Identity(s *site.Site) *Identity
}

// identitySource is the surface of IdentityStore used by escrow providers.
type identitySource interface {
	Identity(key string) *Identity
}

// SiteEscrowProvider provides identities uploaded to the escrow service for each individual site.
type SiteEscrowProvider struct {
	Store identitySource
}

func (p *SiteEscrowProvider) Identity(s *site.Site) *Identity {
	if s == nil {
		return nil
	}
	return p.Store.Identity(s.EscrowKey())
}

// MasterEscrowProvider provides the identity uploaded to the escrow service for the master, for every site.
type MasterEscrowProvider struct {
	Store identitySource
}

func (p *MasterEscrowProvider) Identity(_ *site.Site) *Identity {
	return p.Store.Identity(MasterEscrowKey)
}

// InlineProvider provides identities declared inline in a site's parameters.
type InlineProvider struct {
	mutex sync.Mutex
	cache map[string]inlineEntry
}

type inlineEntry struct {
	declaration *slave.Declaration
	identity    *Identity
}

func (p *InlineProvider) Identity(s *site.Site) *Identity {
	if s == nil || !s.Declaration.HasInlineCertificate() {
		return nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.cache == nil {
		p.cache = make(map[string]inlineEntry)
	}

	if entry, ok := p.cache[s.Reference]; ok && entry.declaration == s.Declaration {
		return entry.identity
	}

	d := s.Declaration
	identity := NewIdentity("inline", inlineBundle(d.SSLCert, d.SSLCACert, d.SSLKey))
	p.cache[s.Reference] = inlineEntry{declaration: d, identity: identity}
	return identity
}

// StaticProvider always provides the same identity, if it has one.
type StaticProvider struct {
	identity *Identity
}

// NewMasterInlineProvider creates a provider for the certificate and key declared inline in the master
// parameters. If either is empty the provider offers nothing.
func NewMasterInlineProvider(cert, key string) *StaticProvider {
	if cert == "" || key == "" {
		return &StaticProvider{}
	}
	return &StaticProvider{identity: NewIdentity("master-inline", inlineBundle(cert, "", key))}
}

func (p *StaticProvider) Identity(_ *site.Site) *Identity {
	return p.identity
}
