package certificate

import (
	"crypto/tls"
	"testing"

	"github.com/csmith/polaris/site"
	"github.com/csmith/polaris/slave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSites map[string]*site.Site

func (f fakeSites) SiteForDomain(domain string) *site.Site {
	return f[domain]
}

type identities struct {
	escrow       *Details
	inline       *Details
	masterEscrow *Details
	masterInline *Details
	fallback     *Details
}

func newTestSite(reference, domain string, inline *Details) *site.Site {
	d := &slave.Declaration{Reference: reference, EnableHTTP2: true}
	if inline != nil {
		d.SSLCert = inline.Certificate
		d.SSLKey = inline.PrivateKey
	}
	return &site.Site{Reference: reference, Domain: domain, Declaration: d}
}

func newTestResolver(t *testing.T, ids identities, sites fakeSites) *Resolver {
	store, err := NewIdentityStore("")
	require.NoError(t, err)

	if ids.escrow != nil {
		_, _ = store.Put("_site", []byte(ids.escrow.Certificate+ids.escrow.PrivateKey))
	}
	if ids.masterEscrow != nil {
		_, _ = store.Put(MasterEscrowKey, []byte(ids.masterEscrow.Certificate+ids.masterEscrow.PrivateKey))
	}

	masterInline := NewMasterInlineProvider("", "")
	if ids.masterInline != nil {
		masterInline = NewMasterInlineProvider(ids.masterInline.Certificate, ids.masterInline.PrivateKey)
	}

	fallback := &StaticProvider{}
	if ids.fallback != nil {
		identity, err := ids.fallback.Identity()
		require.NoError(t, err)
		fallback = &StaticProvider{identity: identity}
	}

	return NewResolver(sites, []Provider{
		&SiteEscrowProvider{Store: store},
		&InlineProvider{},
		&MasterEscrowProvider{Store: store},
		masterInline,
		fallback,
	}, false)
}

func servedName(t *testing.T, r *Resolver, serverName string) string {
	pair, err := r.CertificateForClient(&tls.ClientHelloInfo{ServerName: serverName})
	require.NoError(t, err)
	require.NotNil(t, pair)
	leaf, err := certLeaf(pair)
	require.NoError(t, err)
	return leaf
}

func Test_Resolver_CertificateForClient_precedence(t *testing.T) {
	all := identities{
		escrow:       selfSigned(t, "escrow"),
		inline:       selfSigned(t, "inline"),
		masterEscrow: selfSigned(t, "master-escrow"),
		masterInline: selfSigned(t, "master-inline"),
		fallback:     selfSigned(t, "default"),
	}

	tests := []struct {
		name string
		ids  func(identities) identities
		want string
	}{
		{"escrow beats everything", func(i identities) identities { return i }, "escrow"},
		{"inline beats master", func(i identities) identities { i.escrow = nil; return i }, "inline"},
		{"master escrow beats master inline", func(i identities) identities { i.escrow, i.inline = nil, nil; return i }, "master-escrow"},
		{"master inline beats default", func(i identities) identities {
			i.escrow, i.inline, i.masterEscrow = nil, nil, nil
			return i
		}, "master-inline"},
		{"default", func(i identities) identities { return identities{fallback: i.fallback} }, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := tt.ids(all)
			sites := fakeSites{"site.example.com": newTestSite("site", "site.example.com", ids.inline)}
			r := newTestResolver(t, ids, sites)
			assert.Equal(t, tt.want, servedName(t, r, "site.example.com"))
		})
	}
}

func Test_Resolver_CertificateForClient_unknownHostsGetMasterIdentity(t *testing.T) {
	r := newTestResolver(t, identities{
		escrow:       selfSigned(t, "escrow"),
		masterInline: selfSigned(t, "master-inline"),
		fallback:     selfSigned(t, "default"),
	}, fakeSites{})

	assert.Equal(t, "master-inline", servedName(t, r, "unknown.example.com"))
	assert.Equal(t, "master-inline", servedName(t, r, ""))
}

func Test_Resolver_CertificateForClient_skipsUnusableIdentities(t *testing.T) {
	store, err := NewIdentityStore("")
	require.NoError(t, err)
	_, _ = store.Put("_site", []byte("not a certificate"))

	fallback, err := selfSigned(t, "default").Identity()
	require.NoError(t, err)

	r := NewResolver(fakeSites{"site.example.com": newTestSite("site", "site.example.com", nil)}, []Provider{
		&SiteEscrowProvider{Store: store},
		&StaticProvider{identity: fallback},
	}, false)

	assert.Equal(t, "default", servedName(t, r, "site.example.com"))
}

func Test_Resolver_CertificateForClient_seesNewEscrowIdentitiesImmediately(t *testing.T) {
	store, err := NewIdentityStore("")
	require.NoError(t, err)

	r := NewResolver(fakeSites{"site.example.com": newTestSite("site", "site.example.com", nil)}, []Provider{
		&SiteEscrowProvider{Store: store},
	}, false)

	_, err = r.CertificateForClient(&tls.ClientHelloInfo{ServerName: "site.example.com"})
	assert.Error(t, err)

	first := selfSigned(t, "first")
	_, _ = store.Put("_site", []byte(first.Certificate+first.PrivateKey))
	assert.Equal(t, "first", servedName(t, r, "site.example.com"))

	second := selfSigned(t, "second")
	_, _ = store.Put("_site", []byte(second.Certificate+second.PrivateKey))
	assert.Equal(t, "second", servedName(t, r, "SITE.example.com"))
}

func Test_Resolver_ConfigForClient(t *testing.T) {
	plain := newTestSite("plain", "plain.example.com", nil)
	plain.Declaration.Ciphers = []string{"ECDHE-RSA-AES256-GCM-SHA384"}

	noH2 := newTestSite("noh2", "noh2.example.com", nil)
	noH2.Declaration.EnableHTTP2 = false

	ws := newTestSite("ws", "ws.example.com", nil)
	ws.Declaration.Type = slave.TypeWebsocket

	sites := fakeSites{"plain.example.com": plain, "noh2.example.com": noH2, "ws.example.com": ws}

	tests := []struct {
		name         string
		serverName   string
		disableHTTP2 bool
		protocols    []string
		ciphers      []uint16
	}{
		{"plain site", "plain.example.com", false, []string{"h2", "http/1.1"}, []uint16{tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384}},
		{"http2 disabled for site", "noh2.example.com", false, []string{"http/1.1"}, nil},
		{"websocket site", "ws.example.com", false, []string{"http/1.1"}, nil},
		{"unknown site", "other.example.com", false, []string{"h2", "http/1.1"}, nil},
		{"http2 disabled globally", "plain.example.com", true, []string{"http/1.1"}, []uint16{tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(sites, nil, tt.disableHTTP2)
			config, err := r.ConfigForClient(&tls.ClientHelloInfo{ServerName: tt.serverName})
			require.NoError(t, err)
			assert.Equal(t, tt.protocols, config.NextProtos)
			assert.Equal(t, tt.ciphers, config.CipherSuites)
			assert.NotNil(t, config.GetCertificate)
		})
	}
}

func Test_Resolver_WrapCertificate(t *testing.T) {
	fallback, err := selfSigned(t, "default").Identity()
	require.NoError(t, err)

	r := NewResolver(fakeSites{}, []Provider{&StaticProvider{identity: fallback}}, false)

	var seen []string
	r.WrapCertificate(func(fn CertificateFunc) CertificateFunc {
		return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			seen = append(seen, hello.ServerName)
			return fn(hello)
		}
	})

	config := r.ServerConfig()
	_, err = config.GetCertificate(&tls.ClientHelloInfo{ServerName: "a.example.com"})
	require.NoError(t, err)

	perClient, err := config.GetConfigForClient(&tls.ClientHelloInfo{ServerName: "b.example.com"})
	require.NoError(t, err)
	_, err = perClient.GetCertificate(&tls.ClientHelloInfo{ServerName: "b.example.com"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.example.com", "b.example.com"}, seen)
}

func Test_Resolver_SetDisableHTTP2(t *testing.T) {
	plain := newTestSite("plain", "plain.example.com", nil)
	r := NewResolver(fakeSites{"plain.example.com": plain}, nil, false)

	config, err := r.ConfigForClient(&tls.ClientHelloInfo{ServerName: "plain.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2", "http/1.1"}, config.NextProtos)

	r.SetDisableHTTP2(true)
	config, err = r.ConfigForClient(&tls.ClientHelloInfo{ServerName: "plain.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"http/1.1"}, config.NextProtos)
}
