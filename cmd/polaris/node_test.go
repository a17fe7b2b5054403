package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/csmith/polaris/certificate"
	"github.com/csmith/polaris/config"
	"github.com/csmith/polaris/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseDocument(t *testing.T, document string) *config.Document {
	doc, err := config.Parse(strings.NewReader(document))
	require.NoError(t, err)
	return doc
}

func selfSignedPEM(t *testing.T, subject string) (string, string) {
	details, err := certificate.NewSelfSignedSupplier().GetCertificate(subject, nil)
	require.NoError(t, err)
	return details.Certificate, details.PrivateKey
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}

func testNode(t *testing.T, defaultIdentity *certificate.DefaultIdentity) *node {
	store, err := certificate.NewIdentityStore("")
	require.NoError(t, err)

	return assembleNode(&certificateSources{
		escrowStore:     store,
		defaultIdentity: defaultIdentity,
	}, nil, nil, "test-node")
}

func Test_Node_install_routesToDeclaredBackends(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "backend saw "+r.URL.RequestURI()+" from "+r.Header.Get("X-Forwarded-For"))
	}))
	defer backend.Close()

	n := testNode(t, nil)
	require.NoError(t, n.install(parseDocument(t, `
master:
  domain: example.org
slaves:
  - reference: My_Site
    parameters:
      url: `+backend.URL+`/base
  - reference: broken
    parameters:
      url: "not a url"
`)))

	s := n.manager.SiteForDomain("mysite.example.org")
	require.NotNil(t, s)
	assert.Equal(t, "My_Site", s.Reference)
	assert.Nil(t, n.manager.SiteForDomain("broken.example.org"))

	req := httptest.NewRequest(http.MethodGet, "https://mysite.example.org/page?q=1", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	rec := httptest.NewRecorder()
	n.dispatcher.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "backend saw /base/page?q=1 from 192.0.2.10", rec.Body.String())
}

func Test_Node_install_rejectsBadMasterParametersWithoutChangingAnything(t *testing.T) {
	n := testNode(t, nil)
	require.NoError(t, n.install(parseDocument(t, `
slaves:
  - reference: first
    parameters: {url: "http://first/"}
`)))
	first := n.manager.Generation()

	err := n.install(parseDocument(t, `
master:
  ram-cache-size: lots
slaves:
  - reference: second
    parameters: {url: "http://second/"}
`))
	assert.ErrorContains(t, err, "ram-cache-size")
	assert.Same(t, first, n.manager.Generation())
	assert.NotNil(t, n.manager.SiteForDomain("first.example.com"))
}

func Test_Node_install_appliesMasterParameters(t *testing.T) {
	n := testNode(t, nil)

	cert, key := selfSignedPEM(t, "master.example.com")
	require.NoError(t, n.install(parseDocument(t, `
master:
  global-disable-http2: "true"
  apache-certificate: |
`+indent(cert, "    ")+`
  apache-key: |
`+indent(key, "    ")+`
slaves:
  - reference: site
    parameters: {url: "http://site/"}
`)))

	identity := n.resolver.IdentityFor(n.manager.SiteForDomain("site.example.com"))
	require.NotNil(t, identity)
	assert.Equal(t, "master-inline", identity.Source)

	tlsConfig, err := n.resolver.ConfigForClient(&tls.ClientHelloInfo{ServerName: "site.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"http/1.1"}, tlsConfig.NextProtos)

	require.NoError(t, n.install(parseDocument(t, `
slaves:
  - reference: site
    parameters: {url: "http://site/"}
`)))
	assert.Nil(t, n.resolver.IdentityFor(n.manager.SiteForDomain("site.example.com")))
}

func Test_Node_install_obtainsDefaultIdentityForDomain(t *testing.T) {
	n := testNode(t, certificate.NewDefaultIdentity(certificate.NewSelfSignedSupplier(), clock.NewMock(), ""))

	require.NoError(t, n.install(parseDocument(t, `
master:
  domain: example.net
`)))

	assert.Eventually(t, func() bool {
		identity := n.resolver.IdentityFor(nil)
		if identity == nil {
			return false
		}
		pair, err := identity.KeyPair()
		return err == nil && pair.Leaf != nil && pair.Leaf.Subject.CommonName == "*.example.net"
	}, 5*time.Second, 10*time.Millisecond)
}

func Test_Node_install_tracksHealthChecks(t *testing.T) {
	n := testNode(t, nil)
	require.NoError(t, n.install(parseDocument(t, `
slaves:
  - reference: checked
    parameters: {url: "http://127.0.0.1:1/", health-check: "true", health-check-fall: 1}
`)))
	assert.Equal(t, health.Up, n.health.Status("checked"))

	n.health.RunDue(context.Background())
	assert.Equal(t, health.Down, n.health.Status("checked"))

	req := httptest.NewRequest(http.MethodGet, "https://checked.example.com/", nil)
	rec := httptest.NewRecorder()
	n.dispatcher.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func Test_Node_install_writesSummary(t *testing.T) {
	n := testNode(t, nil)
	n.summaryPath = filepath.Join(t.TempDir(), "summary.json")
	n.escrowURL = "https://escrow.example.com"

	require.NoError(t, n.install(parseDocument(t, `
slaves:
  - reference: good
    parameters: {url: "http://good/"}
  - reference: bad
    parameters: {url: ""}
`)))

	data, err := os.ReadFile(n.summaryPath)
	require.NoError(t, err)

	var published map[string]any
	require.NoError(t, json.Unmarshal(data, &published))
	assert.Equal(t, "1", published["accepted-slave-amount"])
	assert.Equal(t, "1", published["rejected-slave-amount"])
	assert.Equal(t, "2", published["slave-amount"])
	assert.Equal(t, map[string]any{"_bad": []any{"slave url '' invalid"}}, published["rejected-slave-dict"])

	slaves := published["slaves"].(map[string]any)
	good := slaves["good"].(map[string]any)
	assert.Equal(t, "good.example.com", good["domain"])
	assert.Equal(t, "https://escrow.example.com/_good/generateauth", good["key-generate-auth-url"])
	bad := slaves["bad"].(map[string]any)
	assert.Equal(t, []any{"slave url '' invalid"}, bad["request-error-list"])
}

func Test_escrowKeys(t *testing.T) {
	p, err := prepare(parseDocument(t, `
slaves:
  - reference: one
    parameters: {url: "http://one/"}
  - reference: rejected
    parameters: {url: ""}
  - reference: two
    parameters: {url: "http://two/"}
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"master", "_one", "_two"}, escrowKeys(p.generation))
}

func Test_masterInlineProvider(t *testing.T) {
	m := &masterInlineProvider{}
	assert.Nil(t, m.Identity(nil))

	cert, key := selfSignedPEM(t, "master.example.com")
	m.set(cert, key)
	first := m.Identity(nil)
	require.NotNil(t, first)

	m.set(cert, key)
	assert.Same(t, first, m.Identity(nil), "unchanged declarations keep the parsed identity")

	m.set("", "")
	assert.Nil(t, m.Identity(nil))
}
