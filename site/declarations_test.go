package site

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/csmith/polaris/slave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func caCertificate(t *testing.T) string {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// Test_Resolve_masterPartition resolves a full set of awkward declarations, none of which is patched up with a
// backend, and checks the published errors and warnings exactly.
func Test_Resolve_masterPartition(t *testing.T) {
	const (
		backendURL      = "http://[fd46::c2ae]:8080/"
		backendHTTPSURL = "https://[fd46::c2ae]:8443/"
	)

	healthCheck := func(key, value string) slave.Parameters {
		return slave.Parameters{"health-check": true, key: value}
	}

	declarations := []struct {
		reference string
		params    slave.Parameters
	}{
		{"URL", slave.Parameters{"url": "https://[fd46::c2ae]:!py!u'123123'"}},
		{"HTTPS-URL", slave.Parameters{"https-url": "https://[fd46::c2ae]:!py!u'123123'"}},
		{"SSL-PROXY-VERIFY_SSL_PROXY_CA_CRT_DAMAGED", slave.Parameters{
			"url": backendHTTPSURL, "ssl-proxy-verify": true, "ssl_proxy_ca_crt": "damaged",
		}},
		{"SSL-PROXY-VERIFY_SSL_PROXY_CA_CRT_EMPTY", slave.Parameters{
			"url": backendHTTPSURL, "ssl-proxy-verify": true, "ssl_proxy_ca_crt": "",
		}},
		{"health-check-failover-SSL-PROXY-VERIFY_SSL_PROXY_CA_CRT_DAMAGED", slave.Parameters{
			"url":                                    backendHTTPSURL,
			"health-check-failover-ssl-proxy-verify": true,
			"health-check-failover-ssl-proxy-ca-crt": "damaged",
		}},
		{"health-check-failover-SSL-PROXY-VERIFY_SSL_PROXY_CA_CRT_EMPTY", slave.Parameters{
			"url":                                    backendHTTPSURL,
			"health-check-failover-ssl-proxy-verify": true,
			"health-check-failover-ssl-proxy-ca-crt": "",
		}},
		{"BAD-BACKEND", slave.Parameters{"url": "http://1:2:3:4", "https-url": "http://host.domain:badport"}},
		{"EMPTY-BACKEND", slave.Parameters{"url": "", "https-url": ""}},
		{"CUSTOM_DOMAIN-UNSAFE", slave.Parameters{"custom_domain": "${section:option} afterspace\nafternewline"}},
		{"SERVER-ALIAS-UNSAFE", slave.Parameters{"server-alias": "${section:option} afterspace"}},
		{"SERVER-ALIAS-SAME", slave.Parameters{"url": backendURL, "server-alias": "serveraliassame.example.com"}},
		{"VIRTUALHOSTROOT-HTTP-PORT-UNSAFE", slave.Parameters{
			"type": "zope", "url": backendURL, "virtualhostroot-http-port": "${section:option}",
		}},
		{"VIRTUALHOSTROOT-HTTPS-PORT-UNSAFE", slave.Parameters{
			"type": "zope", "url": backendURL, "virtualhostroot-https-port": "${section:option}",
		}},
		{"DEFAULT-PATH-UNSAFE", slave.Parameters{
			"type": "zope", "url": backendURL, "default-path": "${section:option}\nn\"\newline\n}\n}proxy\n/slashed",
		}},
		{"MONITOR-IPV4-TEST-UNSAFE", slave.Parameters{"monitor-ipv4-test": "${section:option}\nafternewline ipv4"}},
		{"MONITOR-IPV6-TEST-UNSAFE", slave.Parameters{"monitor-ipv6-test": "${section:option}\nafternewline ipv6"}},
		{"BAD-CIPHERS", slave.Parameters{"ciphers": "bad ECDHE-ECDSA-AES256-GCM-SHA384 again"}},
		{"SITE_1", slave.Parameters{"custom_domain": "duplicate.example.com"}},
		{"SITE_2", slave.Parameters{"custom_domain": "duplicate.example.com"}},
		{"SITE_3", slave.Parameters{"server-alias": "duplicate.example.com"}},
		{"SITE_4", slave.Parameters{"custom_domain": "duplicate.example.com", "server-alias": "duplicate.example.com"}},
		{"SSL_CA_CRT_ONLY", slave.Parameters{"url": backendURL, "ssl_ca_crt": caCertificate(t)}},
		{"SSL_KEY-SSL_CRT-UNSAFE", slave.Parameters{
			"ssl_key": "${section:option}ssl_keyunsafe\nunsafe",
			"ssl_crt": "${section:option}ssl_crtunsafe\nunsafe",
		}},
		{"health-check-http-method", healthCheck("health-check-http-method", "WRONG")},
		{"health-check-http-version", healthCheck("health-check-http-version", "WRONG/1.1")},
		{"health-check-timeout", healthCheck("health-check-timeout", "WRONG")},
		{"health-check-timeout-negative", healthCheck("health-check-timeout", "-2")},
		{"health-check-interval", healthCheck("health-check-interval", "WRONG")},
		{"health-check-interval-negative", healthCheck("health-check-interval", "-2")},
		{"health-check-rise", healthCheck("health-check-rise", "WRONG")},
		{"health-check-rise-negative", healthCheck("health-check-rise", "-2")},
		{"health-check-fall", healthCheck("health-check-fall", "WRONG")},
		{"health-check-fall-negative", healthCheck("health-check-fall", "-2")},
	}

	var results []*slave.Result
	for _, d := range declarations {
		results = append(results, slave.Validate(d.reference, d.params, slave.DefaultDefaults()))
	}

	summary := Resolve("example.com", results).Summary()

	assert.Equal(t, "5", summary.AcceptedSlaveAmount)
	assert.Equal(t, "28", summary.RejectedSlaveAmount)
	assert.Equal(t, "33", summary.SlaveAmount)
	assert.Equal(t, map[string][]string{
		"_HTTPS-URL": {`slave https-url "https://[fd46::c2ae]:!py!u'123123'" invalid`},
		"_URL":       {`slave url "https://[fd46::c2ae]:!py!u'123123'" invalid`},
		"_SSL-PROXY-VERIFY_SSL_PROXY_CA_CRT_DAMAGED": {"ssl_proxy_ca_crt is invalid"},
		"_SSL-PROXY-VERIFY_SSL_PROXY_CA_CRT_EMPTY":   {"ssl_proxy_ca_crt is invalid"},
		"_BAD-CIPHERS": {
			"Cipher 'again' is not supported.",
			"Cipher 'bad' is not supported.",
		},
		"_CUSTOM_DOMAIN-UNSAFE": {`custom_domain '${section:option} afterspace\nafternewline' invalid`},
		"_SERVER-ALIAS-UNSAFE": {
			"server-alias '${section:option}' not valid",
			"server-alias 'afterspace' not valid",
		},
		"_SITE_2":                 {"custom_domain 'duplicate.example.com' clashes"},
		"_SITE_3":                 {"server-alias 'duplicate.example.com' clashes"},
		"_SITE_4":                 {"custom_domain 'duplicate.example.com' clashes"},
		"_SSL_CA_CRT_ONLY":        {"ssl_ca_crt is present, so ssl_crt and ssl_key are required"},
		"_SSL_KEY-SSL_CRT-UNSAFE": {"slave ssl_key and ssl_crt does not match"},
		"_BAD-BACKEND": {
			"slave https-url 'http://host.domain:badport' invalid",
			"slave url 'http://1:2:3:4' invalid",
		},
		"_VIRTUALHOSTROOT-HTTP-PORT-UNSAFE":  {"Wrong virtualhostroot-http-port '${section:option}'"},
		"_VIRTUALHOSTROOT-HTTPS-PORT-UNSAFE": {"Wrong virtualhostroot-https-port '${section:option}'"},
		"_EMPTY-BACKEND": {
			"slave https-url '' invalid",
			"slave url '' invalid",
		},
		"_health-check-failover-SSL-PROXY-VERIFY_SSL_PROXY_CA_CRT_DAMAGED": {"health-check-failover-ssl-proxy-ca-crt is invalid"},
		"_health-check-failover-SSL-PROXY-VERIFY_SSL_PROXY_CA_CRT_EMPTY":   {"health-check-failover-ssl-proxy-ca-crt is invalid"},
		"_health-check-fall":              {"Wrong health-check-fall WRONG"},
		"_health-check-fall-negative":     {"Wrong health-check-fall -2"},
		"_health-check-http-method":       {"Wrong health-check-http-method WRONG"},
		"_health-check-http-version":      {"Wrong health-check-http-version WRONG/1.1"},
		"_health-check-interval":          {"Wrong health-check-interval WRONG"},
		"_health-check-interval-negative": {"Wrong health-check-interval -2"},
		"_health-check-rise":              {"Wrong health-check-rise WRONG"},
		"_health-check-rise-negative":     {"Wrong health-check-rise -2"},
		"_health-check-timeout":           {"Wrong health-check-timeout WRONG"},
		"_health-check-timeout-negative":  {"Wrong health-check-timeout -2"},
	}, summary.RejectedSlaveDict)
	assert.Equal(t, map[string][]string{
		"_SSL_CA_CRT_ONLY": {"ssl_ca_crt is obsolete, please use key-upload-url"},
		"_SSL_KEY-SSL_CRT-UNSAFE": {
			"ssl_crt is obsolete, please use key-upload-url",
			"ssl_key is obsolete, please use key-upload-url",
		},
	}, summary.WarningSlaveDict)
}
