package proxy

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"testing"

	"github.com/csmith/polaris/site"
	"github.com/csmith/polaris/slave"
	"github.com/stretchr/testify/require"
)

// testGeneration validates and resolves declarations, failing the test if any are rejected.
func testGeneration(t *testing.T, params map[string]slave.Parameters) *site.Generation {
	var results []*slave.Result
	for _, reference := range slices.Sorted(maps.Keys(params)) {
		res := slave.Validate(reference, params[reference], slave.DefaultDefaults())
		require.Truef(t, res.Accepted(), "%s rejected: %v", reference, res.Errors)
		results = append(results, res)
	}

	generation := site.Resolve("example.com", results)
	for _, res := range generation.Results {
		require.Truef(t, res.Accepted(), "%s rejected: %v", res.Reference, res.Errors)
	}
	return generation
}

func testSite(t *testing.T, params slave.Parameters) *site.Site {
	return testGeneration(t, map[string]slave.Parameters{"test": params}).Sites[0]
}

func testRequest(t *testing.T, target string) *http.Request {
	u, err := url.Parse(target)
	require.NoError(t, err, fmt.Sprintf("parsing %s", target))
	return &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Host:       u.Host,
		Header:     make(http.Header),
		RemoteAddr: "192.0.2.10:43210",
	}
}
