package health

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/csmith/polaris/site"
	"github.com/csmith/polaris/slave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mutex   sync.Mutex
	err     error
	targets []Target
}

func (f *fakeProber) Probe(_ context.Context, target Target) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.targets = append(f.targets, target)
	return f.err
}

func (f *fakeProber) fail(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.err = err
}

func (f *fakeProber) calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.targets)
}

func testSites(t *testing.T, params ...slave.Parameters) []*site.Site {
	var results []*slave.Result
	for i := range params {
		results = append(results, slave.Validate(string(rune('a'+i)), params[i], slave.DefaultDefaults()))
	}
	generation := site.Resolve("example.com", results)
	require.Len(t, generation.Sites, len(params))
	return generation.Sites
}

func checked(url string) slave.Parameters {
	return slave.Parameters{
		"url":                   url,
		"health-check":          true,
		"health-check-interval": 1,
		"health-check-timeout":  1,
		"health-check-fall":     2,
		"health-check-rise":     1,
	}
}

func Test_Controller_ignoresSitesWithoutHealthChecks(t *testing.T) {
	prober := &fakeProber{}
	c := NewController(prober, clock.NewMock(), nil)
	c.Sync(testSites(t, slave.Parameters{"url": "http://backend:8080/"}))

	c.RunDue(context.Background())
	assert.Equal(t, 0, prober.calls())
	assert.Equal(t, Up, c.Status("a"))
}

func Test_Controller_probesWithConfiguredRequest(t *testing.T) {
	prober := &fakeProber{}
	c := NewController(prober, clock.NewMock(), nil)

	params := checked("https://backend:8443/base")
	params["health-check-http-method"] = "HEAD"
	params["health-check-http-path"] = "/status page"
	params["health-check-http-version"] = "HTTP/1.0"
	c.Sync(testSites(t, params))

	c.RunDue(context.Background())
	require.Equal(t, 1, prober.calls())
	target := prober.targets[0]
	assert.Equal(t, "https://backend:8443/base", target.URL)
	assert.Equal(t, "HEAD", target.Method)
	assert.Equal(t, "/status%20page", target.Path)
	assert.Equal(t, "HTTP/1.0", target.Version)
	assert.Equal(t, time.Second, target.Timeout)
}

func Test_Controller_fallsAndRises(t *testing.T) {
	prober := &fakeProber{err: errors.New("502")}
	clk := clock.NewMock()
	c := NewController(prober, clk, nil)

	var changes []Status
	c.OnChange(func(_ string, status Status) {
		changes = append(changes, status)
	})
	c.Sync(testSites(t, checked("http://backend/")))

	c.RunDue(context.Background())
	assert.Equal(t, Up, c.Status("a"))

	// Not due again until the interval has passed.
	c.RunDue(context.Background())
	assert.Equal(t, 1, prober.calls())

	clk.Add(time.Second)
	c.RunDue(context.Background())
	assert.Equal(t, Down, c.Status("a"))

	prober.fail(nil)
	clk.Add(time.Second)
	c.RunDue(context.Background())
	assert.Equal(t, Up, c.Status("a"))

	assert.Equal(t, []Status{Up, Down, Up}, changes)
}

func Test_Controller_syncPreservesUnchangedChecks(t *testing.T) {
	prober := &fakeProber{err: errors.New("refused")}
	clk := clock.NewMock()
	c := NewController(prober, clk, nil)

	sites := testSites(t, checked("http://backend/"))
	c.Sync(sites)
	c.RunDue(context.Background())
	clk.Add(time.Second)
	c.RunDue(context.Background())
	require.Equal(t, Down, c.Status("a"))

	c.Sync(testSites(t, checked("http://backend/")))
	assert.Equal(t, Down, c.Status("a"))

	c.Sync(testSites(t, checked("http://other-backend/")))
	assert.Equal(t, Up, c.Status("a"), "changed target restarts the check")

	c.Sync(nil)
	assert.Equal(t, Up, c.Status("a"), "untracked sites are up")
}

func Test_Controller_clientCertificateOnlyWhenAuthenticating(t *testing.T) {
	prober := &fakeProber{}
	cert := &tls.Certificate{}
	c := NewController(prober, clock.NewMock(), cert)

	params := checked("https://backend/")
	params["authenticate-to-backend"] = true
	c.Sync(testSites(t, params, checked("https://other/")))
	c.RunDue(context.Background())
	require.Equal(t, 2, prober.calls())

	for _, target := range prober.targets {
		if target.URL == "https://backend/" {
			assert.Same(t, cert, target.ClientCertificate)
		} else {
			assert.Nil(t, target.ClientCertificate)
		}
	}
}

func Test_Controller_Run(t *testing.T) {
	prober := &fakeProber{}
	clk := clock.NewMock()
	c := NewController(prober, clk, nil)
	c.Sync(testSites(t, checked("http://backend/")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return prober.calls() == 1 }, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		clk.Add(tickInterval)
		return prober.calls() >= 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
