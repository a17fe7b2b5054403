package escrow

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *clock.Mock) {
	storage, err := NewFileStorage(t.TempDir(), discardLogger)
	require.NoError(t, err)

	clk := clock.NewMock()
	srv, err := NewServer(&ServerConfig{
		Log:           discardLogger,
		Storage:       storage,
		DownloadToken: "download-secret",
		Clock:         clk,
		TokenLifetime: time.Hour,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, clk
}

func Test_Server_uploadAndFetch(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := NewClient(ts.URL, "download-secret", ts.Client())
	ctx := context.Background()

	_, err := client.Fetch(ctx, "_site")
	assert.ErrorIs(t, err, ErrNotFound)

	token, err := client.GenerateAuth(ctx, "_site")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	bundle := testBundle(t, "site.example.com")
	require.NoError(t, client.Upload(ctx, "_site", token, bundle))

	data, err := client.Fetch(ctx, "_site")
	require.NoError(t, err)
	assert.Equal(t, bundle, data)
}

func Test_Server_tokensAreSingleUse(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := NewClient(ts.URL, "download-secret", ts.Client())
	ctx := context.Background()

	token, err := client.GenerateAuth(ctx, "_site")
	require.NoError(t, err)

	_, err = client.GenerateAuth(ctx, "_site")
	assert.ErrorIs(t, err, ErrUnauthorised, "second token while one is outstanding")

	require.NoError(t, client.Upload(ctx, "_site", token, testBundle(t, "a.example.com")))
	assert.ErrorIs(t, client.Upload(ctx, "_site", token, testBundle(t, "b.example.com")), ErrUnauthorised)

	_, err = client.GenerateAuth(ctx, "_site")
	assert.NoError(t, err, "new token after the previous was used")
}

func Test_Server_tokensAreBoundToKey(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := NewClient(ts.URL, "download-secret", ts.Client())
	ctx := context.Background()

	token, err := client.GenerateAuth(ctx, "_one")
	require.NoError(t, err)

	assert.ErrorIs(t, client.Upload(ctx, "_two", token, testBundle(t, "a.example.com")), ErrUnauthorised)
}

func Test_Server_tokensExpire(t *testing.T) {
	_, ts, clk := newTestServer(t)
	client := NewClient(ts.URL, "download-secret", ts.Client())
	ctx := context.Background()

	token, err := client.GenerateAuth(ctx, "_site")
	require.NoError(t, err)

	clk.Add(2 * time.Hour)
	assert.ErrorIs(t, client.Upload(ctx, "_site", token, testBundle(t, "a.example.com")), ErrUnauthorised)

	_, err = client.GenerateAuth(ctx, "_site")
	assert.NoError(t, err)
}

func Test_Server_rejectsMismatchedBundles(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := NewClient(ts.URL, "download-secret", ts.Client())
	ctx := context.Background()

	token, err := client.GenerateAuth(ctx, "_site")
	require.NoError(t, err)

	assert.ErrorIs(t, client.Upload(ctx, "_site", token, []byte("not a certificate")), ErrKeyIncorrect)

	// The token survives a rejected upload.
	assert.NoError(t, client.Upload(ctx, "_site", token, testBundle(t, "a.example.com")))
}

func Test_Server_concurrentUploadsShareOneToken(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := NewClient(ts.URL, "download-secret", ts.Client())
	ctx := context.Background()

	token, err := client.GenerateAuth(ctx, "_site")
	require.NoError(t, err)

	bundle := testBundle(t, "a.example.com")
	results := make([]error, 10)
	wg := sync.WaitGroup{}
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = client.Upload(ctx, "_site", token, bundle)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrUnauthorised)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func Test_Server_downloadRequiresToken(t *testing.T) {
	_, ts, _ := newTestServer(t)
	ctx := context.Background()

	_, err := NewClient(ts.URL, "wrong", ts.Client()).Fetch(ctx, "_site")
	assert.ErrorIs(t, err, ErrUnauthorised)

	_, err = NewClient(ts.URL, "", ts.Client()).Fetch(ctx, "_site")
	assert.ErrorIs(t, err, ErrUnauthorised)
}

func Test_Server_healthEndpoints(t *testing.T) {
	srv, ts, _ := newTestServer(t)

	get := func(path string) (int, string) {
		res, err := ts.Client().Get(ts.URL + path)
		require.NoError(t, err)
		defer res.Body.Close()
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(res.Body)
		return res.StatusCode, buf.String()
	}

	status, body := get("/livez")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"alive"}`, body)

	status, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, status)

	get("/drain")
	assert.False(t, srv.isReady.Load())
	status, body = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.JSONEq(t, `{"status":"not ready"}`, body)

	get("/undrain")
	status, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, status)
}

func Test_NewServer_requiresConfiguration(t *testing.T) {
	_, err := NewServer(&ServerConfig{DownloadToken: "x"})
	assert.Error(t, err)

	storage, err := NewFileStorage(t.TempDir(), discardLogger)
	require.NoError(t, err)
	_, err = NewServer(&ServerConfig{Storage: storage})
	assert.Error(t, err)
}
