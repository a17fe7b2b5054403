package health

import (
	"context"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_HTTPProber(t *testing.T) {
	var (
		mutex sync.Mutex
		seen  []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		seen = append(seen, r.Method+" "+r.Proto)
		mutex.Unlock()
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/redirect":
			w.WriteHeader(http.StatusFound)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer ts.Close()

	tests := []struct {
		name    string
		target  Target
		wantErr bool
	}{
		{"healthy", Target{URL: ts.URL, Method: "GET", Path: "/ok", Version: "HTTP/1.1"}, false},
		{"redirect is healthy", Target{URL: ts.URL, Method: "GET", Path: "/redirect", Version: "HTTP/1.1"}, false},
		{"bad gateway", Target{URL: ts.URL, Method: "GET", Path: "/broken", Version: "HTTP/1.1"}, true},
		{"http 1.0", Target{URL: ts.URL, Method: "HEAD", Path: "/ok", Version: "HTTP/1.0"}, false},
		{"timeout", Target{URL: ts.URL, Method: "GET", Path: "/slow", Version: "HTTP/1.1", Timeout: 50 * time.Millisecond}, true},
		{"connect only", Target{URL: ts.URL, Method: "CONNECT", Path: "/broken", Version: "HTTP/1.1"}, false},
		{"connection refused", Target{URL: "http://127.0.0.1:1", Method: "GET", Path: "/", Version: "HTTP/1.1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&HTTPProber{}).Probe(context.Background(), tt.target)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	require.NoError(t, (&HTTPProber{}).Probe(context.Background(), Target{URL: ts.URL, Method: "OPTIONS", Path: "/ok", Version: "HTTP/1.0"}))
	mutex.Lock()
	defer mutex.Unlock()
	assert.Contains(t, seen, "OPTIONS HTTP/1.0")
}

func Test_HTTPProber_tls(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	ca := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ts.Certificate().Raw}))
	base := Target{URL: ts.URL, Method: "GET", Path: "/", Version: "HTTP/1.1"}

	assert.NoError(t, (&HTTPProber{}).Probe(context.Background(), base), "unverified")

	verified := base
	verified.VerifyCertificate = true
	assert.Error(t, (&HTTPProber{}).Probe(context.Background(), verified), "unknown authority")

	verified.CACertificate = ca
	assert.NoError(t, (&HTTPProber{}).Probe(context.Background(), verified))

	verified.CACertificate = "garbage"
	assert.Error(t, (&HTTPProber{}).Probe(context.Background(), verified))
}
