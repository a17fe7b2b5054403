package metrics

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/csmith/polaris/certificate"
	"github.com/csmith/polaris/health"
	"github.com/csmith/polaris/site"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder provides methods to track metrics for handshakes, responses and backends.
type Recorder struct {
	registry        *prometheus.Registry
	helloCounter    *prometheus.CounterVec
	responseCounter *prometheus.CounterVec
	cacheCounter    *prometheus.CounterVec
	backendUp       *prometheus.GaugeVec
	slaves          *prometheus.GaugeVec

	mutex sync.Mutex
	sites map[string]bool
}

// NewRecorder creates a new Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		helloCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polaris_tls_hello_total",
			Help: "The total number of TLS client hellos processed",
		}, []string{"known"}),

		responseCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polaris_response_total",
			Help: "The total number of HTTP responses sent to clients",
		}, []string{"site", "status"}),

		cacheCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polaris_cache_total",
			Help: "The total number of cache lookups, by outcome",
		}, []string{"site", "result"}),

		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polaris_backend_up",
			Help: "Whether the health check for a site's backend is passing",
		}, []string{"site"}),

		slaves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polaris_slaves",
			Help: "The number of slaves in the installed generation, by state",
		}, []string{"state"}),
	}
	r.registerMetrics()
	return r
}

// registerMetrics registers the various metrics we will record with the prometheus registry
func (r *Recorder) registerMetrics() {
	for name, c := range map[string]prometheus.Collector{
		"hello counter":    r.helloCounter,
		"response counter": r.responseCounter,
		"cache counter":    r.cacheCounter,
		"backend gauge":    r.backendUp,
		"slave gauge":      r.slaves,
	} {
		if err := r.registry.Register(c); err != nil {
			slog.Error(fmt.Sprintf("Failed to register %s", name), "error", err)
		}
	}

	// Prometheus-supplied general process metrics
	if err := r.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		slog.Error("Failed to register process collector", "error", err)
	}

	if err := r.registry.Register(collectors.NewGoCollector()); err != nil {
		slog.Error("Failed to register go collector", "error", err)
	}
}

// Handler returns a HTTP handler that will provide prometheus metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		r.registry,
		promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}),
	)
}

// TrackHello wraps the GetCertificate field of tls.Config, recording whether
// or not a certificate was returned.
func (r *Recorder) TrackHello(fn certificate.CertificateFunc) certificate.CertificateFunc {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := fn(hello)

		r.helloCounter.With(prometheus.Labels{
			"known": strconv.FormatBool(cert != nil),
		}).Inc()

		return cert, err
	}
}

// TrackResponse records a response sent to a client. Requests that didn't match a site have an empty site.
func (r *Recorder) TrackResponse(site string, status int) {
	r.responseCounter.With(prometheus.Labels{
		"site":   site,
		"status": strconv.Itoa(status),
	}).Inc()
}

// TrackCache records the outcome of a cache lookup.
func (r *Recorder) TrackCache(site string, result string) {
	r.cacheCounter.With(prometheus.Labels{
		"site":   site,
		"result": result,
	}).Inc()
}

// TrackHealth records a change in a site's backend health.
func (r *Recorder) TrackHealth(site string, status health.Status) {
	value := 0.0
	if status == health.Up {
		value = 1
	}
	r.backendUp.With(prometheus.Labels{"site": site}).Set(value)
}

// TrackGeneration records the slave counts of a newly installed generation, and forgets the health of any
// site that is no longer checked.
func (r *Recorder) TrackGeneration(generation *site.Generation) {
	var accepted, rejected int
	for _, res := range generation.Results {
		if res.Accepted() {
			accepted++
		} else {
			rejected++
		}
	}
	r.slaves.With(prometheus.Labels{"state": "accepted"}).Set(float64(accepted))
	r.slaves.With(prometheus.Labels{"state": "rejected"}).Set(float64(rejected))

	r.mutex.Lock()
	defer r.mutex.Unlock()

	current := make(map[string]bool, len(generation.Sites))
	for _, s := range generation.Sites {
		if s.Declaration.HealthCheck.Enabled {
			current[s.Reference] = true
		}
	}
	for reference := range r.sites {
		if !current[reference] {
			r.backendUp.DeleteLabelValues(reference)
		}
	}
	r.sites = current
}
