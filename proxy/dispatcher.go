package proxy

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strconv"

	"github.com/csmith/polaris/cache"
	"github.com/csmith/polaris/health"
	"github.com/csmith/polaris/site"
	"github.com/csmith/polaris/slave"
)

// siteProvider is the surface we use to interact with the Manager.
type siteProvider interface {
	SiteForDomain(string) *site.Site
}

// healthProvider is the surface we use to interact with the health.Controller.
type healthProvider interface {
	Status(reference string) health.Status
}

// DispatcherConfig holds everything a Dispatcher needs. Health and Cache may be nil, in which case every
// backend is considered up and nothing is cached.
type DispatcherConfig struct {
	Sites      siteProvider
	Health     healthProvider
	Cache      *cache.Policy
	Transports *Transports
	Rewriter   *Rewriter

	// OnResponse, if set, is called with the status of every response. Requests for unknown hosts have an
	// empty site.
	OnResponse func(site string, status int)
	// OnCache, if set, is called with the outcome of every cache lookup.
	OnCache func(site string, outcome string)
}

// Dispatcher is the http.Handler that serves every site: it picks the site for the request, applies the
// site's redirects and policies, and forwards to the healthy backend, via the cache where enabled.
type Dispatcher struct {
	sites      siteProvider
	health     healthProvider
	cache      *cache.Policy
	transports *Transports
	rewriter   *Rewriter
	proxy      *httputil.ReverseProxy

	onResponse func(string, int)
	onCache    func(string, string)
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		sites:      cfg.Sites,
		health:     cfg.Health,
		cache:      cfg.Cache,
		transports: cfg.Transports,
		rewriter:   cfg.Rewriter,
		onResponse: cfg.OnResponse,
		onCache:    cfg.OnCache,
	}

	d.proxy = &httputil.ReverseProxy{
		Rewrite:        d.rewriter.RewriteRequest,
		ModifyResponse: d.rewriter.RewriteResponse,
		Transport:      &routeTransport{transports: d.transports},
		ErrorHandler:   d.handleError,
		ErrorLog:       slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	return d
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := d.sites.SiteForDomain(r.Host)
	if s == nil {
		writeNotFound(w)
		d.observeResponse("", http.StatusNotFound)
		return
	}

	sw := &statusWriter{ResponseWriter: w}
	d.serve(sw, r, s)
	d.observeResponse(s.Reference, sw.status)
}

func (d *Dispatcher) serve(w http.ResponseWriter, r *http.Request, s *site.Site) {
	decl := s.Declaration
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	if scheme == "http" && decl.HTTPSOnly {
		redirectToHTTPS(w, r, decl.Type == slave.TypeZope)
		return
	}

	if scheme == "https" && decl.StrictTransportSecurity.Enabled() {
		w.Header().Set("Strict-Transport-Security", hsts(decl.StrictTransportSecurity))
	}

	switch {
	case decl.Type == slave.TypeRedirect:
		redirectToBackend(w, r, s.Backend.For(scheme))
		return
	case decl.Type == slave.TypeZope && decl.DefaultPath != "" && r.URL.Path == "/":
		redirectToDefaultPath(w, r, scheme, decl.DefaultPath)
		return
	}

	failover := false
	if d.health != nil && d.health.Status(s.Reference) == health.Down {
		if !decl.HealthCheck.HasFailover() {
			writeError(w, r, http.StatusServiceUnavailable)
			return
		}
		failover = true
	}

	route := newRoute(s, scheme, failover, r)
	if route == nil {
		writeError(w, r, http.StatusServiceUnavailable)
		return
	}
	r = r.WithContext(withRoute(r.Context(), route))

	if d.cache != nil && decl.EnableCache && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		d.serveCached(w, r, route)
		return
	}

	d.proxy.ServeHTTP(w, r)
}

func (d *Dispatcher) serveCached(w http.ResponseWriter, r *http.Request, route *Route) {
	decl := route.Site.Declaration
	key := cache.Key(route.Scheme, r.Host, r.URL.RequestURI())

	var (
		entry  *cache.Entry
		result = cache.Miss
	)
	if cache.BypassRequested(r.Header) && !decl.DisableNoCacheRequest {
		d.observeCache(route.Site.Reference, "bypass")
	} else {
		entry, result = d.cache.Lookup(key)
		d.observeCache(route.Site.Reference, result.String())
	}

	switch result {
	case cache.Fresh:
		d.serveEntry(w, r, entry)
		return
	case cache.Stale:
		d.serveEntry(w, r, entry)
		background := r.Clone(context.WithoutCancel(r.Context()))
		background.Method = http.MethodGet
		background.Body = http.NoBody
		d.cache.Revalidate(key, func() {
			d.refresh(background, key)
		})
		return
	}

	if r.Method == http.MethodHead && entry == nil {
		d.proxy.ServeHTTP(w, r)
		return
	}

	captured := d.capture(r)
	if captured.failed() {
		if d.cache.ServeStaleOnError(entry) {
			slog.Debug("Serving stale entry after backend error", "site", route.Site.Reference, "status", captured.status, "error", captured.err)
			d.observeCache(route.Site.Reference, "stale-on-error")
			d.serveEntry(w, r, entry)
			return
		}
		if captured.err != nil {
			d.handleError(w, r, captured.err)
			return
		}
	}

	if r.Method == http.MethodGet {
		d.cache.Store(key, r.Method, captured.status, captured.header, captured.body.Bytes())
	}
	captured.writeTo(w, r.Method != http.MethodHead)
}

// refresh fetches a new copy of a stale entry in the background.
func (d *Dispatcher) refresh(r *http.Request, key string) {
	ctx := r.Context()
	route := routeFrom(ctx)
	if timeout := route.Site.Backend.ConnectTimeout + route.Site.Backend.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	captured := d.capture(r.WithContext(ctx))
	if captured.failed() {
		if entry, _ := d.cache.Lookup(key); captured.err != nil || d.cache.ServeStaleOnError(entry) {
			slog.Debug("Background revalidation failed", "site", route.Site.Reference, "key", key, "status", captured.status, "error", captured.err)
			return
		}
	}
	d.cache.Store(key, http.MethodGet, captured.status, captured.header, captured.body.Bytes())
}

func (d *Dispatcher) capture(r *http.Request) *captureWriter {
	c := &captureWriter{header: make(http.Header)}
	d.proxy.ServeHTTP(c, r)
	return c
}

func (d *Dispatcher) serveEntry(w http.ResponseWriter, r *http.Request, entry *cache.Entry) {
	for k, vs := range entry.Header {
		w.Header()[k] = append([]string(nil), vs...)
	}
	w.Header().Set("Age", strconv.Itoa(int(d.cache.Age(entry).Seconds())))
	w.WriteHeader(entry.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Body)
	}
}

func (d *Dispatcher) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if c, ok := w.(*captureWriter); ok {
		c.err = err
		return
	}

	status := classify(err)
	if route := routeFrom(r.Context()); route != nil {
		slog.Debug("Backend request failed", "site", route.Site.Reference, "target", route.Base, "failover", route.Failover, "status", status, "error", err)
	}
	writeError(w, r, status)
}

func (d *Dispatcher) observeResponse(site string, status int) {
	if d.onResponse != nil {
		d.onResponse(site, status)
	}
}

func (d *Dispatcher) observeCache(site string, outcome string) {
	if d.onCache != nil {
		d.onCache(site, outcome)
	}
}

// routeTransport sends each request through the transport matching its route.
type routeTransport struct {
	transports *Transports
}

func (t *routeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt, err := t.transports.For(routeFrom(req.Context()))
	if err != nil {
		return nil, err
	}
	return rt.RoundTrip(req)
}

// statusWriter records the status code written to the client.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusWriter) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// captureWriter buffers a proxied response so it can be cached before being sent on.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
	err    error
}

func (c *captureWriter) Header() http.Header {
	return c.header
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(b)
}

func (c *captureWriter) Flush() {}

// failed reports whether the backend could not be reached or answered with a server error.
func (c *captureWriter) failed() bool {
	return c.err != nil || c.status >= http.StatusInternalServerError
}

func (c *captureWriter) writeTo(w http.ResponseWriter, body bool) {
	for k, vs := range c.header {
		w.Header()[k] = vs
	}
	if c.status == 0 {
		c.status = http.StatusOK
	}
	w.WriteHeader(c.status)
	if body {
		_, _ = w.Write(c.body.Bytes())
	}
}
