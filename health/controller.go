package health

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/csmith/polaris/site"
	"golang.org/x/sync/errgroup"
)

const (
	tickInterval     = 250 * time.Millisecond
	maxParallelProbe = 32
)

type check struct {
	target   Target
	interval time.Duration
	rise     int
	fall     int

	checker  *Checker
	due      time.Time
	inFlight bool
}

func (c *check) sameAs(o *check) bool {
	return c.target.URL == o.target.URL &&
		c.target.Method == o.target.Method &&
		c.target.Path == o.target.Path &&
		c.target.Version == o.target.Version &&
		c.target.Timeout == o.target.Timeout &&
		c.target.VerifyCertificate == o.target.VerifyCertificate &&
		c.target.CACertificate == o.target.CACertificate &&
		c.target.ClientCertificate == o.target.ClientCertificate &&
		c.interval == o.interval &&
		c.rise == o.rise &&
		c.fall == o.fall
}

// Controller probes the primary backend of every site that has health checks enabled.
type Controller struct {
	prober            Prober
	clock             clock.Clock
	clientCertificate *tls.Certificate

	mutex    sync.Mutex
	checks   map[string]*check
	onChange func(reference string, status Status)
}

// NewController creates a new controller. The client certificate, if non-nil, is presented to backends of
// sites that authenticate to their backend.
func NewController(prober Prober, clk clock.Clock, clientCertificate *tls.Certificate) *Controller {
	return &Controller{
		prober:            prober,
		clock:             clk,
		clientCertificate: clientCertificate,
		checks:            make(map[string]*check),
	}
}

// OnChange registers a function to be called whenever a site's status changes, or a check is started.
func (c *Controller) OnChange(fn func(reference string, status Status)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onChange = fn
}

// Sync replaces the set of checks with those required by the given sites. Checks whose configuration hasn't
// changed keep their state and schedule.
func (c *Controller) Sync(sites []*site.Site) {
	c.mutex.Lock()

	next := make(map[string]*check, len(sites))
	var started []string
	for i := range sites {
		wanted := c.checkFor(sites[i])
		if wanted == nil {
			continue
		}

		if existing, ok := c.checks[sites[i].Reference]; ok && existing.sameAs(wanted) {
			next[sites[i].Reference] = existing
			continue
		}

		wanted.checker = NewChecker(wanted.rise, wanted.fall)
		wanted.due = c.clock.Now()
		next[sites[i].Reference] = wanted
		started = append(started, sites[i].Reference)
	}
	c.checks = next
	hook := c.onChange
	c.mutex.Unlock()

	for i := range started {
		slog.Debug("Started health check", "site", started[i])
		if hook != nil {
			hook(started[i], Up)
		}
	}
}

func (c *Controller) checkFor(s *site.Site) *check {
	hc := s.Declaration.HealthCheck
	if !hc.Enabled {
		return nil
	}

	target := Target{
		URL:               s.Backend.For("http"),
		Method:            hc.Method,
		Path:              hc.Path,
		Version:           hc.Version,
		Timeout:           hc.Timeout,
		VerifyCertificate: s.Backend.VerifyCertificate,
		CACertificate:     s.Backend.CACertificate,
	}
	if s.Backend.AuthenticateToBackend {
		target.ClientCertificate = c.clientCertificate
	}

	return &check{
		target:   target,
		interval: hc.Interval,
		rise:     hc.Rise,
		fall:     hc.Fall,
	}
}

// Status returns the current status of the site's primary backend. Sites without health checks are always Up.
func (c *Controller) Status(reference string) Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if ch, ok := c.checks[reference]; ok {
		return ch.checker.Status()
	}
	return Up
}

// RunDue probes every backend whose check is due and not already running, and waits for them to finish.
func (c *Controller) RunDue(ctx context.Context) {
	type pending struct {
		reference string
		check     *check
	}

	c.mutex.Lock()
	now := c.clock.Now()
	var due []pending
	for reference, ch := range c.checks {
		if ch.inFlight || now.Before(ch.due) {
			continue
		}
		ch.inFlight = true
		ch.due = now.Add(ch.interval)
		due = append(due, pending{reference: reference, check: ch})
	}
	c.mutex.Unlock()

	var g errgroup.Group
	g.SetLimit(maxParallelProbe)
	for i := range due {
		p := due[i]
		g.Go(func() error {
			err := c.prober.Probe(ctx, p.check.target)
			c.record(p.reference, p.check, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) record(reference string, ch *check, err error) {
	c.mutex.Lock()
	ch.inFlight = false
	if current, ok := c.checks[reference]; !ok || current != ch {
		// The check was replaced while the probe was running.
		c.mutex.Unlock()
		return
	}
	changed := ch.checker.Record(err == nil)
	status := ch.checker.Status()
	hook := c.onChange
	c.mutex.Unlock()

	if !changed {
		return
	}

	if status == Down {
		slog.Warn("Backend is down", "site", reference, "url", ch.target.URL, "error", err)
	} else {
		slog.Info("Backend is up", "site", reference, "url", ch.target.URL)
	}
	if hook != nil {
		hook(reference, status)
	}
}

// Run probes backends as they become due until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := c.clock.Ticker(tickInterval)
	defer ticker.Stop()

	go c.RunDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go c.RunDue(ctx)
		}
	}
}
