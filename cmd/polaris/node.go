package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/csmith/polaris/cache"
	"github.com/csmith/polaris/certificate"
	"github.com/csmith/polaris/config"
	"github.com/csmith/polaris/health"
	"github.com/csmith/polaris/metrics"
	"github.com/csmith/polaris/proxy"
	"github.com/csmith/polaris/site"
	"github.com/csmith/polaris/slave"
	"github.com/google/uuid"
)

var (
	summaryPath       = flag.String("summary-path", "", "File to write the generation summary to after each install. Disabled by default.")
	frontendName      = flag.String("frontend-name", "polaris", "Name of this frontend, used in Via headers")
	maxStaleAge       = flag.Duration("max-stale-age", 0, "How long past expiry cached responses may be served when the backend fails")
	backendClientCert = flag.String("backend-client-certificate", "", "Path to the certificate presented to backends that require authentication")
	backendClientKey  = flag.String("backend-client-key", "", "Path to the private key presented to backends that require authentication")
)

const defaultIdentityInterval = 12 * time.Hour

// node holds every long-lived component of a running frontend, and installs new declaration documents
// into them.
type node struct {
	manager    *proxy.Manager
	health     *health.Controller
	cache      *cache.Policy
	resolver   *certificate.Resolver
	recorder   *metrics.Recorder
	dispatcher *proxy.Dispatcher

	masterInline    *masterInlineProvider
	defaultIdentity *certificate.DefaultIdentity
	updater         *certificate.Updater

	escrowURL   string
	summaryPath string
}

func newNode(ctx context.Context, downstreams []net.IPNet) (*node, error) {
	clientCertificate, err := loadBackendClientCertificate()
	if err != nil {
		return nil, err
	}

	certs, err := createCertificateSources()
	if err != nil {
		return nil, fmt.Errorf("error creating certificate providers: %w", err)
	}

	n := assembleNode(certs, clientCertificate, downstreams, uuid.NewString())
	n.escrowURL = *escrowURL
	n.summaryPath = *summaryPath

	go n.health.Run(ctx)
	if n.updater != nil {
		go n.updater.Run(ctx)
	}
	if n.defaultIdentity != nil {
		go n.defaultIdentity.Run(ctx, defaultIdentityInterval)
	}
	return n, nil
}

// assembleNode wires the components together. The cache starts with the default budget until the first
// document is installed.
func assembleNode(certs *certificateSources, clientCertificate *tls.Certificate, downstreams []net.IPNet, nodeID string) *node {
	n := &node{
		manager:         proxy.NewManager(),
		health:          health.NewController(&health.HTTPProber{}, clock.New(), clientCertificate),
		cache:           cache.NewPolicy(cache.DefaultSize, *maxStaleAge, clock.New()),
		recorder:        metrics.NewRecorder(),
		masterInline:    &masterInlineProvider{},
		defaultIdentity: certs.defaultIdentity,
		updater:         certs.updater,
	}

	providers := []certificate.Provider{
		&certificate.SiteEscrowProvider{Store: certs.escrowStore},
		&certificate.InlineProvider{},
		&certificate.MasterEscrowProvider{Store: certs.escrowStore},
		n.masterInline,
	}
	if certs.defaultIdentity != nil {
		providers = append(providers, certs.defaultIdentity)
	}

	n.resolver = certificate.NewResolver(n.manager, providers, false)
	n.resolver.WrapCertificate(n.recorder.TrackHello)
	n.health.OnChange(n.recorder.TrackHealth)

	via := cache.Via(*frontendName, nodeID, cache.Engine)
	n.dispatcher = proxy.NewDispatcher(proxy.DispatcherConfig{
		Sites:      n.manager,
		Health:     n.health,
		Cache:      n.cache,
		Transports: proxy.NewTransports(clientCertificate),
		Rewriter: proxy.NewRewriter(
			via,
			proxy.NewBannedHeaderDecorator(),
			proxy.NewForwardedDecorator(downstreams),
			proxy.NewUpgradeDecorator(),
			proxy.NewCookieDecorator(),
			proxy.NewGzipDecorator(),
			proxy.NewCacheHeaderDecorator(via),
			proxy.NewUserAgentDecorator(),
		),
		OnResponse: n.recorder.TrackResponse,
		OnCache:    n.recorder.TrackCache,
	})
	return n
}

func loadBackendClientCertificate() (*tls.Certificate, error) {
	if *backendClientCert == "" && *backendClientKey == "" {
		return nil, nil
	}

	pair, err := tls.LoadX509KeyPair(*backendClientCert, *backendClientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load backend client certificate: %w", err)
	}
	return &pair, nil
}

// plan is a declaration document that has been fully validated, ready to install.
type plan struct {
	doc        *config.Document
	generation *site.Generation
	cacheSize  int64
}

func prepare(doc *config.Document) (*plan, error) {
	cacheSize, err := cache.ParseSize(doc.Master.RAMCacheSize)
	if err != nil {
		return nil, fmt.Errorf("invalid master parameters: ram-cache-size: %w", err)
	}

	defaults := doc.Master.Defaults()
	results := make([]*slave.Result, 0, len(doc.Slaves))
	for _, entry := range doc.Slaves {
		results = append(results, slave.Validate(entry.Reference, entry.Parameters, defaults))
	}

	return &plan{
		doc:        doc,
		generation: site.Resolve(doc.Master.Domain, results),
		cacheSize:  cacheSize,
	}, nil
}

// install validates the document and, if the master parameters are usable, swaps in the new generation.
// Slaves that fail validation are rejected individually and never stop the rest from being installed.
func (n *node) install(doc *config.Document) error {
	p, err := prepare(doc)
	if err != nil {
		return err
	}

	n.manager.SetGeneration(p.generation)
	n.health.Sync(p.generation.Sites)
	n.recorder.TrackGeneration(p.generation)

	n.cache.Resize(p.cacheSize)
	n.resolver.SetDisableHTTP2(doc.Master.GlobalDisableHTTP2)
	n.masterInline.set(doc.Master.ApacheCertificate, doc.Master.ApacheKey)

	if n.updater != nil {
		n.updater.SetKeys(escrowKeys(p.generation))
	}

	if n.defaultIdentity != nil && n.defaultIdentity.SetNames("*."+doc.Master.Domain, doc.Master.Domain) {
		go func() {
			slog.Info("Obtaining default certificate", "domain", doc.Master.Domain)
			if err := n.defaultIdentity.Refresh(); err != nil {
				slog.Error("Failed to obtain default certificate", "domain", doc.Master.Domain, "error", err)
			}
		}()
	}

	summary := p.generation.Summary()
	slog.Info(
		"Installed generation",
		"accepted", summary.AcceptedSlaveAmount,
		"rejected", summary.RejectedSlaveAmount,
		"sites", len(p.generation.Sites),
	)
	for reference, errs := range summary.RejectedSlaveDict {
		slog.Warn("Rejected slave", "reference", reference, "errors", errs)
	}

	if n.summaryPath != "" {
		if err := writeSummary(n.summaryPath, publish(p.generation, n.escrowURL)); err != nil {
			slog.Error("Failed to write generation summary", "path", n.summaryPath, "error", err)
		}
	}
	return nil
}

func escrowKeys(generation *site.Generation) []string {
	keys := []string{certificate.MasterEscrowKey}
	for _, s := range generation.Sites {
		keys = append(keys, s.EscrowKey())
	}
	return keys
}

// publication is the document written to the summary path: the generation summary for the master, and
// the information published back to each slave.
type publication struct {
	site.Summary
	Slaves map[string]*site.Information `json:"slaves"`
}

func publish(generation *site.Generation, escrowURL string) *publication {
	p := &publication{
		Summary: generation.Summary(),
		Slaves:  make(map[string]*site.Information, len(generation.Results)),
	}
	for _, res := range generation.Results {
		if info, ok := generation.Information(res.Reference, escrowURL); ok {
			p.Slaves[res.Reference] = info
		}
	}
	return p
}

func writeSummary(path string, p *publication) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".summary-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
