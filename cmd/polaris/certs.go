package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/csmith/legotapas"
	"github.com/csmith/polaris/certificate"
	"github.com/csmith/polaris/escrow"
	"github.com/csmith/polaris/site"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/lego"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

var (
	userDataPath         = flag.String("user-data", "user.pem", "Path to user data")
	certificateStorePath = flag.String("certificate-store", "certs.json", "Path to certificate store")
	certificateProviders = flag.String("certificate-providers", "lego selfsigned", "Space separated list of certificate providers to use for the default certificate in order of preference")
	dnsProviderName      = flag.String("dns-provider", "", "DNS provider to use for ACME DNS-01 challenges")
	acmeEmail            = flag.String("acme-email", "", "Email address for ACME account")
	acmeDirectory        = flag.String("acme-directory", lego.LEDirectoryProduction, "ACME directory to use")
	wildcardDomains      = flag.String("wildcard-domains", "", "Space separated list of wildcard domains")

	escrowURL      = flag.String("escrow-url", "", "Base URL of the key escrow service. Disabled by default.")
	escrowToken    = flag.String("escrow-token", "", "Token used to download identities from the key escrow service")
	escrowStore    = flag.String("escrow-store", "escrow.json", "Path to the local copy of identities downloaded from the key escrow service")
	escrowInterval = flag.Duration("escrow-interval", 5*time.Minute, "How often to check the key escrow service for new identities")
)

// certificateSources are the identity sources that outlive a single declaration document.
type certificateSources struct {
	escrowStore     *certificate.IdentityStore
	updater         *certificate.Updater
	defaultIdentity *certificate.DefaultIdentity
}

func createCertificateSources() (*certificateSources, error) {
	sources := &certificateSources{}

	var err error
	if *escrowURL == "" {
		slog.Info("No key escrow service configured, uploaded identities will not be used")
		sources.escrowStore, err = certificate.NewIdentityStore("")
	} else {
		sources.escrowStore, err = certificate.NewIdentityStore(*escrowStore)
	}
	if err != nil {
		return nil, fmt.Errorf("escrow store error: %w", err)
	}

	if *escrowURL != "" {
		client := escrow.NewClient(*escrowURL, *escrowToken, &http.Client{Timeout: 30 * time.Second})
		sources.updater = certificate.NewUpdater(client, sources.escrowStore, *escrowInterval, clock.New())
	}

	issuer, err := defaultIssuer()
	if err != nil {
		return nil, err
	}
	sources.defaultIdentity = certificate.NewDefaultIdentity(issuer, clock.New(), "")
	return sources, nil
}

// defaultIssuer builds the chain of suppliers used for the default certificate, which is served to sites
// without any identity of their own.
func defaultIssuer() (*certificate.WildcardResolver, error) {
	store, err := certificate.NewStore(*certificateStorePath)
	if err != nil {
		return nil, fmt.Errorf("certificate store error: %v", err)
	}

	var suppliers = make(map[string]certificate.Supplier)

	if legoSupplier, err := createLegoSupplier(); err != nil {
		slog.Warn("Unable to create lego certificate supplier", "error", err)
	} else {
		suppliers["lego"] = legoSupplier
	}

	suppliers["selfsigned"] = certificate.NewSelfSignedSupplier()

	return certificate.NewWildcardResolver(
		certificate.NewManager(store, suppliers, strings.Fields(*certificateProviders)),
		strings.Fields(*wildcardDomains),
	), nil
}

func createLegoSupplier() (*certificate.LegoSupplier, error) {
	if *dnsProviderName == "" {
		return nil, fmt.Errorf("no DNS provider specified")
	}

	dnsProvider, err := legotapas.CreateProvider(*dnsProviderName)
	if err != nil {
		return nil, fmt.Errorf("dns provider error: %v", err)
	}

	if err := canWriteTo(*userDataPath); err != nil {
		return nil, fmt.Errorf("unable to write to path %s: %v", *userDataPath, err)
	}

	legoSupplier, err := certificate.NewLegoSupplier(&certificate.LegoSupplierConfig{
		Path:        *userDataPath,
		Email:       *acmeEmail,
		DirUrl:      *acmeDirectory,
		KeyType:     certcrypto.EC384,
		DnsProvider: dnsProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("certificate supplier error: %v", err)
	}
	return legoSupplier, nil
}

func canWriteTo(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		// If the file doesn't exist we need to check write perms on the directory
		return unix.Access(filepath.Dir(path), unix.W_OK)
	} else {
		return unix.Access(path, unix.W_OK)
	}
}

// masterInlineProvider serves the certificate declared inline in the master parameters. It is replaced
// whenever a document declares a different certificate or key.
type masterInlineProvider struct {
	current atomic.Pointer[masterInline]
}

type masterInline struct {
	cert, key string
	provider  *certificate.StaticProvider
}

func (m *masterInlineProvider) set(cert, key string) {
	if current := m.current.Load(); current != nil && current.cert == cert && current.key == key {
		return
	}
	m.current.Store(&masterInline{
		cert:     cert,
		key:      key,
		provider: certificate.NewMasterInlineProvider(cert, key),
	})
}

func (m *masterInlineProvider) Identity(s *site.Site) *certificate.Identity {
	if current := m.current.Load(); current != nil {
		return current.provider.Identity(s)
	}
	return nil
}
