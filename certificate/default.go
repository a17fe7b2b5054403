package certificate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/csmith/polaris/site"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"
)

// DefaultIdentity keeps a certificate for the base domain current, for use by any site without an identity of
// its own.
type DefaultIdentity struct {
	issuer  issuer
	clock   clock.Clock
	current atomic.Pointer[Identity]

	mutex    sync.Mutex
	subject  string
	altNames []string
}

// NewDefaultIdentity creates a default identity for the given names. Refresh must be called before it offers
// anything.
func NewDefaultIdentity(issuer issuer, clk clock.Clock, subject string, altNames ...string) *DefaultIdentity {
	return &DefaultIdentity{
		issuer:   issuer,
		subject:  subject,
		altNames: altNames,
		clock:    clk,
	}
}

// Identity returns the current default identity, regardless of site.
func (d *DefaultIdentity) Identity(_ *site.Site) *Identity {
	return d.current.Load()
}

// SetNames changes the names the identity must cover, reporting whether they differ from before. The current
// identity is kept until the next Refresh.
func (d *DefaultIdentity) SetNames(subject string, altNames ...string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.subject == subject && slices.Equal(d.altNames, altNames) {
		return false
	}
	d.subject = subject
	d.altNames = altNames
	return true
}

func (d *DefaultIdentity) names() (string, []string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.subject, d.altNames
}

// Refresh obtains or renews the certificate, replacing the current identity.
func (d *DefaultIdentity) Refresh() error {
	subject, altNames := d.names()
	if subject == "" {
		return fmt.Errorf("no names configured for the default certificate")
	}

	details, err := d.issuer.GetCertificate(subject, altNames)
	if err != nil {
		return err
	}

	identity, err := details.Identity()
	if err != nil {
		return fmt.Errorf("unable to use certificate for %s: %w", subject, err)
	}

	d.current.Store(identity)
	return nil
}

// Run refreshes the identity at the given interval until the context is cancelled.
func (d *DefaultIdentity) Run(ctx context.Context, interval time.Duration) {
	ticker := d.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			subject, _ := d.names()
			slog.Info("Checking default certificate validity", "subject", subject)
			if err := d.Refresh(); err != nil {
				slog.Error("Failed to refresh default certificate", "subject", subject, "error", err)
			}
		}
	}
}
